// Package metrics provides in-process counters and gauges for the sync
// engine and pollers, plus an optional HTTP endpoint that serves a JSON
// snapshot and a health check.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	"github.com/johnayoung/go-poloniex-sync/internal/logger"
)

// Metric names recorded by the sync engine and pollers.
const (
	WindowsFetched   = "windows_fetched"
	RecordsPersisted = "records_persisted"
	FetchFailures    = "fetch_failures"
	ForcedAdvances   = "forced_advances"
	WindowSplits     = "window_splits"
	PollCycles       = "poll_cycles"
	PollFailures     = "poll_failures"
	PollerState      = "poller_state"
)

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Metric is one named series.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Snapshot is a copy of every series at a point in time.
type Snapshot struct {
	Timestamp      time.Time         `json:"timestamp"`
	Uptime         time.Duration     `json:"uptime"`
	Metrics        map[string]Metric `json:"metrics"`
	GoroutineCount int               `json:"goroutine_count"`
	HeapAlloc      uint64            `json:"heap_alloc"`
}

// Registry holds counters and gauges. The zero value is not usable; call
// NewRegistry. A nil *Registry ignores every call so components can run
// without metrics.
type Registry struct {
	mu        sync.RWMutex
	metrics   map[string]Metric
	startTime time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics:   make(map[string]Metric),
		startTime: time.Now(),
	}
}

// seriesKey renders name{k="v",...} with labels in sorted order.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Add increments a counter by delta.
func (r *Registry) Add(name string, delta float64, labels map[string]string) {
	r.record(name, MetricTypeCounter, delta, labels)
}

// Inc increments a counter by one.
func (r *Registry) Inc(name string, labels map[string]string) {
	r.record(name, MetricTypeCounter, 1, labels)
}

// Set sets a gauge.
func (r *Registry) Set(name string, value float64, labels map[string]string) {
	r.record(name, MetricTypeGauge, value, labels)
}

func (r *Registry) record(name string, metricType MetricType, value float64, labels map[string]string) {
	if r == nil {
		return
	}
	key := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.metrics[key]
	if exists && metricType == MetricTypeCounter {
		existing.Value += value
	} else {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		existing = Metric{Name: name, Type: metricType, Value: value, Labels: copied}
	}
	existing.UpdatedAt = time.Now()
	r.metrics[key] = existing
}

// Value returns the current value of a series, or 0 if it was never recorded.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[seriesKey(name, labels)].Value
}

// Total sums every series of name regardless of labels.
func (r *Registry) Total(name string) float64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total float64
	for _, m := range r.metrics {
		if m.Name == name {
			total += m.Value
		}
	}
	return total
}

// Snapshot returns a copy of all series.
func (r *Registry) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap := Snapshot{
		Timestamp:      time.Now(),
		Metrics:        make(map[string]Metric),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
	}
	if r == nil {
		return snap
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	snap.Uptime = time.Since(r.startTime)
	for k, v := range r.metrics {
		snap.Metrics[k] = v
	}
	return snap
}

// HealthChecker is implemented by components the /health endpoint checks.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server exposes a registry over HTTP.
type Server struct {
	cfg      config.MetricsConfig
	registry *Registry
	checkers map[string]HealthChecker
	logger   *logger.ComponentLogger
	server   *http.Server
}

// NewServer creates a metrics server. checkers are run by /health.
func NewServer(cfg config.MetricsConfig, registry *Registry, checkers map[string]HealthChecker, log *logger.ComponentLogger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		checkers: checkers,
		logger:   log,
	}
}

// Handler returns the HTTP handler serving the metrics and health routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleMetrics)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens on the configured port and serves in the background. It is
// a no-op when metrics are disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("metrics endpoint disabled")
		return nil
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start metrics HTTP server: %w", err)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.InfoWithContext(ctx, "metrics HTTP server starting", "addr", listener.Addr().String(), "path", s.cfg.Path)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.ErrorWithContext(ctx, "metrics HTTP server failed", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.ErrorWithContext(ctx, "error shutting down metrics server", err)
		return err
	}
	s.logger.Info("metrics server stopped")
	return nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	failures := make(map[string]string)
	for name, checker := range s.checkers {
		if err := checker.HealthCheck(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(failures) > 0 {
		status["status"] = "unhealthy"
		status["errors"] = failures
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
