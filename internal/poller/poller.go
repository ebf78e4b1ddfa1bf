// Package poller runs fixed-interval fetch, normalize and persist cycles for
// the live ticker and signal collectors.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	apperrors "github.com/johnayoung/go-poloniex-sync/internal/errors"
	"github.com/johnayoung/go-poloniex-sync/internal/logger"
	"github.com/johnayoung/go-poloniex-sync/internal/metrics"
)

// State is the step a poller is currently in.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateNormalizing
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateNormalizing:
		return "normalizing"
	case StatePersisting:
		return "persisting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrAlreadyRunning is returned by Start on a poller that is already running.
var ErrAlreadyRunning = errors.New("poller already running")

// Task is one poll cycle. It reports each step through setState and returns
// the number of records persisted.
type Task interface {
	RunCycle(ctx context.Context, setState func(State)) (int, error)
}

// Cycle is a Task built from its three steps.
type Cycle[R any, T any] struct {
	Fetch     func(ctx context.Context) (R, error)
	Normalize func(raw R) ([]T, error)
	Persist   func(ctx context.Context, records []T) error
}

// RunCycle runs fetch, normalize and persist in order, stopping at the first
// failing step.
func (c Cycle[R, T]) RunCycle(ctx context.Context, setState func(State)) (int, error) {
	setState(StateFetching)
	raw, err := c.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}

	setState(StateNormalizing)
	records, err := c.Normalize(raw)
	if err != nil {
		return 0, fmt.Errorf("normalize: %w", err)
	}

	setState(StatePersisting)
	if err := c.Persist(ctx, records); err != nil {
		return 0, fmt.Errorf("persist: %w", err)
	}
	return len(records), nil
}

// Config holds poller configuration.
type Config struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool
	// Timeout bounds a single cycle. Zero means the interval.
	Timeout time.Duration
}

// DefaultConfig returns the ticker poller defaults.
func DefaultConfig() Config {
	return Config{
		Name:           "ticker",
		Interval:       60 * time.Second,
		RunImmediately: true,
	}
}

// Poller runs a Task every Interval until stopped.
type Poller struct {
	cfg        Config
	task       Task
	logger     *logger.ComponentLogger
	metrics    *metrics.Registry
	classifier *apperrors.ErrorClassifier

	state   atomic.Int32
	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, task Task, log *slog.Logger, registry *metrics.Registry) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Name == "" {
		cfg.Name = "poller"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Poller{
		cfg:        cfg,
		task:       task,
		logger:     logger.NewComponentLogger(log.With("poller", cfg.Name), "poller"),
		metrics:    registry,
		classifier: apperrors.NewErrorClassifier(config.ErrorHandlingConfig{}, log),
	}
}

// WithClassifier sets the classifier used to tag failed cycles.
func (p *Poller) WithClassifier(c *apperrors.ErrorClassifier) *Poller {
	p.classifier = c
	return p
}

// State returns the current step.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
	p.metrics.Set(metrics.PollerState, float64(s), map[string]string{"poller": p.cfg.Name})
}

// Start launches the poll loop in the background.
func (p *Poller) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		_ = p.Run(ctx)
	}()

	p.logger.Info("poller started", "interval", p.cfg.Interval)
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish, or for
// ctx to expire.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls in the foreground until ctx is done. A failed cycle is logged
// and counted; the next tick runs regardless.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	if p.cfg.RunImmediately {
		p.poll(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// RunOnce runs a single cycle.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	timeout := p.cfg.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer p.setState(StateIdle)

	return p.task.RunCycle(ctx, p.setState)
}

func (p *Poller) poll(ctx context.Context) {
	ctx = logger.WithOperation(ctx, "poll")
	start := time.Now()
	labels := map[string]string{"poller": p.cfg.Name}

	n, err := p.RunOnce(ctx)
	p.metrics.Inc(metrics.PollCycles, labels)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.Inc(metrics.PollFailures, labels)
		p.logger.LogError(ctx, "poll cycle failed", p.classifier.Classify(err, "poller", p.cfg.Name),
			"duration", time.Since(start))
		return
	}

	p.logger.Debug("poll cycle complete",
		"records", n,
		"duration", time.Since(start))
}
