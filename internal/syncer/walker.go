// Package syncer walks an exchange's range-limited history endpoints one
// time window at a time, normalizing each page and handing it to a sink.
//
// A Walker retries a failing or empty window a bounded number of times and
// then force-advances past it, recording a Gap so the hole stays visible.
// Failures the classifier marks as not retryable skip the window at once.
// A window whose page hits the exchange row cap is halved until it fits.
// Walks can resume from a persisted checkpoint and can keep trailing the
// present in live-tail mode.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	apperrors "github.com/johnayoung/go-poloniex-sync/internal/errors"
	"github.com/johnayoung/go-poloniex-sync/internal/logger"
	"github.com/johnayoung/go-poloniex-sync/internal/metrics"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
	"github.com/johnayoung/go-poloniex-sync/internal/storage"
)

// Config holds walker configuration.
type Config struct {
	// Kind labels logs, metrics, gaps and checkpoints.
	Kind models.Kind

	// WindowSize is the span of each request. Defaults to one day.
	WindowSize time.Duration

	// StallLimit is how many failed or empty attempts a window gets before
	// it is skipped.
	StallLimit int

	// RetryEmpty counts an empty page as a failed attempt.
	RetryEmpty bool

	// LiveInterval is the sleep between live-tail passes.
	LiveInterval time.Duration

	// RetryPolicy shapes the delay between attempts on the same window.
	// MaxAttempts is ignored; StallLimit bounds attempts.
	RetryPolicy config.RetryPolicyConfig

	// Resume starts each market at its stored checkpoint when later than
	// the requested start.
	Resume bool

	// Workers is how many markets are walked at once.
	Workers int

	// MaxIterations caps loop iterations per pass independently of the
	// attempt counter. Zero derives it from the range.
	MaxIterations int
}

// DefaultConfig returns the default walker configuration.
func DefaultConfig(kind models.Kind) *Config {
	return &Config{
		Kind:         kind,
		WindowSize:   models.OneDay,
		StallLimit:   5,
		RetryEmpty:   true,
		LiveInterval: 60 * time.Second,
		RetryPolicy: config.RetryPolicyConfig{
			InitialDelay:    "1s",
			MaxDelay:        "30s",
			BackoffStrategy: "exponential",
		},
		Resume:  true,
		Workers: 1,
	}
}

// ConfigFromApp builds a walker configuration from the sync section.
func ConfigFromApp(cfg config.SyncConfig, kind models.Kind) *Config {
	c := DefaultConfig(kind)
	c.WindowSize = config.Duration(cfg.WindowSize, models.OneDay)
	if cfg.StallLimit > 0 {
		c.StallLimit = cfg.StallLimit
	}
	c.RetryEmpty = cfg.RetryEmpty
	c.LiveInterval = config.Duration(cfg.LiveInterval, c.LiveInterval)
	c.RetryPolicy = cfg.RetryPolicy
	c.Resume = cfg.Resume
	if cfg.Workers > 0 {
		c.Workers = cfg.Workers
	}
	return c
}

// ValidateConfig validates walker configuration.
func ValidateConfig(cfg *Config) error {
	switch cfg.Kind {
	case models.KindTrades, models.KindCandles, models.KindTickers:
	default:
		return fmt.Errorf("invalid kind %q", cfg.Kind)
	}
	if cfg.WindowSize < time.Second {
		return fmt.Errorf("window size must be at least 1s, got %s", cfg.WindowSize)
	}
	if cfg.StallLimit <= 0 {
		return fmt.Errorf("stall limit must be positive, got %d", cfg.StallLimit)
	}
	if cfg.LiveInterval <= 0 {
		return fmt.Errorf("live interval must be positive, got %s", cfg.LiveInterval)
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.MaxIterations < 0 {
		return fmt.Errorf("max iterations cannot be negative, got %d", cfg.MaxIterations)
	}
	return nil
}

// Walker synchronizes one record kind.
type Walker[T models.Record] struct {
	cfg         Config
	fetch       Fetcher[T]
	sink        storage.Sink[T]
	gaps        storage.GapStorage
	checkpoints storage.CheckpointStore
	lister      MarketLister
	confirmer   Confirmer
	clock       Clock
	classifier  *apperrors.ErrorClassifier
	logger      *logger.ComponentLogger
	metrics     *metrics.Registry
}

// NewWalker creates a walker over fetch. Without a sink the walker runs in
// accumulate mode and returns records in the result.
func NewWalker[T models.Record](fetch Fetcher[T], cfg *Config) (*Walker[T], error) {
	if fetch == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid walker configuration: %w", err)
	}
	return &Walker[T]{
		cfg:        *cfg,
		fetch:      fetch,
		clock:      SystemClock{},
		classifier: apperrors.NewErrorClassifier(config.ErrorHandlingConfig{}, logger.Discard()),
		logger:     logger.NewComponentLogger(nil, "syncer"),
	}, nil
}

// WithSink sets where records are persisted.
func (w *Walker[T]) WithSink(sink storage.Sink[T]) *Walker[T] {
	w.sink = sink
	return w
}

// WithGapStorage sets where skipped windows are recorded.
func (w *Walker[T]) WithGapStorage(gaps storage.GapStorage) *Walker[T] {
	w.gaps = gaps
	return w
}

// WithCheckpoints sets the cursor store.
func (w *Walker[T]) WithCheckpoints(store storage.CheckpointStore) *Walker[T] {
	w.checkpoints = store
	return w
}

// WithMarketDiscovery enables runs without an explicit market set. The
// confirmer gates the full market list.
func (w *Walker[T]) WithMarketDiscovery(lister MarketLister, confirmer Confirmer) *Walker[T] {
	w.lister = lister
	w.confirmer = confirmer
	return w
}

// WithClock replaces the wall clock.
func (w *Walker[T]) WithClock(clock Clock) *Walker[T] {
	w.clock = clock
	return w
}

// WithClassifier sets the classifier that decides which failures are worth
// another attempt.
func (w *Walker[T]) WithClassifier(c *apperrors.ErrorClassifier) *Walker[T] {
	w.classifier = c
	return w
}

// WithLogger sets the logger.
func (w *Walker[T]) WithLogger(l *logger.ComponentLogger) *Walker[T] {
	w.logger = l
	return w
}

// WithMetrics sets the metrics registry.
func (w *Walker[T]) WithMetrics(m *metrics.Registry) *Walker[T] {
	w.metrics = m
	return w
}

// MarketResult describes the walk of a single market.
type MarketResult[T models.Record] struct {
	Market models.Market `json:"market"`

	// Records is populated only in accumulate mode, in window order.
	Records []T `json:"-"`

	// Windows counts windows that completed successfully.
	Windows int `json:"windows"`

	// Fetched counts records returned by successful windows.
	Fetched int `json:"fetched"`

	// Failures counts failed attempts, including ones later retried.
	Failures int `json:"failures"`

	// Gaps lists windows that were force-advanced.
	Gaps []models.Gap `json:"gaps,omitempty"`

	// Cursor is where the walk stopped; everything before it was handled.
	Cursor time.Time `json:"cursor"`

	// Capped is set when the iteration cap ended the walk early.
	Capped bool `json:"capped,omitempty"`

	// Err is set only when the context ended the walk.
	Err error `json:"-"`
}

func (w *Walker[T]) labels(market models.Market) map[string]string {
	return map[string]string{"kind": string(w.cfg.Kind), "market": string(market)}
}

// resumePoint returns the later of start and the stored cursor.
func (w *Walker[T]) resumePoint(ctx context.Context, market models.Market, start time.Time) time.Time {
	if w.checkpoints == nil || w.sink == nil || !w.cfg.Resume {
		return start
	}
	cursor, ok, err := w.checkpoints.LoadCheckpoint(ctx, w.cfg.Kind, market)
	if err != nil {
		w.logger.WarnWithContext(ctx, "failed to load checkpoint, starting from requested start",
			"start", start, "error", err)
		return start
	}
	if ok && cursor.After(start) {
		w.logger.InfoWithContext(ctx, "resuming from checkpoint", "requested_start", start, "cursor", cursor)
		return cursor
	}
	return start
}

// Walk synchronizes market over [start, end). Fetch and sink failures are
// retried and, past the stall limit, turned into gaps; they never fail the
// walk. Only context cancellation stops it early, reported in Err.
func (w *Walker[T]) Walk(ctx context.Context, market models.Market, start, end time.Time) MarketResult[T] {
	ctx = logger.WithMarket(logger.WithKind(ctx, string(w.cfg.Kind)), string(market))
	ctx = logger.WithOperation(ctx, "walk")
	res := MarketResult[T]{Market: market}

	start = w.resumePoint(ctx, market, start.UTC())
	end = end.UTC()
	if !start.Before(end) {
		w.logger.InfoWithContext(ctx, "market already synchronized", "start", start, "end", end)
		res.Cursor = start
		return res
	}

	w.logger.InfoWithContext(ctx, "walking market", "start", start, "end", end, "window_size", w.cfg.WindowSize)
	cursor, err := w.walkRange(ctx, market, start, end, passBackfill, &res)
	res.Cursor = cursor
	res.Err = err

	w.logger.InfoWithContext(ctx, "market walk finished",
		"windows", res.Windows,
		"records", res.Fetched,
		"failures", res.Failures,
		"gaps", len(res.Gaps),
		"cursor", cursor)
	return res
}

// Tail synchronizes market from start and then keeps trailing the present:
// whenever the walk reaches now it sleeps LiveInterval and continues up to
// the new now. It returns when ctx is done, with ctx.Err().
//
// Empty pages are not retried while tailing; the next pass picks up late
// records. The catch-up pass retries them except in the window ending at now.
func (w *Walker[T]) Tail(ctx context.Context, market models.Market, start time.Time) (MarketResult[T], error) {
	ctx = logger.WithMarket(logger.WithKind(ctx, string(w.cfg.Kind)), string(market))
	ctx = logger.WithOperation(ctx, "tail")
	res := MarketResult[T]{Market: market}

	cursor := w.resumePoint(ctx, market, start.UTC())
	mode := passCatchUp
	w.logger.InfoWithContext(ctx, "tailing market", "start", cursor, "live_interval", w.cfg.LiveInterval)

	for {
		target := w.clock.Now().UTC().Truncate(time.Second)
		if cursor.Before(target) {
			next, err := w.walkRange(ctx, market, cursor, target, mode, &res)
			cursor = next
			res.Cursor = cursor
			if err != nil {
				res.Err = err
				return res, err
			}
			mode = passLive
		}

		w.logger.DebugWithContext(ctx, "caught up, sleeping", "cursor", cursor, "interval", w.cfg.LiveInterval)
		if err := w.clock.Sleep(ctx, w.cfg.LiveInterval); err != nil {
			res.Err = err
			return res, err
		}
	}
}

// passMode says how a pass treats empty pages.
type passMode int

const (
	// passBackfill retries empty pages when RetryEmpty is set.
	passBackfill passMode = iota
	// passCatchUp is the first tail pass. It behaves like passBackfill
	// except for the window that ends at the pass target.
	passCatchUp
	// passLive accepts every empty page.
	passLive
)

func (w *Walker[T]) retriesEmpty(mode passMode, window models.TimeWindow, end time.Time) bool {
	switch mode {
	case passLive:
		return false
	case passCatchUp:
		return w.cfg.RetryEmpty && window.End.Before(end)
	default:
		return w.cfg.RetryEmpty
	}
}

// attemptCounter tracks attempts per window start.
type attemptCounter map[string]int

func attemptKey(t time.Time) string {
	return t.UTC().Format(models.TradeDateLayout)
}

func (w *Walker[T]) newBackOff() backoff.BackOff {
	policy := w.cfg.RetryPolicy
	policy.MaxAttempts = 0
	return apperrors.NewBackOff(policy)
}

func (w *Walker[T]) maxIterations(start, end time.Time) int {
	if w.cfg.MaxIterations > 0 {
		return w.cfg.MaxIterations
	}
	windows := len(models.Windows(start, end, w.cfg.WindowSize))
	return (windows + 1) * (w.cfg.StallLimit + 1)
}

// walkRange is the window loop. It returns the cursor reached and a non-nil
// error only when ctx ends the loop.
func (w *Walker[T]) walkRange(ctx context.Context, market models.Market, start, end time.Time, mode passMode, res *MarketResult[T]) (time.Time, error) {
	labels := w.labels(market)
	attempts := make(attemptCounter)
	bo := w.newBackOff()
	limit := w.maxIterations(start, end)

	// span shrinks while a saturated window is split and widens again once
	// the cursor passes splitUntil
	span := w.cfg.WindowSize
	var splitUntil time.Time

	cursor := start
	for iteration := 1; cursor.Before(end); iteration++ {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}

		if iteration > limit {
			w.logger.ErrorWithContext(ctx, "iteration cap reached, abandoning remaining range",
				errors.New("iteration cap exceeded"),
				"cap", limit,
				"cursor", cursor,
				"end", end)
			w.recordGap(ctx, market, models.TimeWindow{Start: cursor, End: end}, models.GapReasonFailed, 0, nil, res)
			res.Capped = true
			return cursor, nil
		}

		window := models.NewWindow(cursor, span, end)
		key := attemptKey(window.Start)
		advance := func() {
			delete(attempts, key)
			bo.Reset()
			cursor = window.End
			if !splitUntil.IsZero() && !cursor.Before(splitUntil) {
				span, splitUntil = w.cfg.WindowSize, time.Time{}
			}
		}

		records, err := w.fetch(ctx, market, window)
		switch {
		case errors.Is(err, ErrPageSaturated):
			half := (window.Duration() / 2).Truncate(time.Second)
			if half >= time.Second {
				if window.End.After(splitUntil) {
					splitUntil = window.End
				}
				span = half
				limit++
				w.metrics.Inc(metrics.WindowSplits, labels)
				w.logger.WarnWithContext(ctx, "window saturated, splitting",
					"window", window.String(),
					"records", len(records),
					"span", span)
				continue
			}
			saturated := err
			if err = w.persist(ctx, market, window, records, res); err == nil {
				w.recordGap(ctx, market, window, models.GapReasonTruncated, attempts[key]+1, saturated, res)
				advance()
				continue
			}
		case err == nil && (len(records) > 0 || !w.retriesEmpty(mode, window, end)):
			if err = w.persist(ctx, market, window, records, res); err == nil {
				advance()
				continue
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cursor, ctxErr
		}

		attempts[key]++
		permanent := false
		if err != nil {
			res.Failures++
			w.metrics.Inc(metrics.FetchFailures, labels)
			classified := w.classifier.Classify(err, "syncer", string(w.cfg.Kind))
			permanent = !classified.Retryable
			w.logger.LogError(ctx, "window attempt failed", classified,
				"window", window.String(),
				"attempt", attempts[key],
				"stall_limit", w.cfg.StallLimit)
		} else {
			w.logger.DebugWithContext(ctx, "window returned no records",
				"window", window.String(),
				"attempt", attempts[key])
		}

		if permanent || attempts[key] >= w.cfg.StallLimit {
			reason := models.GapReasonEmpty
			if err != nil {
				reason = models.GapReasonFailed
			}
			w.recordGap(ctx, market, window, reason, attempts[key], err, res)
			w.metrics.Inc(metrics.ForcedAdvances, labels)
			w.saveCheckpoint(ctx, market, window.End)
			advance()
			continue
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = config.Duration(w.cfg.RetryPolicy.MaxDelay, 30*time.Second)
		}
		if err := w.clock.Sleep(ctx, delay); err != nil {
			return cursor, err
		}
	}
	return cursor, nil
}

// persist hands a successful page to the sink, or accumulates it when no
// sink is set, then advances the checkpoint.
func (w *Walker[T]) persist(ctx context.Context, market models.Market, window models.TimeWindow, records []T, res *MarketResult[T]) error {
	labels := w.labels(market)
	models.SortByTime(records)

	if w.sink == nil {
		res.Records = append(res.Records, records...)
	} else if len(records) > 0 {
		if err := w.sink.InsertMany(ctx, records); err != nil {
			return fmt.Errorf("failed to persist %d records: %w", len(records), err)
		}
		w.metrics.Add(metrics.RecordsPersisted, float64(len(records)), labels)
	}

	res.Windows++
	res.Fetched += len(records)
	w.metrics.Inc(metrics.WindowsFetched, labels)
	w.saveCheckpoint(ctx, market, window.End)

	w.logger.DebugWithContext(ctx, "window synchronized",
		"window", window.String(),
		"records", len(records))
	return nil
}

func (w *Walker[T]) saveCheckpoint(ctx context.Context, market models.Market, cursor time.Time) {
	if w.checkpoints == nil || w.sink == nil {
		return
	}
	cp := models.Checkpoint{
		Kind:      w.cfg.Kind,
		Market:    market,
		Cursor:    cursor,
		UpdatedAt: w.clock.Now(),
	}
	if err := w.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		w.logger.WarnWithContext(ctx, "failed to save checkpoint", "cursor", cursor, "error", err)
	}
}

// recordGap logs a skipped window at WARN and stores it when gap storage
// is configured.
func (w *Walker[T]) recordGap(ctx context.Context, market models.Market, window models.TimeWindow, reason models.GapReason, attempts int, lastErr error, res *MarketResult[T]) {
	gap, err := models.NewGap(w.cfg.Kind, market, window, reason, attempts, lastErr)
	if err != nil {
		w.logger.ErrorWithContext(ctx, "failed to build gap", err, "window", window.String())
		return
	}
	res.Gaps = append(res.Gaps, *gap)

	w.logger.WarnWithContext(ctx, "skipping window, data gap recorded",
		"gap_id", gap.ID,
		"window", window.String(),
		"reason", reason,
		"attempts", attempts)

	if w.gaps == nil {
		return
	}
	if err := w.gaps.StoreGap(ctx, *gap); err != nil {
		w.logger.ErrorWithContext(ctx, "failed to store gap", err, "gap_id", gap.ID)
	}
}
