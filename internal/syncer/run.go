package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-poloniex-sync/internal/logger"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

var (
	// ErrInvalidRange is returned when the requested range is empty or
	// missing.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrNoMarkets is returned when no markets were given and none could be
	// discovered.
	ErrNoMarkets = errors.New("no markets to synchronize")

	// ErrAborted is returned when the user declines a full-history sync.
	ErrAborted = errors.New("sync aborted by user")
)

// Confirmer asks the user to approve an action.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// Request describes one sync run.
type Request struct {
	// Markets to walk, in order. Empty means every market, after
	// confirmation.
	Markets []models.Market

	Start time.Time

	// End is exclusive. Ignored when Live is set.
	End time.Time

	// Live keeps every market trailing the present until ctx is done.
	Live bool
}

// Result summarizes a run.
type Result[T models.Record] struct {
	RunID    string            `json:"run_id"`
	Kind     models.Kind       `json:"kind"`
	Markets  []MarketResult[T] `json:"markets"`
	Duration time.Duration     `json:"duration"`
}

// Records returns every accumulated record, market by market.
func (r *Result[T]) Records() []T {
	var out []T
	for _, m := range r.Markets {
		out = append(out, m.Records...)
	}
	return out
}

// Gaps returns every gap recorded during the run.
func (r *Result[T]) Gaps() []models.Gap {
	var out []models.Gap
	for _, m := range r.Markets {
		out = append(out, m.Gaps...)
	}
	return out
}

// Fetched returns the total number of records fetched.
func (r *Result[T]) Fetched() int {
	total := 0
	for _, m := range r.Markets {
		total += m.Fetched
	}
	return total
}

// Run validates req, resolves the market set and walks every market.
// Per-market problems never fail the run; they show up as failures and gaps
// in the result. A cancelled context stops the run and is reported on the
// affected markets, not as an error.
func (w *Walker[T]) Run(ctx context.Context, req Request) (*Result[T], error) {
	if req.Start.IsZero() {
		return nil, fmt.Errorf("%w: start is required", ErrInvalidRange)
	}
	if !req.Live && !req.Start.Before(req.End) {
		return nil, fmt.Errorf("%w: start %s is not before end %s",
			ErrInvalidRange, req.Start.UTC().Format(time.RFC3339), req.End.UTC().Format(time.RFC3339))
	}

	markets, err := w.resolveMarkets(ctx, req.Markets)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	started := time.Now()
	result := &Result[T]{
		RunID:   runID,
		Kind:    w.cfg.Kind,
		Markets: make([]MarketResult[T], len(markets)),
	}

	w.logger.InfoWithContext(ctx, "sync run starting",
		"markets", len(markets),
		"start", req.Start.UTC(),
		"end", req.End.UTC(),
		"live", req.Live,
		"workers", w.cfg.Workers)

	walk := func(ctx context.Context, i int) {
		market := markets[i]
		if req.Live {
			result.Markets[i], _ = w.Tail(ctx, market, req.Start)
			return
		}
		result.Markets[i] = w.Walk(ctx, market, req.Start, req.End)
	}

	workers := w.cfg.Workers
	if req.Live {
		// every tail runs until ctx is done
		workers = len(markets)
	}

	if workers <= 1 {
		for i := range markets {
			if ctx.Err() != nil {
				result.Markets[i] = MarketResult[T]{Market: markets[i], Cursor: req.Start, Err: ctx.Err()}
				continue
			}
			walk(ctx, i)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i := range markets {
			g.Go(func() error {
				walk(gctx, i)
				return nil
			})
		}
		_ = g.Wait()
	}

	result.Duration = time.Since(started)
	w.logger.InfoWithContext(ctx, "sync run finished",
		"markets", len(markets),
		"records", result.Fetched(),
		"gaps", len(result.Gaps()),
		"duration", result.Duration)
	return result, nil
}

// resolveMarkets validates an explicit market set or, when empty, lists
// every market after the confirmer approves.
func (w *Walker[T]) resolveMarkets(ctx context.Context, requested []models.Market) ([]models.Market, error) {
	if len(requested) > 0 {
		for _, m := range requested {
			if err := m.Validate(); err != nil {
				return nil, err
			}
		}
		return requested, nil
	}

	if w.lister == nil {
		return nil, ErrNoMarkets
	}
	if w.confirmer == nil {
		return nil, fmt.Errorf("%w: no confirmation available for a full-history sync", ErrAborted)
	}

	prompt := fmt.Sprintf("No markets given. Synchronize %s for every market?", w.cfg.Kind)
	ok, err := w.confirmer.Confirm(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm: %w", err)
	}
	if !ok {
		return nil, ErrAborted
	}

	markets, err := w.lister.ListAllMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	if len(markets) == 0 {
		return nil, ErrNoMarkets
	}
	return markets, nil
}
