// Package gaps scans stored candles for missing period slots and keeps the
// gap records in step with what storage holds.
package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-poloniex-sync/internal/logger"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
	"github.com/johnayoung/go-poloniex-sync/internal/storage"
)

// Detector finds holes in stored candle series.
type Detector struct {
	candles storage.CandleStore
	gaps    storage.GapStorage
	logger  *logger.ComponentLogger
	now     func() time.Time
}

// NewDetector creates a detector over candles. Detected gaps are only
// returned until WithGapStorage is set.
func NewDetector(candles storage.CandleStore, log *slog.Logger) *Detector {
	return &Detector{
		candles: candles,
		logger:  logger.NewComponentLogger(log, "gap_detector"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithGapStorage persists every newly detected gap.
func (d *Detector) WithGapStorage(gaps storage.GapStorage) *Detector {
	d.gaps = gaps
	return d
}

// alignUp returns the first period boundary at or after t.
func alignUp(t time.Time, period time.Duration) time.Time {
	aligned := t.UTC().Truncate(period)
	if aligned.Before(t) {
		aligned = aligned.Add(period)
	}
	return aligned
}

// DetectCandleGaps reports every run of consecutive missing period slots in
// [start, end) as one gap with reason missing. A gap's end is the first slot
// that is present again, or end.
func (d *Detector) DetectCandleGaps(ctx context.Context, market models.Market, period models.Period, start, end time.Time) ([]models.Gap, error) {
	if err := market.Validate(); err != nil {
		return nil, err
	}
	if !period.IsValid() {
		return nil, fmt.Errorf("invalid candle period %d", period)
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("start %s is not before end %s", start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}

	d.logger.InfoWithContext(ctx, "starting gap detection",
		"market", market,
		"period", period,
		"start", start.UTC(),
		"end", end.UTC())

	stored, err := d.candles.FindCandles(ctx, storage.Filter{
		Market: market,
		Period: period,
		Start:  start,
		End:    end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}

	present := make(map[int64]struct{}, len(stored))
	for _, c := range stored {
		present[c.Date.Unix()] = struct{}{}
	}

	step := period.Duration()
	var windows []models.TimeWindow
	var open *models.TimeWindow
	for slot := alignUp(start, step); slot.Before(end); slot = slot.Add(step) {
		if _, ok := present[slot.Unix()]; ok {
			if open != nil {
				open.End = slot
				windows = append(windows, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &models.TimeWindow{Start: slot}
		}
	}
	if open != nil {
		open.End = end.UTC()
		windows = append(windows, *open)
	}

	gaps := make([]models.Gap, 0, len(windows))
	for _, w := range windows {
		gap, err := models.NewGap(models.KindCandles, market, w, models.GapReasonMissing, 0, nil)
		if err != nil {
			d.logger.Warn("failed to create gap", "window", w.String(), "error", err)
			continue
		}
		gaps = append(gaps, *gap)
	}

	if d.gaps != nil {
		gaps, err = d.store(ctx, market, gaps)
		if err != nil {
			return nil, err
		}
	}

	d.logger.InfoWithContext(ctx, "gap detection completed",
		"market", market,
		"period", period,
		"candles", len(stored),
		"gaps_found", len(gaps))
	return gaps, nil
}

// store saves gaps that are not already recorded as detected for the same
// window. It returns the gaps that now describe the scan, reusing the IDs of
// existing records.
func (d *Detector) store(ctx context.Context, market models.Market, gaps []models.Gap) ([]models.Gap, error) {
	existing, err := d.gaps.GetGaps(ctx, storage.GapFilter{
		Kind:   models.KindCandles,
		Market: market,
		Status: models.GapStatusDetected,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load gaps: %w", err)
	}
	known := make(map[string]models.Gap, len(existing))
	for _, g := range existing {
		if g.Reason == models.GapReasonMissing {
			known[g.Window().String()] = g
		}
	}

	out := make([]models.Gap, 0, len(gaps))
	for _, gap := range gaps {
		if prev, ok := known[gap.Window().String()]; ok {
			out = append(out, prev)
			continue
		}
		if err := d.gaps.StoreGap(ctx, gap); err != nil {
			return nil, fmt.Errorf("failed to store gap %s: %w", gap.ID, err)
		}
		d.logger.WarnWithContext(ctx, "candle gap detected",
			"gap_id", gap.ID,
			"market", market,
			"window", gap.Window().String())
		out = append(out, gap)
	}
	return out, nil
}

// DetectGapsInSequence reports the holes between consecutive candles of one
// series without touching storage.
func DetectGapsInSequence(market models.Market, period models.Period, candles []models.Candle) []models.Gap {
	if len(candles) < 2 {
		return nil
	}
	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	step := period.Duration()
	var gaps []models.Gap
	for i := 0; i < len(sorted)-1; i++ {
		expected := sorted[i].Date.Add(step)
		if !sorted[i+1].Date.After(expected) {
			continue
		}
		gap, err := models.NewGap(models.KindCandles, market,
			models.TimeWindow{Start: expected, End: sorted[i+1].Date},
			models.GapReasonMissing, 0, nil)
		if err != nil {
			continue
		}
		gaps = append(gaps, *gap)
	}
	return gaps
}

// ReconcileFilled marks every detected candle gap of market filled once
// storage holds a candle for each of its slots. It returns how many gaps were
// marked.
func (d *Detector) ReconcileFilled(ctx context.Context, market models.Market, period models.Period) (int, error) {
	if d.gaps == nil {
		return 0, nil
	}
	open, err := d.gaps.GetGaps(ctx, storage.GapFilter{
		Kind:   models.KindCandles,
		Market: market,
		Status: models.GapStatusDetected,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load gaps: %w", err)
	}

	step := period.Duration()
	filled := 0
	for _, gap := range open {
		first := alignUp(gap.Start, step)
		expected := 0
		for slot := first; slot.Before(gap.End); slot = slot.Add(step) {
			expected++
		}

		stored, err := d.candles.FindCandles(ctx, storage.Filter{
			Market: market,
			Period: period,
			Start:  gap.Start,
			End:    gap.End,
		})
		if err != nil {
			return filled, fmt.Errorf("failed to query candles: %w", err)
		}
		if len(stored) < expected {
			continue
		}

		if err := d.gaps.MarkGapFilled(ctx, gap.ID, d.now()); err != nil {
			return filled, fmt.Errorf("failed to mark gap %s filled: %w", gap.ID, err)
		}
		d.logger.InfoWithContext(ctx, "gap filled",
			"gap_id", gap.ID,
			"market", market,
			"window", gap.Window().String())
		filled++
	}
	return filled, nil
}
