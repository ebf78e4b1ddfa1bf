package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GapStatus represents the possible states of a data gap.
type GapStatus string

const (
	// GapStatusDetected indicates a gap has been recorded but not resolved
	GapStatusDetected GapStatus = "detected"
	// GapStatusFilled indicates a later run covered the gap
	GapStatusFilled GapStatus = "filled"
	// GapStatusPermanent indicates the exchange has no data for the period
	GapStatusPermanent GapStatus = "permanent"
)

// GapReason explains why a gap was recorded.
type GapReason string

const (
	// GapReasonFailed means every attempt on the window failed.
	GapReasonFailed GapReason = "failed"
	// GapReasonEmpty means every attempt on the window returned no records.
	GapReasonEmpty GapReason = "empty"
	// GapReasonMissing means a completeness scan found missing candle slots.
	GapReasonMissing GapReason = "missing"
	// GapReasonTruncated means the exchange capped a window that could not
	// be split further, so some records in it may be missing.
	GapReasonTruncated GapReason = "truncated"
)

// Gap is a period the sync engine skipped or a scan found incomplete.
// Gaps are never thrown as errors; they are logged and stored so that
// callers can inspect data completeness after a run.
type Gap struct {
	// ID is the unique gap identifier
	ID string `json:"id" db:"id"`

	Kind   Kind   `json:"kind" db:"kind"`
	Market Market `json:"market" db:"market"`

	// Start and End bound the skipped window, half-open
	Start time.Time `json:"start" db:"start_time"`
	End   time.Time `json:"end" db:"end_time"`

	Reason GapReason `json:"reason" db:"reason"`
	Status GapStatus `json:"status" db:"status"`

	// Attempts is how many fetches were made before the window was skipped
	Attempts int `json:"attempts" db:"attempts"`

	// ErrorMessage holds the last fetch error, if any
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	FilledAt  *time.Time `json:"filled_at,omitempty" db:"filled_at"`
}

// NewGap creates a detected gap for the given window with a fresh ID.
// Returns an error if the gap parameters are invalid.
func NewGap(kind Kind, market Market, window TimeWindow, reason GapReason, attempts int, lastErr error) (*Gap, error) {
	gap := &Gap{
		ID:        uuid.NewString(),
		Kind:      kind,
		Market:    market,
		Start:     window.Start,
		End:       window.End,
		Reason:    reason,
		Status:    GapStatusDetected,
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
	if lastErr != nil {
		gap.ErrorMessage = lastErr.Error()
	}

	if err := gap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gap: %w", err)
	}
	return gap, nil
}

// Validate checks required fields and status consistency.
func (g *Gap) Validate() error {
	if g.ID == "" {
		return errors.New("gap ID cannot be empty")
	}
	if g.Market == "" {
		return errors.New("gap market cannot be empty")
	}
	switch g.Kind {
	case KindTrades, KindCandles, KindTickers:
	default:
		return fmt.Errorf("invalid gap kind: %q", g.Kind)
	}
	if g.Start.IsZero() || g.End.IsZero() {
		return errors.New("gap bounds cannot be zero")
	}
	if !g.End.After(g.Start) {
		return errors.New("gap end time must be after start time")
	}

	switch g.Status {
	case GapStatusDetected, GapStatusFilled, GapStatusPermanent:
	default:
		return fmt.Errorf("invalid gap status: %s", g.Status)
	}

	if g.Status == GapStatusFilled && g.FilledAt == nil {
		return errors.New("filled gaps must have a filled_at timestamp")
	}
	if g.Status != GapStatusFilled && g.FilledAt != nil {
		return errors.New("only filled gaps can have a filled_at timestamp")
	}
	return nil
}

// MarkFilled transitions a detected gap to filled.
func (g *Gap) MarkFilled(at time.Time) error {
	if g.Status != GapStatusDetected {
		return fmt.Errorf("cannot mark gap as filled with status %s, must be %s", g.Status, GapStatusDetected)
	}
	at = at.UTC()
	g.Status = GapStatusFilled
	g.FilledAt = &at
	return nil
}

// MarkPermanent records that the gap cannot be filled.
func (g *Gap) MarkPermanent(reason string) error {
	if g.Status != GapStatusDetected {
		return fmt.Errorf("cannot mark gap as permanent with status %s, must be %s", g.Status, GapStatusDetected)
	}
	g.Status = GapStatusPermanent
	g.ErrorMessage = reason
	return nil
}

// Window returns the gap bounds as a TimeWindow.
func (g *Gap) Window() TimeWindow {
	return TimeWindow{Start: g.Start, End: g.End}
}

// Duration returns the length of the gap.
func (g *Gap) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

// IsActive reports whether the gap still needs attention.
func (g *Gap) IsActive() bool {
	return g.Status == GapStatusDetected
}
