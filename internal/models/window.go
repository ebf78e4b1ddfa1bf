package models

import (
	"fmt"
	"time"
)

// OneDay is the default window size used when paging through the exchange's
// range-limited history endpoints.
const OneDay = 24 * time.Hour

// TimeWindow is a half-open interval [Start, End) of wall-clock time.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow returns the window beginning at start that spans size, clamped so
// it never extends past limit.
func NewWindow(start time.Time, size time.Duration, limit time.Time) TimeWindow {
	end := start.Add(size)
	if end.After(limit) {
		end = limit
	}
	return TimeWindow{Start: start, End: end}
}

// Validate ensures Start < End.
func (w TimeWindow) Validate() error {
	if !w.Start.Before(w.End) {
		return &ValidationError{
			Field:   "window",
			Message: fmt.Sprintf("start %s must be before end %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339)),
		}
	}
	return nil
}

// InclusiveEnd is the last second covered by the window. The exchange treats
// both range bounds as inclusive, so requests use this value to keep
// adjacent windows from overlapping.
func (w TimeWindow) InclusiveEnd() time.Time {
	end := w.End.Add(-time.Second)
	if end.Before(w.Start) {
		return w.Start
	}
	return end
}

// Duration returns End - Start.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls in [Start, End).
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// Windows partitions [start, end) into contiguous windows of at most size.
// The last window ends exactly at end. An empty slice is returned when
// start is not before end or size is not positive.
func Windows(start, end time.Time, size time.Duration) []TimeWindow {
	if size <= 0 || !start.Before(end) {
		return nil
	}
	windows := make([]TimeWindow, 0, int(end.Sub(start)/size)+1)
	for cur := start; cur.Before(end); {
		w := NewWindow(cur, size, end)
		windows = append(windows, w)
		cur = w.End
	}
	return windows
}
