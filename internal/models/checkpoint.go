package models

import "time"

// Checkpoint is the persisted sync cursor for one kind and market. Cursor is
// the end of the last window whose records were durably stored, so a
// restarted sync can resume from it instead of the caller's start date.
type Checkpoint struct {
	Kind      Kind      `json:"kind" db:"kind"`
	Market    Market    `json:"market" db:"market"`
	Cursor    time.Time `json:"cursor" db:"cursor"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
