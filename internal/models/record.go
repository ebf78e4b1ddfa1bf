package models

import (
	"sort"
	"time"
)

// Record is implemented by every normalized record. It exposes the provenance
// and time fields the sync engine and storage layers rely on.
type Record interface {
	// MarketKey returns the market the record was fetched for.
	MarketKey() Market
	// Timestamp returns the time used for chronological ordering.
	Timestamp() time.Time
	// Key returns the natural key used by stores to keep writes idempotent.
	Key() string
}

// SortByTime orders records chronologically, breaking ties by key so the
// result is deterministic.
func SortByTime[T Record](records []T) {
	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := records[i].Timestamp(), records[j].Timestamp()
		if ti.Equal(tj) {
			return records[i].Key() < records[j].Key()
		}
		return ti.Before(tj)
	})
}
