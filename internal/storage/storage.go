// Package storage defines the persistence interfaces of the sync engine and
// provides DuckDB, PostgreSQL, in-memory and Redis backed implementations.
//
// Every write is idempotent: records are keyed by their natural key and
// re-inserting a record that already exists is not an error. This makes a
// second sync over the same range safe.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

// Sink receives batches of normalized records.
type Sink[T models.Record] interface {
	// InsertMany persists records. An empty slice is a no-op. Records whose
	// natural key already exists are ignored.
	InsertMany(ctx context.Context, records []T) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc[T models.Record] func(ctx context.Context, records []T) error

// InsertMany calls f.
func (f SinkFunc[T]) InsertMany(ctx context.Context, records []T) error {
	return f(ctx, records)
}

// Filter selects records for the Find methods. Zero fields do not filter.
// Start is inclusive, End exclusive.
type Filter struct {
	Market     models.Market
	Period     models.Period // candles only
	Start      time.Time
	End        time.Time
	Limit      int
	Descending bool
}

// TradeStore persists and reads public trades.
type TradeStore interface {
	InsertTrades(ctx context.Context, trades []models.Trade) error
	FindTrades(ctx context.Context, filter Filter) ([]models.Trade, error)
}

// CandleStore persists and reads candles.
type CandleStore interface {
	InsertCandles(ctx context.Context, candles []models.Candle) error
	FindCandles(ctx context.Context, filter Filter) ([]models.Candle, error)
}

// TickerStore persists and reads ticker snapshots.
type TickerStore interface {
	InsertTickers(ctx context.Context, tickers []models.Ticker) error
	FindTickers(ctx context.Context, filter Filter) ([]models.Ticker, error)
}

// GapFilter selects gaps. Zero fields do not filter.
type GapFilter struct {
	Kind   models.Kind
	Market models.Market
	Status models.GapStatus
}

// GapStorage records windows the sync engine had to skip and periods a
// completeness scan found missing.
type GapStorage interface {
	// StoreGap persists a new gap.
	StoreGap(ctx context.Context, gap models.Gap) error
	// GetGaps returns matching gaps ordered by start time.
	GetGaps(ctx context.Context, filter GapFilter) ([]models.Gap, error)
	// MarkGapFilled moves a detected gap to filled.
	MarkGapFilled(ctx context.Context, gapID string, filledAt time.Time) error
}

// CheckpointStore persists the sync cursor per kind and market.
type CheckpointStore interface {
	// LoadCheckpoint returns the cursor and true, or false when none exists.
	LoadCheckpoint(ctx context.Context, kind models.Kind, market models.Market) (time.Time, bool, error)
	// SaveCheckpoint stores the cursor. Cursors never move backwards.
	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error
}

// StorageManager handles backend lifecycle.
type StorageManager interface {
	// Initialize creates the schema. Safe to call more than once.
	Initialize(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error
}

// FullStorage is implemented by every relational backend.
type FullStorage interface {
	TradeStore
	CandleStore
	TickerStore
	GapStorage
	CheckpointStore
	StorageManager
}

// Trades returns s as a trade sink.
func Trades(s TradeStore) Sink[models.Trade] {
	return SinkFunc[models.Trade](s.InsertTrades)
}

// Candles returns s as a candle sink.
func Candles(s CandleStore) Sink[models.Candle] {
	return SinkFunc[models.Candle](s.InsertCandles)
}

// Tickers returns s as a ticker sink.
func Tickers(s TickerStore) Sink[models.Ticker] {
	return SinkFunc[models.Ticker](s.InsertTickers)
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL query or operation details (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return NewStorageError("query", table, query, err)
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return NewStorageError("insert", table, "", err)
}

// NewUpdateError creates a StorageError for update operations.
func NewUpdateError(table string, err error) *StorageError {
	return NewStorageError("update", table, "", err)
}

// ErrGapNotFound is returned by MarkGapFilled for unknown IDs.
var ErrGapNotFound = errors.New("gap not found")

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage is closed")

var (
	_ FullStorage = (*MemoryStorage)(nil)
	_ FullStorage = (*DuckDBStorage)(nil)
	_ FullStorage = (*PostgresStorage)(nil)

	_ CheckpointStore = (*RedisCheckpoints)(nil)
)
