package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

// MemoryStorage keeps every record in process memory. It implements
// FullStorage and is used for accumulate runs and tests.
type MemoryStorage struct {
	mu sync.RWMutex

	trades  *recordTable[models.Trade]
	candles *recordTable[models.Candle]
	tickers *recordTable[models.Ticker]

	gaps        map[string]models.Gap
	checkpoints map[string]models.Checkpoint

	initialized bool
	closed      bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		trades:      newRecordTable[models.Trade](),
		candles:     newRecordTable[models.Candle](),
		tickers:     newRecordTable[models.Ticker](),
		gaps:        make(map[string]models.Gap),
		checkpoints: make(map[string]models.Checkpoint),
	}
}

// recordTable is a set of records keyed by natural key.
type recordTable[T models.Record] struct {
	rows map[string]T
}

func newRecordTable[T models.Record]() *recordTable[T] {
	return &recordTable[T]{rows: make(map[string]T)}
}

// insert adds records whose key is new and returns how many were added.
func (t *recordTable[T]) insert(records []T) int {
	added := 0
	for _, r := range records {
		key := r.Key()
		if _, exists := t.rows[key]; exists {
			continue
		}
		t.rows[key] = r
		added++
	}
	return added
}

func (t *recordTable[T]) find(filter Filter, match func(T) bool) []T {
	out := make([]T, 0)
	for _, r := range t.rows {
		if filter.Market != "" && r.MarketKey() != filter.Market {
			continue
		}
		ts := r.Timestamp()
		if !filter.Start.IsZero() && ts.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && !ts.Before(filter.End) {
			continue
		}
		if match != nil && !match(r) {
			continue
		}
		out = append(out, r)
	}

	models.SortByTime(out)
	if filter.Descending {
		slices.Reverse(out)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (m *MemoryStorage) checkOpen(ctx context.Context, operation, table string) error {
	if ctx.Err() != nil {
		return NewStorageError(operation, table, "", ctx.Err())
	}
	if m.closed {
		return NewStorageError(operation, table, "", ErrClosed)
	}
	return nil
}

// InsertTrades stores trades, ignoring ones already present.
func (m *MemoryStorage) InsertTrades(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx, "insert", "trades"); err != nil {
		return err
	}
	for i, t := range trades {
		if err := t.Validate(); err != nil {
			return NewInsertError("trades", fmt.Errorf("trade at index %d validation failed: %w", i, err))
		}
	}
	m.trades.insert(trades)
	return nil
}

// FindTrades returns trades matching filter in chronological order.
func (m *MemoryStorage) FindTrades(ctx context.Context, filter Filter) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(ctx, "query", "trades"); err != nil {
		return nil, err
	}
	return m.trades.find(filter, nil), nil
}

// InsertCandles validates and stores candles, ignoring ones already present.
func (m *MemoryStorage) InsertCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx, "insert", "candles"); err != nil {
		return err
	}
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return NewInsertError("candles", fmt.Errorf("candle at index %d validation failed: %w", i, err))
		}
	}
	m.candles.insert(candles)
	return nil
}

// FindCandles returns candles matching filter in chronological order.
func (m *MemoryStorage) FindCandles(ctx context.Context, filter Filter) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(ctx, "query", "candles"); err != nil {
		return nil, err
	}
	var match func(models.Candle) bool
	if filter.Period != 0 {
		match = func(c models.Candle) bool { return c.Period == filter.Period }
	}
	return m.candles.find(filter, match), nil
}

// InsertTickers stores ticker snapshots, ignoring ones already present.
func (m *MemoryStorage) InsertTickers(ctx context.Context, tickers []models.Ticker) error {
	if len(tickers) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx, "insert", "tickers"); err != nil {
		return err
	}
	m.tickers.insert(tickers)
	return nil
}

// FindTickers returns snapshots matching filter in chronological order.
func (m *MemoryStorage) FindTickers(ctx context.Context, filter Filter) ([]models.Ticker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(ctx, "query", "tickers"); err != nil {
		return nil, err
	}
	return m.tickers.find(filter, nil), nil
}

// StoreGap persists a new gap.
func (m *MemoryStorage) StoreGap(ctx context.Context, gap models.Gap) error {
	if err := gap.Validate(); err != nil {
		return NewInsertError("gaps", fmt.Errorf("gap validation failed: %w", err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx, "insert", "gaps"); err != nil {
		return err
	}
	if _, exists := m.gaps[gap.ID]; exists {
		return NewInsertError("gaps", fmt.Errorf("gap %s already exists", gap.ID))
	}
	m.gaps[gap.ID] = gap
	return nil
}

// GetGaps returns gaps matching filter ordered by start time.
func (m *MemoryStorage) GetGaps(ctx context.Context, filter GapFilter) ([]models.Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(ctx, "query", "gaps"); err != nil {
		return nil, err
	}

	gaps := make([]models.Gap, 0)
	for _, g := range m.gaps {
		if filter.Kind != "" && g.Kind != filter.Kind {
			continue
		}
		if filter.Market != "" && g.Market != filter.Market {
			continue
		}
		if filter.Status != "" && g.Status != filter.Status {
			continue
		}
		gaps = append(gaps, g)
	}
	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].Start.Equal(gaps[j].Start) {
			return gaps[i].ID < gaps[j].ID
		}
		return gaps[i].Start.Before(gaps[j].Start)
	})
	return gaps, nil
}

// MarkGapFilled moves a detected gap to filled.
func (m *MemoryStorage) MarkGapFilled(ctx context.Context, gapID string, filledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx, "update", "gaps"); err != nil {
		return err
	}
	gap, exists := m.gaps[gapID]
	if !exists {
		return NewUpdateError("gaps", fmt.Errorf("%w: %s", ErrGapNotFound, gapID))
	}
	if err := gap.MarkFilled(filledAt); err != nil {
		return NewUpdateError("gaps", err)
	}
	m.gaps[gapID] = gap
	return nil
}

func checkpointKey(kind models.Kind, market models.Market) string {
	return string(kind) + ":" + string(market)
}

// LoadCheckpoint returns the stored cursor for kind and market.
func (m *MemoryStorage) LoadCheckpoint(ctx context.Context, kind models.Kind, market models.Market) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(ctx, "query", "sync_checkpoints"); err != nil {
		return time.Time{}, false, err
	}
	cp, ok := m.checkpoints[checkpointKey(kind, market)]
	return cp.Cursor, ok, nil
}

// SaveCheckpoint stores the cursor unless an equal or later one exists.
func (m *MemoryStorage) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx, "upsert", "sync_checkpoints"); err != nil {
		return err
	}
	key := checkpointKey(cp.Kind, cp.Market)
	if existing, ok := m.checkpoints[key]; ok && !cp.Cursor.After(existing.Cursor) {
		return nil
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.checkpoints[key] = cp
	return nil
}

// Initialize marks the store ready.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx, "initialize", ""); err != nil {
		return err
	}
	m.initialized = true
	return nil
}

// Close releases the store. Further calls fail with ErrClosed.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck reports whether the store is open and initialized.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(ctx, "health", ""); err != nil {
		return err
	}
	if !m.initialized {
		return errors.New("storage is not initialized")
	}
	return nil
}
