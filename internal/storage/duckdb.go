package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

// DuckDBStorage implements FullStorage on an embedded DuckDB database.
// Bulk inserts go through the DuckDB Appender into a staging table and are
// then merged with INSERT OR IGNORE, so re-inserting existing keys is a
// no-op.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger

	// serializes staging table use
	mu sync.Mutex
}

// NewDuckDBStorage opens a DuckDB database. dbPath may be "" or ":memory:"
// for an in-memory database.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single writer, as recommended for DuckDB
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "duckdb"),
	}, nil
}

// Initialize applies schema migrations.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	if _, err := d.db.ExecContext(ctx, "SET enable_progress_bar = false"); err != nil {
		d.logger.Warn("failed to set configuration", "error", err)
	}

	if err := NewMigrationManager(d.db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	return nil
}

// Close closes the database.
func (d *DuckDBStorage) Close() error {
	if err := d.db.Close(); err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}

// HealthCheck runs a trivial query.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewStorageError("health", "", "SELECT 1", err)
	}
	return nil
}

// DB exposes the underlying handle for migrations and tests.
func (d *DuckDBStorage) DB() *sql.DB {
	return d.db
}

// InsertTrades stores trades, ignoring keys that already exist.
func (d *DuckDBStorage) InsertTrades(ctx context.Context, trades []models.Trade) error {
	for i, t := range trades {
		if err := t.Validate(); err != nil {
			return NewInsertError("trades", fmt.Errorf("trade at index %d validation failed: %w", i, err))
		}
	}
	return d.bulkInsert(ctx, "trades", "market, trade_id", len(trades), func(a *duckdb.Appender, i int) error {
		t := trades[i]
		return a.AppendRow(string(t.Market), t.TradeID, t.GlobalTradeID, t.Date.UTC(), t.Type, t.Rate, t.Amount, t.Total)
	})
}

// InsertCandles validates and stores candles, ignoring keys that already
// exist.
func (d *DuckDBStorage) InsertCandles(ctx context.Context, candles []models.Candle) error {
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return NewInsertError("candles", fmt.Errorf("candle at index %d validation failed: %w", i, err))
		}
	}
	return d.bulkInsert(ctx, "candles", "market, period, date", len(candles), func(a *duckdb.Appender, i int) error {
		c := candles[i]
		return a.AppendRow(string(c.Market), int64(c.Period), c.Date.UTC(),
			c.High, c.Low, c.Open, c.Close, c.Volume, c.QuoteVolume, c.WeightedAverage)
	})
}

// InsertTickers stores ticker snapshots, ignoring keys that already exist.
func (d *DuckDBStorage) InsertTickers(ctx context.Context, tickers []models.Ticker) error {
	return d.bulkInsert(ctx, "tickers", "market, polled_at", len(tickers), func(a *duckdb.Appender, i int) error {
		t := tickers[i]
		return a.AppendRow(string(t.Market), t.PolledAt.UTC(),
			t.Last, t.LowestAsk, t.HighestBid, t.PercentChange, t.BaseVolume, t.QuoteVolume)
	})
}

// bulkInsert appends n rows to {table}_staging and merges them into table.
func (d *DuckDBStorage) bulkInsert(ctx context.Context, table, keyColumns string, n int, appendRow func(*duckdb.Appender, int) error) error {
	if n == 0 {
		return nil
	}
	start := time.Now()
	staging := table + "_staging"

	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return NewInsertError(table, fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DELETE FROM "+staging); err != nil {
		return NewInsertError(table, fmt.Errorf("failed to clear staging table: %w", err))
	}

	err = conn.Raw(func(dc any) error {
		driverConn, ok := dc.(*duckdb.Conn)
		if !ok {
			return errors.New("underlying connection is not a DuckDB connection")
		}
		appender, err := duckdb.NewAppenderFromConn(driverConn, "", staging)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}
		for i := 0; i < n; i++ {
			if err := appendRow(appender, i); err != nil {
				appender.Close()
				return fmt.Errorf("failed to append row %d: %w", i, err)
			}
		}
		// Close flushes the remaining rows
		return appender.Close()
	})
	if err != nil {
		return NewInsertError(table, err)
	}

	merge := fmt.Sprintf("INSERT OR IGNORE INTO %s SELECT DISTINCT ON (%s) * FROM %s", table, keyColumns, staging)
	result, err := conn.ExecContext(ctx, merge)
	if err != nil {
		return NewStorageError("insert", table, merge, err)
	}
	if _, err := conn.ExecContext(ctx, "DELETE FROM "+staging); err != nil {
		d.logger.Warn("failed to clear staging table", "table", staging, "error", err)
	}

	inserted, _ := result.RowsAffected()
	d.logger.Debug("stored batch",
		"table", table,
		"count", n,
		"inserted", inserted,
		"duration", time.Since(start))
	return nil
}

// buildFindQuery assembles a SELECT over table using filter. timeColumn is
// the column Start, End and ordering apply to.
func buildFindQuery(table, columns, timeColumn string, filter Filter, withPeriod bool) (string, []any) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Market != "" {
		conditions = append(conditions, "market = "+arg(string(filter.Market)))
	}
	if withPeriod && filter.Period != 0 {
		conditions = append(conditions, "period = "+arg(int64(filter.Period)))
	}
	if !filter.Start.IsZero() {
		conditions = append(conditions, timeColumn+" >= "+arg(filter.Start.UTC()))
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, timeColumn+" < "+arg(filter.End.UTC()))
	}

	query := "SELECT " + columns + " FROM " + table
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	direction := "ASC"
	if filter.Descending {
		direction = "DESC"
	}
	query += " ORDER BY " + timeColumn + " " + direction + ", market " + direction

	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	return query, args
}

const (
	tradeColumns  = "market, trade_id, global_trade_id, date, type, rate, amount, total"
	candleColumns = "market, period, date, high, low, open, close, volume, quote_volume, weighted_average"
	tickerColumns = "market, polled_at, last, lowest_ask, highest_bid, percent_change, base_volume, quote_volume"
)

// FindTrades returns trades matching filter.
func (d *DuckDBStorage) FindTrades(ctx context.Context, filter Filter) ([]models.Trade, error) {
	query, args := buildFindQuery("trades", tradeColumns, "date", filter, false)
	return queryRows(ctx, d.db, "trades", query, args, func(rows *sql.Rows) (models.Trade, error) {
		var t models.Trade
		var market string
		err := rows.Scan(&market, &t.TradeID, &t.GlobalTradeID, &t.Date, &t.Type, &t.Rate, &t.Amount, &t.Total)
		t.Market = models.Market(market)
		t.Date = t.Date.UTC()
		return t, err
	})
}

// FindCandles returns candles matching filter.
func (d *DuckDBStorage) FindCandles(ctx context.Context, filter Filter) ([]models.Candle, error) {
	query, args := buildFindQuery("candles", candleColumns, "date", filter, true)
	return queryRows(ctx, d.db, "candles", query, args, func(rows *sql.Rows) (models.Candle, error) {
		var c models.Candle
		var market string
		var period int64
		err := rows.Scan(&market, &period, &c.Date, &c.High, &c.Low, &c.Open, &c.Close, &c.Volume, &c.QuoteVolume, &c.WeightedAverage)
		c.Market = models.Market(market)
		c.Period = models.Period(period)
		c.Date = c.Date.UTC()
		return c, err
	})
}

// FindTickers returns ticker snapshots matching filter.
func (d *DuckDBStorage) FindTickers(ctx context.Context, filter Filter) ([]models.Ticker, error) {
	query, args := buildFindQuery("tickers", tickerColumns, "polled_at", filter, false)
	return queryRows(ctx, d.db, "tickers", query, args, func(rows *sql.Rows) (models.Ticker, error) {
		var t models.Ticker
		var market string
		err := rows.Scan(&market, &t.PolledAt, &t.Last, &t.LowestAsk, &t.HighestBid, &t.PercentChange, &t.BaseVolume, &t.QuoteVolume)
		t.Market = models.Market(market)
		t.PolledAt = t.PolledAt.UTC()
		return t, err
	})
}

func queryRows[T any](ctx context.Context, db *sql.DB, table, query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError(table, query, fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, NewQueryError(table, query, fmt.Errorf("failed to scan row: %w", err))
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(table, query, fmt.Errorf("row iteration error: %w", err))
	}
	return out, nil
}

// StoreGap persists a new gap.
func (d *DuckDBStorage) StoreGap(ctx context.Context, gap models.Gap) error {
	if err := gap.Validate(); err != nil {
		return NewInsertError("gaps", fmt.Errorf("gap validation failed: %w", err))
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO gaps (id, kind, market, start_time, end_time, reason, status, attempts, error_message, created_at, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		gap.ID, string(gap.Kind), string(gap.Market), gap.Start.UTC(), gap.End.UTC(),
		string(gap.Reason), string(gap.Status), gap.Attempts, gap.ErrorMessage, gap.CreatedAt.UTC(), gap.FilledAt)
	if err != nil {
		return NewInsertError("gaps", err)
	}
	return nil
}

// GetGaps returns gaps matching filter ordered by start time.
func (d *DuckDBStorage) GetGaps(ctx context.Context, filter GapFilter) ([]models.Gap, error) {
	query := `SELECT id, kind, market, start_time, end_time, reason, status, attempts, error_message, created_at, filled_at FROM gaps`
	var conditions []string
	var args []any
	add := func(column, value string) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Kind != "" {
		add("kind", string(filter.Kind))
	}
	if filter.Market != "" {
		add("market", string(filter.Market))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY start_time ASC, id ASC"

	return queryRows(ctx, d.db, "gaps", query, args, scanGap)
}

func scanGap(rows *sql.Rows) (models.Gap, error) {
	var g models.Gap
	var kind, market, reason, status string
	var filledAt sql.NullTime
	err := rows.Scan(&g.ID, &kind, &market, &g.Start, &g.End, &reason, &status, &g.Attempts, &g.ErrorMessage, &g.CreatedAt, &filledAt)
	g.Kind = models.Kind(kind)
	g.Market = models.Market(market)
	g.Reason = models.GapReason(reason)
	g.Status = models.GapStatus(status)
	g.Start, g.End, g.CreatedAt = g.Start.UTC(), g.End.UTC(), g.CreatedAt.UTC()
	if filledAt.Valid {
		at := filledAt.Time.UTC()
		g.FilledAt = &at
	}
	return g, err
}

// MarkGapFilled moves a detected gap to filled.
func (d *DuckDBStorage) MarkGapFilled(ctx context.Context, gapID string, filledAt time.Time) error {
	result, err := d.db.ExecContext(ctx,
		"UPDATE gaps SET status = $1, filled_at = $2 WHERE id = $3 AND status = $4",
		string(models.GapStatusFilled), filledAt.UTC(), gapID, string(models.GapStatusDetected))
	if err != nil {
		return NewUpdateError("gaps", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var status string
		err := d.db.QueryRowContext(ctx, "SELECT status FROM gaps WHERE id = $1", gapID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return NewUpdateError("gaps", fmt.Errorf("%w: %s", ErrGapNotFound, gapID))
		}
		if err != nil {
			return NewUpdateError("gaps", err)
		}
		return NewUpdateError("gaps", fmt.Errorf("cannot mark gap as filled with status %s", status))
	}
	return nil
}

// LoadCheckpoint returns the stored cursor for kind and market.
func (d *DuckDBStorage) LoadCheckpoint(ctx context.Context, kind models.Kind, market models.Market) (time.Time, bool, error) {
	var cursor time.Time
	err := d.db.QueryRowContext(ctx,
		"SELECT cursor_at FROM sync_checkpoints WHERE kind = $1 AND market = $2",
		string(kind), string(market)).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, NewQueryError("sync_checkpoints", "", err)
	}
	return cursor.UTC(), true, nil
}

// SaveCheckpoint upserts the cursor, never moving it backwards.
func (d *DuckDBStorage) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (kind, market, cursor_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, market) DO UPDATE SET
			cursor_at = greatest(sync_checkpoints.cursor_at, excluded.cursor_at),
			updated_at = excluded.updated_at`,
		string(cp.Kind), string(cp.Market), cp.Cursor.UTC(), cp.UpdatedAt.UTC())
	if err != nil {
		return NewStorageError("upsert", "sync_checkpoints", "", err)
	}
	return nil
}
