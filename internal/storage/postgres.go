package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

// PostgresStorage implements FullStorage on PostgreSQL through a pgx pool.
// Inserts are sent as one pgx.Batch per call with ON CONFLICT DO NOTHING.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStorage connects to dsn and verifies the connection.
func NewPostgresStorage(ctx context.Context, dsn string, maxConns int, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("parse connection string: %w", err))
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("create pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewStorageError("open", "", "", fmt.Errorf("ping database: %w", err))
	}

	return &PostgresStorage{pool: pool, logger: logger.With("component", "postgres")}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		market TEXT NOT NULL,
		trade_id BIGINT NOT NULL,
		global_trade_id BIGINT NOT NULL,
		date TIMESTAMPTZ NOT NULL,
		type TEXT NOT NULL,
		rate DOUBLE PRECISION NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		total DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (market, trade_id)
	)`,
	`CREATE TABLE IF NOT EXISTS candles (
		market TEXT NOT NULL,
		period BIGINT NOT NULL,
		date TIMESTAMPTZ NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL,
		quote_volume DOUBLE PRECISION NOT NULL,
		weighted_average DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (market, period, date)
	)`,
	`CREATE TABLE IF NOT EXISTS tickers (
		market TEXT NOT NULL,
		polled_at TIMESTAMPTZ NOT NULL,
		last DOUBLE PRECISION NOT NULL,
		lowest_ask DOUBLE PRECISION NOT NULL,
		highest_bid DOUBLE PRECISION NOT NULL,
		percent_change DOUBLE PRECISION NOT NULL,
		base_volume DOUBLE PRECISION NOT NULL,
		quote_volume DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (market, polled_at)
	)`,
	`CREATE TABLE IF NOT EXISTS gaps (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		market TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		filled_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS sync_checkpoints (
		kind TEXT NOT NULL,
		market TEXT NOT NULL,
		cursor_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (kind, market)
	)`,
}

// Initialize creates the schema.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return NewStorageError("initialize", "", stmt, err)
		}
	}
	p.logger.Info("postgres storage initialized")
	return nil
}

// Close closes the pool.
func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

// HealthCheck pings the database.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return NewStorageError("health", "", "", err)
	}
	return nil
}

// sendBatch executes batch and logs how many rows conflicted.
func (p *PostgresStorage) sendBatch(ctx context.Context, table string, batch *pgx.Batch) error {
	start := time.Now()
	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	conflicts := 0
	for i := 0; i < batch.Len(); i++ {
		ct, err := results.Exec()
		if err != nil {
			return NewInsertError(table, err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	p.logger.Debug("stored batch",
		"table", table,
		"count", batch.Len(),
		"conflicts", conflicts,
		"duration", time.Since(start))
	return nil
}

// InsertTrades stores trades, ignoring keys that already exist.
func (p *PostgresStorage) InsertTrades(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, t := range trades {
		if err := t.Validate(); err != nil {
			return NewInsertError("trades", fmt.Errorf("trade at index %d validation failed: %w", i, err))
		}
		batch.Queue(`
			INSERT INTO trades (market, trade_id, global_trade_id, date, type, rate, amount, total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (market, trade_id) DO NOTHING`,
			string(t.Market), t.TradeID, t.GlobalTradeID, t.Date.UTC(), t.Type, t.Rate, t.Amount, t.Total)
	}
	return p.sendBatch(ctx, "trades", batch)
}

// InsertCandles validates and stores candles, ignoring keys that already
// exist.
func (p *PostgresStorage) InsertCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return NewInsertError("candles", fmt.Errorf("candle at index %d validation failed: %w", i, err))
		}
		batch.Queue(`
			INSERT INTO candles (market, period, date, high, low, open, close, volume, quote_volume, weighted_average)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (market, period, date) DO NOTHING`,
			string(c.Market), int64(c.Period), c.Date.UTC(), c.High, c.Low, c.Open, c.Close, c.Volume, c.QuoteVolume, c.WeightedAverage)
	}
	return p.sendBatch(ctx, "candles", batch)
}

// InsertTickers stores ticker snapshots, ignoring keys that already exist.
func (p *PostgresStorage) InsertTickers(ctx context.Context, tickers []models.Ticker) error {
	if len(tickers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range tickers {
		batch.Queue(`
			INSERT INTO tickers (market, polled_at, last, lowest_ask, highest_bid, percent_change, base_volume, quote_volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (market, polled_at) DO NOTHING`,
			string(t.Market), t.PolledAt.UTC(), t.Last, t.LowestAsk, t.HighestBid, t.PercentChange, t.BaseVolume, t.QuoteVolume)
	}
	return p.sendBatch(ctx, "tickers", batch)
}

func pgQuery[T any](ctx context.Context, pool *pgxpool.Pool, table, query string, args []any, scan func(pgx.Rows) (T, error)) ([]T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError(table, query, err)
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
		return nil, NewQueryError(table, query, err)
	}
	return out, nil
}

// FindTrades returns trades matching filter.
func (p *PostgresStorage) FindTrades(ctx context.Context, filter Filter) ([]models.Trade, error) {
	query, args := buildFindQuery("trades", tradeColumns, "date", filter, false)
	return pgQuery(ctx, p.pool, "trades", query, args, func(rows pgx.Rows) (models.Trade, error) {
		var t models.Trade
		var market string
		err := rows.Scan(&market, &t.TradeID, &t.GlobalTradeID, &t.Date, &t.Type, &t.Rate, &t.Amount, &t.Total)
		t.Market, t.Date = models.Market(market), t.Date.UTC()
		return t, err
	})
}

// FindCandles returns candles matching filter.
func (p *PostgresStorage) FindCandles(ctx context.Context, filter Filter) ([]models.Candle, error) {
	query, args := buildFindQuery("candles", candleColumns, "date", filter, true)
	return pgQuery(ctx, p.pool, "candles", query, args, func(rows pgx.Rows) (models.Candle, error) {
		var c models.Candle
		var market string
		var period int64
		err := rows.Scan(&market, &period, &c.Date, &c.High, &c.Low, &c.Open, &c.Close, &c.Volume, &c.QuoteVolume, &c.WeightedAverage)
		c.Market, c.Period, c.Date = models.Market(market), models.Period(period), c.Date.UTC()
		return c, err
	})
}

// FindTickers returns ticker snapshots matching filter.
func (p *PostgresStorage) FindTickers(ctx context.Context, filter Filter) ([]models.Ticker, error) {
	query, args := buildFindQuery("tickers", tickerColumns, "polled_at", filter, false)
	return pgQuery(ctx, p.pool, "tickers", query, args, func(rows pgx.Rows) (models.Ticker, error) {
		var t models.Ticker
		var market string
		err := rows.Scan(&market, &t.PolledAt, &t.Last, &t.LowestAsk, &t.HighestBid, &t.PercentChange, &t.BaseVolume, &t.QuoteVolume)
		t.Market, t.PolledAt = models.Market(market), t.PolledAt.UTC()
		return t, err
	})
}

// StoreGap persists a new gap.
func (p *PostgresStorage) StoreGap(ctx context.Context, gap models.Gap) error {
	if err := gap.Validate(); err != nil {
		return NewInsertError("gaps", fmt.Errorf("gap validation failed: %w", err))
	}
	_, err := p.pool.Exec(ctx, `
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
func (p *PostgresStorage) GetGaps(ctx context.Context, filter GapFilter) ([]models.Gap, error) {
	query := `SELECT id, kind, market, start_time, end_time, reason, status, attempts, error_message, created_at, filled_at
		FROM gaps
		WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR market = $2) AND ($3 = '' OR status = $3)
		ORDER BY start_time ASC, id ASC`
	args := []any{string(filter.Kind), string(filter.Market), string(filter.Status)}

	return pgQuery(ctx, p.pool, "gaps", query, args, func(rows pgx.Rows) (models.Gap, error) {
		var g models.Gap
		var kind, market, reason, status string
		err := rows.Scan(&g.ID, &kind, &market, &g.Start, &g.End, &reason, &status, &g.Attempts, &g.ErrorMessage, &g.CreatedAt, &g.FilledAt)
		g.Kind, g.Market = models.Kind(kind), models.Market(market)
		g.Reason, g.Status = models.GapReason(reason), models.GapStatus(status)
		g.Start, g.End, g.CreatedAt = g.Start.UTC(), g.End.UTC(), g.CreatedAt.UTC()
		return g, err
	})
}

// MarkGapFilled moves a detected gap to filled.
func (p *PostgresStorage) MarkGapFilled(ctx context.Context, gapID string, filledAt time.Time) error {
	ct, err := p.pool.Exec(ctx,
		"UPDATE gaps SET status = $1, filled_at = $2 WHERE id = $3 AND status = $4",
		string(models.GapStatusFilled), filledAt.UTC(), gapID, string(models.GapStatusDetected))
	if err != nil {
		return NewUpdateError("gaps", err)
	}
	if ct.RowsAffected() == 0 {
		return NewUpdateError("gaps", fmt.Errorf("%w or not detected: %s", ErrGapNotFound, gapID))
	}
	return nil
}

// LoadCheckpoint returns the stored cursor for kind and market.
func (p *PostgresStorage) LoadCheckpoint(ctx context.Context, kind models.Kind, market models.Market) (time.Time, bool, error) {
	var cursor time.Time
	err := p.pool.QueryRow(ctx,
		"SELECT cursor_at FROM sync_checkpoints WHERE kind = $1 AND market = $2",
		string(kind), string(market)).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, NewQueryError("sync_checkpoints", "", err)
	}
	return cursor.UTC(), true, nil
}

// SaveCheckpoint upserts the cursor, never moving it backwards.
func (p *PostgresStorage) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sync_checkpoints (kind, market, cursor_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, market) DO UPDATE SET
			cursor_at = GREATEST(sync_checkpoints.cursor_at, EXCLUDED.cursor_at),
			updated_at = EXCLUDED.updated_at`,
		string(cp.Kind), string(cp.Market), cp.Cursor.UTC(), cp.UpdatedAt.UTC())
	if err != nil {
		return NewStorageError("upsert", "sync_checkpoints", "", err)
	}
	return nil
}
