package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single versioned schema change.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// MigrationStatus summarizes which migrations have been applied.
type MigrationStatus struct {
	CurrentVersion    int
	LatestVersion     int
	PendingMigrations int
	AppliedMigrations []AppliedMigration
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version       int
	Description   string
	AppliedAt     time.Time
	ExecutionTime time.Duration
}

// MigrationManager applies the DuckDB schema migrations in order and records
// them in schema_migrations.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a migration manager over db.
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: duckDBMigrations(),
	}
}

func (m *MigrationManager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// MigrateToLatest applies every pending migration.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if len(m.migrations) == 0 {
		return nil
	}
	return m.Migrate(ctx, m.migrations[len(m.migrations)-1].Version)
}

// Migrate applies pending migrations up to targetVersion.
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current >= targetVersion {
		m.logger.Debug("schema up to date", "version", current)
		return nil
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= current || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations applied", "from_version", current, "to_version", targetVersion, "count", applied)
	return nil
}

// CurrentVersion returns the highest applied migration version.
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// GetStatus reports applied and pending migrations.
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	status := &MigrationStatus{CurrentVersion: current}
	for rows.Next() {
		var am AppliedMigration
		var executionTime int64
		if err := rows.Scan(&am.Version, &am.Description, &am.AppliedAt, &executionTime); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		am.ExecutionTime = time.Duration(executionTime)
		status.AppliedMigrations = append(status.AppliedMigrations, am)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration rows: %w", err)
	}

	for _, migration := range m.migrations {
		status.LatestVersion = migration.Version
		if migration.Version > current {
			status.PendingMigrations++
		}
	}
	return status, nil
}

func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES ($1, $2, $3, $4)`,
		migration.Version, migration.Description, start.UTC(), time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied",
		"version", migration.Version,
		"description", migration.Description,
		"duration", time.Since(start))
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, queries ...string) error {
	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

func duckDBMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Record tables for trades, candles and tickers",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx,
					`CREATE TABLE IF NOT EXISTS trades (
						market VARCHAR NOT NULL,
						trade_id BIGINT NOT NULL,
						global_trade_id BIGINT NOT NULL,
						date TIMESTAMPTZ NOT NULL,
						type VARCHAR NOT NULL,
						rate DOUBLE NOT NULL,
						amount DOUBLE NOT NULL,
						total DOUBLE NOT NULL,
						PRIMARY KEY (market, trade_id)
					)`,
					`CREATE TABLE IF NOT EXISTS candles (
						market VARCHAR NOT NULL,
						period BIGINT NOT NULL,
						date TIMESTAMPTZ NOT NULL,
						high DOUBLE NOT NULL,
						low DOUBLE NOT NULL,
						open DOUBLE NOT NULL,
						close DOUBLE NOT NULL,
						volume DOUBLE NOT NULL,
						quote_volume DOUBLE NOT NULL,
						weighted_average DOUBLE NOT NULL,
						PRIMARY KEY (market, period, date)
					)`,
					`CREATE TABLE IF NOT EXISTS tickers (
						market VARCHAR NOT NULL,
						polled_at TIMESTAMPTZ NOT NULL,
						last DOUBLE NOT NULL,
						lowest_ask DOUBLE NOT NULL,
						highest_bid DOUBLE NOT NULL,
						percent_change DOUBLE NOT NULL,
						base_volume DOUBLE NOT NULL,
						quote_volume DOUBLE NOT NULL,
						PRIMARY KEY (market, polled_at)
					)`,
				)
			},
		},
		{
			Version:     2,
			Description: "Staging tables for appender bulk loads",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx,
					`CREATE TABLE IF NOT EXISTS trades_staging AS SELECT * FROM trades LIMIT 0`,
					`CREATE TABLE IF NOT EXISTS candles_staging AS SELECT * FROM candles LIMIT 0`,
					`CREATE TABLE IF NOT EXISTS tickers_staging AS SELECT * FROM tickers LIMIT 0`,
				)
			},
		},
		{
			Version:     3,
			Description: "Gaps and sync checkpoints",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx,
					`CREATE TABLE IF NOT EXISTS gaps (
						id VARCHAR PRIMARY KEY,
						kind VARCHAR NOT NULL,
						market VARCHAR NOT NULL,
						start_time TIMESTAMPTZ NOT NULL,
						end_time TIMESTAMPTZ NOT NULL,
						reason VARCHAR NOT NULL,
						status VARCHAR NOT NULL CHECK (status IN ('detected', 'filled', 'permanent')),
						attempts INTEGER NOT NULL DEFAULT 0,
						error_message VARCHAR NOT NULL DEFAULT '',
						created_at TIMESTAMPTZ NOT NULL,
						filled_at TIMESTAMPTZ,
						CONSTRAINT gaps_time_order CHECK (end_time > start_time)
					)`,
					`CREATE TABLE IF NOT EXISTS sync_checkpoints (
						kind VARCHAR NOT NULL,
						market VARCHAR NOT NULL,
						cursor_at TIMESTAMPTZ NOT NULL,
						updated_at TIMESTAMPTZ NOT NULL,
						PRIMARY KEY (kind, market)
					)`,
				)
			},
		},
		{
			Version:     4,
			Description: "Indexes for time range scans",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx,
					"CREATE INDEX IF NOT EXISTS idx_trades_date ON trades (date)",
					"CREATE INDEX IF NOT EXISTS idx_candles_date ON candles (date)",
					"CREATE INDEX IF NOT EXISTS idx_tickers_polled_at ON tickers (polled_at)",
					"CREATE INDEX IF NOT EXISTS idx_gaps_market ON gaps (kind, market)",
				)
			},
		},
	}
}
