package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Dialect selects the column types used by the schema migrations.
type Dialect string

const (
	DialectDuckDB   Dialect = "duckdb"
	DialectPostgres Dialect = "postgres"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager applies versioned schema changes and records them in schema_migrations.
type MigrationManager struct {
	db         *sql.DB
	dialect    Dialect
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a migration manager for the given dialect.
func NewMigrationManager(db *sql.DB, dialect Dialect, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:         db,
		dialect:    dialect,
		logger:     logger,
		migrations: migrationsFor(dialect),
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migration manager: %w", err)
	}

	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("no migrations to run", "dialect", m.dialect, "current_version", currentVersion)
		return nil
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations completed",
		"dialect", m.dialect,
		"from_version", currentVersion,
		"to_version", targetVersion,
		"migrations_run", applied)

	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.LatestVersion())
}

// LatestVersion returns the highest known migration version.
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Rollback rolls back migrations down to the target version
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}

	m.logger.Info("rollback completed", "dialect", m.dialect, "final_version", targetVersion)
	return nil
}

// CurrentVersion returns the highest applied migration version
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	query := "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"
	if err := m.db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// runMigration executes a single migration inside a transaction
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	m.logger.Info("applying migration",
		"dialect", m.dialect,
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start.UTC(),
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// rollbackMigration executes a single migration rollback
func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	m.logger.Info("rolling back migration",
		"dialect", m.dialect,
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}

func execAll(ctx context.Context, tx *sql.Tx, queries ...string) error {
	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute %q: %w", query, err)
		}
	}
	return nil
}

// migrationsFor returns the ordered migrations of a dialect. DuckDB keeps
// prices as VARCHAR so decimal strings round trip unchanged; Postgres uses
// NUMERIC and the reader casts back to text.
func migrationsFor(dialect Dialect) []Migration {
	priceType := "VARCHAR"
	if dialect == DialectPostgres {
		priceType = "NUMERIC"
	}

	migrations := []Migration{
		{
			Version:     1,
			Description: "Create candles table",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx, fmt.Sprintf(`
					CREATE TABLE IF NOT EXISTS candles (
						exchange VARCHAR NOT NULL,
						symbol VARCHAR NOT NULL,
						timeframe VARCHAR NOT NULL,
						ts TIMESTAMPTZ NOT NULL,
						open %[1]s NOT NULL,
						high %[1]s NOT NULL,
						low %[1]s NOT NULL,
						close %[1]s NOT NULL,
						volume %[1]s NOT NULL,
						taker_buy_quote %[1]s,
						taker_sell_quote %[1]s,
						PRIMARY KEY (exchange, symbol, timeframe, ts)
					)`, priceType))
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx, "DROP TABLE IF EXISTS candles")
			},
		},
		{
			Version:     2,
			Description: "Create ingestion_state cursor table",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx, `
					CREATE TABLE IF NOT EXISTS ingestion_state (
						exchange VARCHAR NOT NULL,
						symbol VARCHAR NOT NULL,
						timeframe VARCHAR NOT NULL,
						last_ts TIMESTAMPTZ NOT NULL,
						updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
						PRIMARY KEY (exchange, symbol, timeframe)
					)`)
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx, "DROP TABLE IF EXISTS ingestion_state")
			},
		},
	}

	if dialect == DialectPostgres {
		migrations = append(migrations, Migration{
			Version:     3,
			Description: "Convert candles to a hypertable when TimescaleDB is installed",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx, `
					DO $$
					BEGIN
						IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
							PERFORM create_hypertable('candles', 'ts', if_not_exists => TRUE, migrate_data => TRUE);
						END IF;
					END
					$$`)
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				return nil
			},
		})
	}

	return migrations
}
