package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const namedUpsertCandleSQL = `INSERT INTO candles (` + candleColumns + `)
VALUES (:exchange, :symbol, :timeframe, :ts, :open, :high, :low, :close, :volume, :taker_buy_quote, :taker_sell_quote)
ON CONFLICT (exchange, symbol, timeframe, ts) DO
UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
volume = EXCLUDED.volume, taker_buy_quote = EXCLUDED.taker_buy_quote, taker_sell_quote = EXCLUDED.taker_sell_quote`

const pgSelectCandles = `SELECT exchange, symbol, timeframe, ts,
	open::text AS open, high::text AS high, low::text AS low, close::text AS close, volume::text AS volume,
	taker_buy_quote::text AS taker_buy_quote, taker_sell_quote::text AS taker_sell_quote
	FROM candles`

// PostgresConfig configures the PostgreSQL / TimescaleDB backend.
type PostgresConfig struct {
	DSN string
	// MaxOpenConns bounds concurrent writers. Acquiring a connection blocks
	// once the pool is exhausted, which throttles workers naturally.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStorage is a CandleStore on PostgreSQL through sqlx and the pgx stdlib driver.
type PostgresStorage struct {
	db     *sqlx.DB
	logger *slog.Logger
	timing *queryTimes
}

// NewPostgresStorage opens a lazy connection pool; Initialize verifies connectivity.
func NewPostgresStorage(cfg PostgresConfig, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DSN == "" {
		return nil, NewConnectionError(errors.New("postgres dsn is empty"))
	}

	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, NewConnectionError(fmt.Errorf("failed to open postgres: %w", err))
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &PostgresStorage{db: db, logger: logger, timing: newQueryTimes()}, nil
}

// Initialize pings the server and applies the Postgres migrations.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return NewConnectionError(err)
	}
	if err := NewMigrationManager(p.db.DB, DialectPostgres, p.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	p.logger.Info("postgres storage initialized")
	return nil
}

// UpsertCandles writes the batch with one multi-row named insert inside a transaction.
func (p *PostgresStorage) UpsertCandles(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	if err := validateBatch(candles); err != nil {
		return 0, NewInsertError(candlesTable, err)
	}

	start := time.Now()
	defer func() { p.timing.record("upsert", time.Since(start)) }()

	rows := make([]models.Candle, len(candles))
	for i := range candles {
		rows[i] = candles[i]
		rows[i].Timestamp = rows[i].Timestamp.UTC()
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, NewInsertError(candlesTable, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, namedUpsertCandleSQL, rows)
	if err != nil {
		return 0, NewStorageError("insert", candlesTable, namedUpsertCandleSQL, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, NewInsertError(candlesTable, fmt.Errorf("failed to commit: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		n = int64(len(rows))
	}
	return int(n), nil
}

// DeleteBefore removes rows of key older than cutoff.
func (p *PostgresStorage) DeleteBefore(ctx context.Context, key models.SeriesKey, cutoff time.Time) (int, error) {
	query := "DELETE FROM candles WHERE exchange = $1 AND symbol = $2 AND timeframe = $3 AND ts < $4"
	res, err := p.db.ExecContext(ctx, query, key.Exchange, key.Symbol, key.Timeframe, cutoff.UTC())
	if err != nil {
		return 0, NewStorageError("delete", candlesTable, query, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecentTimestamps returns the latest limit timestamps of key in ascending order.
func (p *PostgresStorage) RecentTimestamps(ctx context.Context, key models.SeriesKey, limit int) ([]time.Time, error) {
	start := time.Now()
	defer func() { p.timing.record("recent_timestamps", time.Since(start)) }()

	query, args := recentTimestampsQuery(key, limit)
	var out []time.Time
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}
	for i := range out {
		out[i] = out[i].UTC()
	}
	return out, nil
}

// Query returns candles of one key within [Start, End).
func (p *PostgresStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() { p.timing.record("query", time.Since(start)) }()

	query, args := buildCandleQuery(pgSelectCandles, req)
	var candles []models.Candle
	if err := p.db.SelectContext(ctx, &candles, query, args...); err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}
	for i := range candles {
		candles[i].Timestamp = candles[i].Timestamp.UTC()
	}
	return &QueryResponse{Candles: candles, Total: len(candles), QueryTime: time.Since(start)}, nil
}

// CountCandles returns the number of rows of key.
func (p *PostgresStorage) CountCandles(ctx context.Context, key models.SeriesKey) (int, error) {
	query := "SELECT COUNT(*) FROM candles WHERE exchange = $1 AND symbol = $2 AND timeframe = $3"
	var n int
	if err := p.db.GetContext(ctx, &n, query, key.Exchange, key.Symbol, key.Timeframe); err != nil {
		return 0, NewQueryError(candlesTable, query, err)
	}
	return n, nil
}

// GetLastTS returns the cursor of key.
func (p *PostgresStorage) GetLastTS(ctx context.Context, key models.SeriesKey) (time.Time, bool, error) {
	query := "SELECT last_ts FROM ingestion_state WHERE exchange = $1 AND symbol = $2 AND timeframe = $3"
	var ts time.Time
	err := p.db.GetContext(ctx, &ts, query, key.Exchange, key.Symbol, key.Timeframe)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, NewQueryError(cursorTable, query, err)
	}
	return ts.UTC(), true, nil
}

// UpdateLastTS upserts the cursor of key.
func (p *PostgresStorage) UpdateLastTS(ctx context.Context, key models.SeriesKey, ts time.Time) error {
	if _, err := p.db.ExecContext(ctx, upsertCursorSQL,
		key.Exchange, key.Symbol, key.Timeframe, ts.UTC(), time.Now().UTC()); err != nil {
		return NewStorageError("update", cursorTable, upsertCursorSQL, err)
	}
	return nil
}

// GetStats returns row counts and the stored time range.
func (p *PostgresStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	stats, err := scanStats(ctx, p.db)
	if err != nil {
		return nil, err
	}
	stats.QueryPerformance = p.timing.averages()
	return stats, nil
}

// HealthCheck pings the server.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Close closes the pool.
func (p *PostgresStorage) Close() error {
	if err := p.db.Close(); err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}

var _ CandleStore = (*PostgresStorage)(nil)
