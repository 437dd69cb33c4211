package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const candleColumns = "exchange, symbol, timeframe, ts, open, high, low, close, volume, taker_buy_quote, taker_sell_quote"

const upsertCandleSQL = `
	INSERT INTO candles (` + candleColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (exchange, symbol, timeframe, ts) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		taker_buy_quote = EXCLUDED.taker_buy_quote,
		taker_sell_quote = EXCLUDED.taker_sell_quote`

const upsertCursorSQL = `
	INSERT INTO ingestion_state (exchange, symbol, timeframe, last_ts, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (exchange, symbol, timeframe) DO UPDATE SET
		last_ts = EXCLUDED.last_ts,
		updated_at = EXCLUDED.updated_at`

// DuckDBStorage is a CandleStore on an embedded DuckDB database.
// DuckDB allows one writer, so the pool is pinned to a single connection.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
	timing *queryTimes
}

// NewDuckDBStorage opens a DuckDB database. An empty path opens an in-memory database.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewConnectionError(fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger,
		timing: newQueryTimes(),
	}, nil
}

// Initialize runs the DuckDB schema migrations.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	if _, err := db.ExecContext(ctx, "SET enable_progress_bar = false"); err != nil {
		d.logger.Warn("failed to set configuration", "error", err)
	}

	if err := NewMigrationManager(db, DialectDuckDB, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	return nil
}

func (d *DuckDBStorage) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewConnectionError(fmt.Errorf("database connection is closed"))
	}
	return d.db, nil
}

// UpsertCandles writes the batch in one transaction.
func (d *DuckDBStorage) UpsertCandles(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	if err := validateBatch(candles); err != nil {
		return 0, NewInsertError(candlesTable, err)
	}

	start := time.Now()
	defer func() { d.timing.record("upsert", time.Since(start)) }()

	db, err := d.conn()
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError(candlesTable, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		return 0, NewStorageError("insert", candlesTable, upsertCandleSQL, err)
	}
	defer stmt.Close()

	affected := 0
	for i := range candles {
		c := &candles[i]
		res, err := stmt.ExecContext(ctx,
			c.Exchange, c.Symbol, c.Timeframe, c.Timestamp.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume,
			nullable(c.TakerBuyQuote), nullable(c.TakerSellQuote))
		if err != nil {
			return 0, NewInsertError(candlesTable, fmt.Errorf("failed to upsert candle %s: %w", c, err))
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += int(n)
		} else {
			affected++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError(candlesTable, fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("upserted candles batch",
		"series", candles[0].Key().String(),
		"count", len(candles),
		"duration", time.Since(start))

	return affected, nil
}

// DeleteBefore removes rows of key older than cutoff.
func (d *DuckDBStorage) DeleteBefore(ctx context.Context, key models.SeriesKey, cutoff time.Time) (int, error) {
	db, err := d.conn()
	if err != nil {
		return 0, err
	}

	query := "DELETE FROM candles WHERE exchange = $1 AND symbol = $2 AND timeframe = $3 AND ts < $4"
	res, err := db.ExecContext(ctx, query, key.Exchange, key.Symbol, key.Timeframe, cutoff.UTC())
	if err != nil {
		return 0, NewStorageError("delete", candlesTable, query, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecentTimestamps returns the latest limit timestamps of key in ascending order.
func (d *DuckDBStorage) RecentTimestamps(ctx context.Context, key models.SeriesKey, limit int) ([]time.Time, error) {
	start := time.Now()
	defer func() { d.timing.record("recent_timestamps", time.Since(start)) }()

	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	query, args := recentTimestampsQuery(key, limit)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, NewQueryError(candlesTable, query, fmt.Errorf("failed to scan row: %w", err))
		}
		out = append(out, ts.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}
	return out, nil
}

// Query returns candles of one key within [Start, End).
func (d *DuckDBStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() { d.timing.record("query", time.Since(start)) }()

	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	query, args := buildCandleQuery("SELECT "+candleColumns+" FROM candles", req)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		var buy, sell sql.NullString
		if err := rows.Scan(&c.Exchange, &c.Symbol, &c.Timeframe, &c.Timestamp,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &buy, &sell); err != nil {
			return nil, NewQueryError(candlesTable, query, fmt.Errorf("failed to scan row: %w", err))
		}
		c.Timestamp = c.Timestamp.UTC()
		c.TakerBuyQuote = fromNullable(buy)
		c.TakerSellQuote = fromNullable(sell)
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(candlesTable, query, fmt.Errorf("row iteration error: %w", err))
	}

	return &QueryResponse{Candles: candles, Total: len(candles), QueryTime: time.Since(start)}, nil
}

// CountCandles returns the number of rows of key.
func (d *DuckDBStorage) CountCandles(ctx context.Context, key models.SeriesKey) (int, error) {
	db, err := d.conn()
	if err != nil {
		return 0, err
	}

	query := "SELECT COUNT(*) FROM candles WHERE exchange = $1 AND symbol = $2 AND timeframe = $3"
	var n int
	if err := db.QueryRowContext(ctx, query, key.Exchange, key.Symbol, key.Timeframe).Scan(&n); err != nil {
		return 0, NewQueryError(candlesTable, query, err)
	}
	return n, nil
}

// GetLastTS returns the cursor of key.
func (d *DuckDBStorage) GetLastTS(ctx context.Context, key models.SeriesKey) (time.Time, bool, error) {
	db, err := d.conn()
	if err != nil {
		return time.Time{}, false, err
	}

	query := "SELECT last_ts FROM ingestion_state WHERE exchange = $1 AND symbol = $2 AND timeframe = $3"
	var ts time.Time
	err = db.QueryRowContext(ctx, query, key.Exchange, key.Symbol, key.Timeframe).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, NewQueryError(cursorTable, query, err)
	}
	return ts.UTC(), true, nil
}

// UpdateLastTS upserts the cursor of key.
func (d *DuckDBStorage) UpdateLastTS(ctx context.Context, key models.SeriesKey, ts time.Time) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, upsertCursorSQL,
		key.Exchange, key.Symbol, key.Timeframe, ts.UTC(), time.Now().UTC()); err != nil {
		return NewStorageError("update", cursorTable, upsertCursorSQL, err)
	}
	return nil
}

// GetStats returns row counts and the stored time range.
func (d *DuckDBStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	stats, err := scanStats(ctx, db)
	if err != nil {
		return nil, err
	}
	stats.QueryPerformance = d.timing.averages()
	return stats, nil
}

// HealthCheck performs a lightweight query to verify connectivity.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Close closes the database.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Info("closing DuckDB storage")
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}
	return nil
}

var _ CandleStore = (*DuckDBStorage)(nil)
