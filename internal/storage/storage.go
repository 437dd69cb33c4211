// Package storage defines the candle store contract and its memory, DuckDB and
// PostgreSQL implementations.
//
// A store is an idempotent sink: upserting the same page twice converges to
// the same rows, which is what makes at-least-once delivery from the fetch
// loop safe. Every statement is scoped to one series key so that concurrent
// jobs never contend on each other's rows.
package storage

import (
	"context"
	"fmt"
	"time"

	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// CandleWriter persists candles and enforces retention.
type CandleWriter interface {
	// UpsertCandles inserts candles keyed on (exchange, symbol, timeframe, ts).
	// On conflict the OHLCV and taker fields are overwritten, since a bar
	// may have been fetched before it closed. The whole slice is written in
	// one transaction and the number of affected rows is returned.
	UpsertCandles(ctx context.Context, candles []models.Candle) (int, error)

	// DeleteBefore removes rows of key with ts strictly older than cutoff
	// and returns how many were removed.
	DeleteBefore(ctx context.Context, key models.SeriesKey, cutoff time.Time) (int, error)
}

// CandleReader reads persisted candles.
type CandleReader interface {
	// RecentTimestamps returns up to limit of the most recent timestamps of
	// key in ascending order. A limit <= 0 returns every timestamp.
	RecentTimestamps(ctx context.Context, key models.SeriesKey, limit int) ([]time.Time, error)

	// Query returns candles of one key within [Start, End).
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// CountCandles returns the number of rows stored for key.
	CountCandles(ctx context.Context, key models.SeriesKey) (int, error)
}

// CursorStore reads and writes the per series ingestion cursor.
type CursorStore interface {
	// GetLastTS returns the cursor of key. The boolean is false when no
	// page has ever been persisted for key.
	GetLastTS(ctx context.Context, key models.SeriesKey) (time.Time, bool, error)

	// UpdateLastTS sets the cursor of key, creating it when missing.
	UpdateLastTS(ctx context.Context, key models.SeriesKey, ts time.Time) error
}

// HealthChecker provides health check capabilities for storage backends.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StorageManager handles lifecycle of a backend.
type StorageManager interface {
	// Initialize creates tables or runs migrations. Safe to call more than once.
	Initialize(ctx context.Context) error

	Close() error

	GetStats(ctx context.Context) (*StorageStats, error)

	HealthChecker
}

// CandleStore is the full contract consumed by the orchestrator and healer.
type CandleStore interface {
	CandleWriter
	CandleReader
	CursorStore
	StorageManager
}

// QueryRequest selects candles of one series.
type QueryRequest struct {
	Key        models.SeriesKey
	Start      time.Time
	End        time.Time
	Limit      int
	Descending bool
}

// QueryResponse holds the rows and how long the query took.
type QueryResponse struct {
	Candles   []models.Candle
	Total     int
	QueryTime time.Duration
}

// StorageStats summarises the contents of a backend.
type StorageStats struct {
	TotalCandles int64
	TotalSeries  int
	TotalCursors int
	EarliestData time.Time
	LatestData   time.Time

	// QueryPerformance holds the average duration per operation for SQL backends.
	QueryPerformance map[string]time.Duration
}

// StorageError represents storage-specific errors with operation context.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the failed operation
	Table string

	// Query is the SQL query that caused the error (if applicable)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrorType classifies every storage failure as a persistence error so the
// orchestrator fails the job without advancing the cursor.
func (e *StorageError) ErrorType() ingesterrors.ErrorType {
	return ingesterrors.ErrorTypePersistence
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

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return NewStorageError("query", table, query, err)
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return NewStorageError("insert", table, "", err)
}

// NewUpdateError creates a StorageError specifically for update operations.
func NewUpdateError(table string, err error) *StorageError {
	return NewStorageError("update", table, "", err)
}

// NewDeleteError creates a StorageError specifically for delete operations.
func NewDeleteError(table string, err error) *StorageError {
	return NewStorageError("delete", table, "", err)
}

// NewConnectionError creates a StorageError for connection failures.
func NewConnectionError(err error) *StorageError {
	return NewStorageError("connect", "", "", err)
}

const (
	candlesTable = "candles"
	cursorTable  = "ingestion_state"
)

// validateBatch rejects a batch the backend must not receive: candles
// missing part of their key.
func validateBatch(candles []models.Candle) error {
	for i := range candles {
		c := &candles[i]
		if c.Exchange == "" || c.Symbol == "" || c.Timeframe == "" || c.Timestamp.IsZero() {
			return fmt.Errorf("candle at index %d has an incomplete key %s at %s", i, c.Key(), c.Timestamp)
		}
	}
	return nil
}
