package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// MemoryStorage is a thread-safe in-memory CandleStore. It backs tests and
// the "memory" storage type for dry runs.
type MemoryStorage struct {
	mu sync.RWMutex

	// candles: key -> unix millis -> candle
	candles map[models.SeriesKey]map[int64]models.Candle
	cursors map[models.SeriesKey]time.Time

	upserts int
	closed  bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[models.SeriesKey]map[int64]models.Candle),
		cursors: make(map[models.SeriesKey]time.Time),
	}
}

// Initialize is a no-op for memory storage.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	return ctx.Err()
}

// Close marks the storage as closed; later calls fail.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck reports whether the storage is still open.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewConnectionError(errors.New("storage is closed"))
	}
	return ctx.Err()
}

// UpsertCandles writes candles, overwriting existing rows with the same key and timestamp.
func (m *MemoryStorage) UpsertCandles(ctx context.Context, candles []models.Candle) (int, error) {
	if ctx.Err() != nil {
		return 0, NewInsertError(candlesTable, ctx.Err())
	}
	if len(candles) == 0 {
		return 0, nil
	}
	if err := validateBatch(candles); err != nil {
		return 0, NewInsertError(candlesTable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewInsertError(candlesTable, errors.New("storage is closed"))
	}

	for _, c := range candles {
		key := c.Key()
		series := m.candles[key]
		if series == nil {
			series = make(map[int64]models.Candle)
			m.candles[key] = series
		}
		c.Timestamp = c.Timestamp.UTC()
		series[c.Timestamp.UnixMilli()] = c
	}
	m.upserts++
	return len(candles), nil
}

// DeleteBefore removes rows of key older than cutoff.
func (m *MemoryStorage) DeleteBefore(ctx context.Context, key models.SeriesKey, cutoff time.Time) (int, error) {
	if ctx.Err() != nil {
		return 0, NewDeleteError(candlesTable, ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewDeleteError(candlesTable, errors.New("storage is closed"))
	}

	limit := cutoff.UnixMilli()
	deleted := 0
	for ts := range m.candles[key] {
		if ts < limit {
			delete(m.candles[key], ts)
			deleted++
		}
	}
	return deleted, nil
}

// RecentTimestamps returns the most recent timestamps of key in ascending order.
func (m *MemoryStorage) RecentTimestamps(ctx context.Context, key models.SeriesKey, limit int) ([]time.Time, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError(candlesTable, "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(candlesTable, "", errors.New("storage is closed"))
	}

	millis := make([]int64, 0, len(m.candles[key]))
	for ts := range m.candles[key] {
		millis = append(millis, ts)
	}
	sort.Slice(millis, func(i, j int) bool { return millis[i] < millis[j] })
	if limit > 0 && len(millis) > limit {
		millis = millis[len(millis)-limit:]
	}

	out := make([]time.Time, len(millis))
	for i, ts := range millis {
		out[i] = time.UnixMilli(ts).UTC()
	}
	return out, nil
}

// Query returns candles of one key within [Start, End).
func (m *MemoryStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	if ctx.Err() != nil {
		return nil, NewQueryError(candlesTable, "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(candlesTable, "", errors.New("storage is closed"))
	}

	var rows []models.Candle
	for _, c := range m.candles[req.Key] {
		if !req.Start.IsZero() && c.Timestamp.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && !c.Timestamp.Before(req.End) {
			continue
		}
		rows = append(rows, c)
	}

	sort.Slice(rows, func(i, j int) bool {
		if req.Descending {
			return rows[i].Timestamp.After(rows[j].Timestamp)
		}
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})

	total := len(rows)
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}

	return &QueryResponse{Candles: rows, Total: total, QueryTime: time.Since(start)}, nil
}

// CountCandles returns the number of rows of key.
func (m *MemoryStorage) CountCandles(ctx context.Context, key models.SeriesKey) (int, error) {
	if ctx.Err() != nil {
		return 0, NewQueryError(candlesTable, "", ctx.Err())
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.candles[key]), nil
}

// GetLastTS returns the cursor of key.
func (m *MemoryStorage) GetLastTS(ctx context.Context, key models.SeriesKey) (time.Time, bool, error) {
	if ctx.Err() != nil {
		return time.Time{}, false, NewQueryError(cursorTable, "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return time.Time{}, false, NewQueryError(cursorTable, "", errors.New("storage is closed"))
	}
	ts, ok := m.cursors[key]
	return ts, ok, nil
}

// UpdateLastTS sets the cursor of key.
func (m *MemoryStorage) UpdateLastTS(ctx context.Context, key models.SeriesKey, ts time.Time) error {
	if ctx.Err() != nil {
		return NewUpdateError(cursorTable, ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewUpdateError(cursorTable, errors.New("storage is closed"))
	}
	m.cursors[key] = ts.UTC()
	return nil
}

// GetStats returns row and series counts.
func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &StorageStats{TotalCursors: len(m.cursors)}
	for _, series := range m.candles {
		if len(series) == 0 {
			continue
		}
		stats.TotalSeries++
		stats.TotalCandles += int64(len(series))
		for ts := range series {
			t := time.UnixMilli(ts).UTC()
			if stats.EarliestData.IsZero() || t.Before(stats.EarliestData) {
				stats.EarliestData = t
			}
			if t.After(stats.LatestData) {
				stats.LatestData = t
			}
		}
	}
	return stats, nil
}

// UpsertCalls returns how many non-empty upserts were applied. Used by tests.
func (m *MemoryStorage) UpsertCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.upserts
}
