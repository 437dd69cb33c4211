package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// Helpers shared by the DuckDB and PostgreSQL backends. Both accept $n placeholders.

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func fromNullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func recentTimestampsQuery(key models.SeriesKey, limit int) (string, []interface{}) {
	args := []interface{}{key.Exchange, key.Symbol, key.Timeframe}
	if limit <= 0 {
		return "SELECT ts FROM candles WHERE exchange = $1 AND symbol = $2 AND timeframe = $3 ORDER BY ts ASC", args
	}
	args = append(args, limit)
	return `SELECT ts FROM (
		SELECT ts FROM candles WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
		ORDER BY ts DESC LIMIT $4
	) AS recent ORDER BY ts ASC`, args
}

func buildCandleQuery(selectClause string, req QueryRequest) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(selectClause)
	sb.WriteString(" WHERE exchange = $1 AND symbol = $2 AND timeframe = $3")

	args := []interface{}{req.Key.Exchange, req.Key.Symbol, req.Key.Timeframe}
	if !req.Start.IsZero() {
		args = append(args, req.Start.UTC())
		fmt.Fprintf(&sb, " AND ts >= $%d", len(args))
	}
	if !req.End.IsZero() {
		args = append(args, req.End.UTC())
		fmt.Fprintf(&sb, " AND ts < $%d", len(args))
	}

	if req.Descending {
		sb.WriteString(" ORDER BY ts DESC")
	} else {
		sb.WriteString(" ORDER BY ts ASC")
	}

	if req.Limit > 0 {
		args = append(args, req.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func scanStats(ctx context.Context, db queryRower) (*StorageStats, error) {
	stats := &StorageStats{}

	query := `SELECT COUNT(*), COUNT(DISTINCT exchange || ':' || symbol || ':' || timeframe), MIN(ts), MAX(ts) FROM candles`
	var earliest, latest sql.NullTime
	if err := db.QueryRowContext(ctx, query).Scan(&stats.TotalCandles, &stats.TotalSeries, &earliest, &latest); err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}
	if earliest.Valid {
		stats.EarliestData = earliest.Time.UTC()
	}
	if latest.Valid {
		stats.LatestData = latest.Time.UTC()
	}

	cursorQuery := "SELECT COUNT(*) FROM ingestion_state"
	if err := db.QueryRowContext(ctx, cursorQuery).Scan(&stats.TotalCursors); err != nil {
		return nil, NewQueryError(cursorTable, cursorQuery, err)
	}
	return stats, nil
}

// queryTimes keeps the last 100 durations per operation.
type queryTimes struct {
	mu    sync.Mutex
	times map[string][]time.Duration
}

func newQueryTimes() *queryTimes {
	return &queryTimes{times: make(map[string][]time.Duration)}
}

func (q *queryTimes) record(operation string, d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	times := q.times[operation]
	if len(times) >= 100 {
		times = times[1:]
	}
	q.times[operation] = append(times, d)
}

func (q *queryTimes) averages() map[string]time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]time.Duration, len(q.times))
	for op, times := range q.times {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		out[op] = total / time.Duration(len(times))
	}
	return out
}
