package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// FetchCall records one FetchOHLCV invocation on a MockGateway.
type FetchCall struct {
	Symbol    string
	Timeframe string
	Since     time.Time
	Limit     int
}

// MockGateway serves candles from in-memory series. It is used by tests
// across packages and by dry runs.
type MockGateway struct {
	mu sync.Mutex

	name    string
	series  map[models.PairKey][]models.Candle
	fail    map[string]error
	queued  map[models.PairKey][]error
	symbols []string
	calls   []FetchCall

	// Latency is slept before every fetch, honouring cancellation.
	Latency time.Duration
}

// NewMockGateway creates an empty mock named "mock".
func NewMockGateway() *MockGateway {
	return &MockGateway{
		name:   "mock",
		series: make(map[models.PairKey][]models.Candle),
		fail:   make(map[string]error),
		queued: make(map[models.PairKey][]error),
	}
}

// Name implements Gateway.
func (m *MockGateway) Name() string { return m.name }

// SetName changes the exchange label.
func (m *MockGateway) SetName(name string) { m.name = name }

// AddSeries generates n contiguous bars of symbol at timeframe starting at start.
func (m *MockGateway) AddSeries(symbol, timeframe string, start time.Time, n int) {
	step, err := models.TimeframeStep(timeframe)
	if err != nil {
		panic(err)
	}
	candles := make([]models.Candle, n)
	for i := 0; i < n; i++ {
		candles[i] = models.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: start.Add(time.Duration(i) * step).UTC(),
			Open:      "100",
			High:      "101",
			Low:       "99",
			Close:     fmt.Sprintf("100.%d", i%100),
			Volume:    "10",
		}
	}
	m.AddCandles(candles...)
}

// AddCandles adds explicit candles, replacing any with the same timestamp.
func (m *MockGateway) AddCandles(candles ...models.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range candles {
		key := models.PairKey{Symbol: c.Symbol, Timeframe: c.Timeframe}
		rows := m.series[key]
		replaced := false
		for i := range rows {
			if rows[i].Timestamp.Equal(c.Timestamp) {
				rows[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			rows = append(rows, c)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
		m.series[key] = rows
	}
}

// FailSymbol makes every fetch of symbol return err.
func (m *MockGateway) FailSymbol(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[symbol] = err
}

// FailNext queues errors returned by the next fetches of symbol at timeframe.
func (m *MockGateway) FailNext(symbol, timeframe string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := models.PairKey{Symbol: symbol, Timeframe: timeframe}
	m.queued[key] = append(m.queued[key], errs...)
}

// SetSymbols sets the TopSymbols result, already ranked.
func (m *MockGateway) SetSymbols(symbols ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = append([]string(nil), symbols...)
}

// Calls returns a copy of every recorded fetch.
func (m *MockGateway) Calls() []FetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FetchCall(nil), m.calls...)
}

// CallsFor returns recorded fetches of one pair.
func (m *MockGateway) CallsFor(symbol, timeframe string) []FetchCall {
	var out []FetchCall
	for _, c := range m.Calls() {
		if c.Symbol == symbol && c.Timeframe == timeframe {
			out = append(out, c)
		}
	}
	return out
}

// FetchOHLCV implements CandleFetcher.
func (m *MockGateway) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]models.Candle, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, FetchCall{Symbol: symbol, Timeframe: timeframe, Since: since, Limit: limit})

	if err, ok := m.fail[symbol]; ok {
		return nil, err
	}
	key := models.PairKey{Symbol: symbol, Timeframe: timeframe}
	if errs := m.queued[key]; len(errs) > 0 {
		m.queued[key] = errs[1:]
		return nil, errs[0]
	}

	limit = models.ClampLimit(limit)
	rows := m.series[key]
	var out []models.Candle
	if since.IsZero() {
		if len(rows) > limit {
			rows = rows[len(rows)-limit:]
		}
		out = append(out, rows...)
	} else {
		for _, c := range rows {
			if c.Timestamp.Before(since) {
				continue
			}
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}

	for i := range out {
		out[i].Exchange = m.name
	}
	return out, nil
}

// TopSymbols implements SymbolDiscoverer.
func (m *MockGateway) TopSymbols(ctx context.Context, quote string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.symbols...)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, ctx.Err()
}

var _ Gateway = (*MockGateway)(nil)
