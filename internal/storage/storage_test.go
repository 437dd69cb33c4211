package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	btcKey = models.SeriesKey{Exchange: "binance", Symbol: "BTC/USDT", Timeframe: "1m"}
	ethKey = models.SeriesKey{Exchange: "binance", Symbol: "ETH/USDT", Timeframe: "1m"}
	base   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func makePage(key models.SeriesKey, start time.Time, n int, closePrice string) []models.Candle {
	rows := make([]models.Candle, n)
	for i := 0; i < n; i++ {
		rows[i] = models.Candle{
			Exchange:  key.Exchange,
			Symbol:    key.Symbol,
			Timeframe: key.Timeframe,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      "100.5",
			High:      "110.25",
			Low:       "95",
			Close:     closePrice,
			Volume:    fmt.Sprintf("%d.5", i),
		}
	}
	return rows
}

func strPtr(s string) *string { return &s }

// StoreContractSuite exercises the CandleStore contract shared by every backend.
type StoreContractSuite struct {
	suite.Suite
	newStore func(t *testing.T) CandleStore

	ctx   context.Context
	store CandleStore
}

func (suite *StoreContractSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.store = suite.newStore(suite.T())
}

func (suite *StoreContractSuite) TearDownTest() {
	if suite.store != nil {
		_ = suite.store.Close()
	}
}

func (suite *StoreContractSuite) TestUpsertIsIdempotent() {
	page := makePage(btcKey, base, 50, "101")

	n, err := suite.store.UpsertCandles(suite.ctx, page)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 50, n)

	first, err := suite.store.Query(suite.ctx, QueryRequest{Key: btcKey})
	require.NoError(suite.T(), err)

	_, err = suite.store.UpsertCandles(suite.ctx, page)
	require.NoError(suite.T(), err)

	count, err := suite.store.CountCandles(suite.ctx, btcKey)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 50, count)

	second, err := suite.store.Query(suite.ctx, QueryRequest{Key: btcKey})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), first.Candles, second.Candles)
}

func (suite *StoreContractSuite) TestUpsertLastWriteWins() {
	_, err := suite.store.UpsertCandles(suite.ctx, makePage(btcKey, base, 3, "101"))
	require.NoError(suite.T(), err)

	updated := makePage(btcKey, base.Add(2*time.Minute), 1, "105")
	updated[0].TakerBuyQuote = strPtr("12.5")
	_, err = suite.store.UpsertCandles(suite.ctx, updated)
	require.NoError(suite.T(), err)

	resp, err := suite.store.Query(suite.ctx, QueryRequest{Key: btcKey, Start: base.Add(2 * time.Minute)})
	require.NoError(suite.T(), err)
	require.Len(suite.T(), resp.Candles, 1)
	assert.Equal(suite.T(), "105", resp.Candles[0].Close)
	require.NotNil(suite.T(), resp.Candles[0].TakerBuyQuote)
	assert.Equal(suite.T(), "12.5", *resp.Candles[0].TakerBuyQuote)
	assert.Nil(suite.T(), resp.Candles[0].TakerSellQuote)
}

func (suite *StoreContractSuite) TestQueryRangeAndOrder() {
	_, err := suite.store.UpsertCandles(suite.ctx, makePage(btcKey, base, 10, "101"))
	require.NoError(suite.T(), err)

	resp, err := suite.store.Query(suite.ctx, QueryRequest{
		Key:        btcKey,
		Start:      base.Add(2 * time.Minute),
		End:        base.Add(6 * time.Minute),
		Descending: true,
		Limit:      3,
	})
	require.NoError(suite.T(), err)
	require.Len(suite.T(), resp.Candles, 3)
	assert.Equal(suite.T(), base.Add(5*time.Minute), resp.Candles[0].Timestamp)
	assert.Equal(suite.T(), base.Add(3*time.Minute), resp.Candles[2].Timestamp)
}

func (suite *StoreContractSuite) TestCursorRoundtrip() {
	_, ok, err := suite.store.GetLastTS(suite.ctx, btcKey)
	require.NoError(suite.T(), err)
	assert.False(suite.T(), ok)

	require.NoError(suite.T(), suite.store.UpdateLastTS(suite.ctx, btcKey, base))
	require.NoError(suite.T(), suite.store.UpdateLastTS(suite.ctx, btcKey, base.Add(time.Hour)))

	ts, ok, err := suite.store.GetLastTS(suite.ctx, btcKey)
	require.NoError(suite.T(), err)
	assert.True(suite.T(), ok)
	assert.True(suite.T(), base.Add(time.Hour).Equal(ts))

	_, ok, err = suite.store.GetLastTS(suite.ctx, ethKey)
	require.NoError(suite.T(), err)
	assert.False(suite.T(), ok)
}

func (suite *StoreContractSuite) TestRetentionScopedToKey() {
	_, err := suite.store.UpsertCandles(suite.ctx, makePage(btcKey, base, 60, "101"))
	require.NoError(suite.T(), err)
	_, err = suite.store.UpsertCandles(suite.ctx, makePage(ethKey, base, 60, "101"))
	require.NoError(suite.T(), err)

	cutoff := base.Add(45 * time.Minute)
	deleted, err := suite.store.DeleteBefore(suite.ctx, btcKey, cutoff)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 45, deleted)

	remaining, err := suite.store.RecentTimestamps(suite.ctx, btcKey, 0)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), remaining, 15)
	for _, ts := range remaining {
		assert.False(suite.T(), ts.Before(cutoff))
	}

	ethCount, err := suite.store.CountCandles(suite.ctx, ethKey)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 60, ethCount)
}

func (suite *StoreContractSuite) TestRecentTimestampsCappedAscending() {
	_, err := suite.store.UpsertCandles(suite.ctx, makePage(btcKey, base, 20, "101"))
	require.NoError(suite.T(), err)

	ts, err := suite.store.RecentTimestamps(suite.ctx, btcKey, 5)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), ts, 5)
	assert.Equal(suite.T(), base.Add(15*time.Minute), ts[0])
	assert.Equal(suite.T(), base.Add(19*time.Minute), ts[4])
}

func (suite *StoreContractSuite) TestIncompleteKeyIsPersistenceError() {
	page := makePage(btcKey, base, 2, "101")
	page[1].Symbol = ""

	_, err := suite.store.UpsertCandles(suite.ctx, page)
	require.Error(suite.T(), err)
	assert.Equal(suite.T(), ingesterrors.ErrorTypePersistence, ingesterrors.TypeOf(err))

	count, err := suite.store.CountCandles(suite.ctx, btcKey)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 0, count)
}

func (suite *StoreContractSuite) TestStats() {
	_, err := suite.store.UpsertCandles(suite.ctx, makePage(btcKey, base, 5, "101"))
	require.NoError(suite.T(), err)
	_, err = suite.store.UpsertCandles(suite.ctx, makePage(ethKey, base, 3, "101"))
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), suite.store.UpdateLastTS(suite.ctx, btcKey, base))

	stats, err := suite.store.GetStats(suite.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(8), stats.TotalCandles)
	assert.Equal(suite.T(), 2, stats.TotalSeries)
	assert.Equal(suite.T(), 1, stats.TotalCursors)
	assert.Equal(suite.T(), base, stats.EarliestData)
	assert.Equal(suite.T(), base.Add(4*time.Minute), stats.LatestData)
}

func TestMemoryStorage_Contract(t *testing.T) {
	suite.Run(t, &StoreContractSuite{newStore: func(t *testing.T) CandleStore {
		store := NewMemoryStorage()
		require.NoError(t, store.Initialize(context.Background()))
		return store
	}})
}

func TestMemoryStorage_Closed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.Close())

	_, err := store.UpsertCandles(ctx, makePage(btcKey, base, 1, "101"))
	assert.Error(t, err)
	assert.Error(t, store.HealthCheck(ctx))
	assert.Error(t, store.UpdateLastTS(ctx, btcKey, base))
}

func TestMemoryStorage_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryStorage()
	_, err := store.UpsertCandles(ctx, makePage(btcKey, base, 1, "101"))
	require.Error(t, err)
	var sErr *StorageError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "insert", sErr.Operation)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(Options{Type: "cassandra"}, nil)
	assert.Error(t, err)

	store, err := New(Options{Type: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, store)
}

func TestNewPostgresStorage_RequiresDSN(t *testing.T) {
	_, err := NewPostgresStorage(PostgresConfig{}, nil)
	assert.Error(t, err)
}

func TestBuildCandleQuery(t *testing.T) {
	query, args := buildCandleQuery("SELECT ts FROM candles", QueryRequest{
		Key:   btcKey,
		Start: base,
		End:   base.Add(time.Hour),
		Limit: 10,
	})
	assert.Equal(t, "SELECT ts FROM candles WHERE exchange = $1 AND symbol = $2 AND timeframe = $3 AND ts >= $4 AND ts < $5 ORDER BY ts ASC LIMIT $6", query)
	assert.Len(t, args, 6)
}
