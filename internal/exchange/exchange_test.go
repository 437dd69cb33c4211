package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolNormalisation(t *testing.T) {
	tests := []struct {
		in       string
		exchange string
		want     string
	}{
		{"BTC/USDT", "BTCUSDT", "BTC/USDT"},
		{"btcusdt", "BTCUSDT", "BTC/USDT"},
		{"ETH-BTC", "ETHBTC", "ETH/BTC"},
		{"SOLFDUSD", "SOLFDUSD", "SOL/FDUSD"},
		{"BNBUSDC", "BNBUSDC", "BNB/USDC"},
		{"WBTCETH", "WBTCETH", "WBTC/ETH"},
		{"XYZABC", "XYZABC", "XYZABC"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.exchange, ToExchangeSymbol(tt.in))
			assert.Equal(t, tt.want, NormalizeSymbol(tt.in))
		})
	}
}

func TestDiscoveryFilters(t *testing.T) {
	assert.True(t, IsStableBase("usdc"))
	assert.True(t, IsStableBase("FDUSD"))
	assert.False(t, IsStableBase("BTC"))

	assert.True(t, IsLeveragedToken("BTCUP"))
	assert.True(t, IsLeveragedToken("ETHDOWN"))
	assert.True(t, IsLeveragedToken("XRPBULL"))
	assert.False(t, IsLeveragedToken("UP"))
	assert.False(t, IsLeveragedToken("SOL"))
}

func TestRankSymbols(t *testing.T) {
	candidates := []MarketVolume{
		{Base: "ETH", Quote: "USDT", QuoteVolume: 5},
		{Base: "BTC", Quote: "USDT", QuoteVolume: 9},
		{Base: "DAI", Quote: "USDT", QuoteVolume: 100},
		{Base: "ADABEAR", Quote: "USDT", QuoteVolume: 50},
		{Base: "SOL", Quote: "BTC", QuoteVolume: 70},
		{Base: "XRP", Quote: "USDT", QuoteVolume: 7},
	}

	assert.Equal(t, []string{"BTC/USDT", "XRP/USDT"}, RankSymbols(candidates, "USDT", 2))
	assert.Equal(t, []string{"BTC/USDT", "XRP/USDT", "ETH/USDT"}, RankSymbols(candidates, "USDT", 10))
	assert.Equal(t, []string{"SOL/BTC"}, RankSymbols(candidates, "btc", 0))
	assert.Empty(t, RankSymbols(nil, "USDT", 5))
}

func TestMockGateway_Paging(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	gw := NewMockGateway()
	gw.AddSeries("BTC/USDT", "1m", start, 25)

	page, err := gw.FetchOHLCV(ctx, "BTC/USDT", "1m", start, 10)
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, "mock", page[0].Exchange)

	page, err = gw.FetchOHLCV(ctx, "BTC/USDT", "1m", start.Add(20*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, page, 5)

	latest, err := gw.FetchOHLCV(ctx, "BTC/USDT", "1m", time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, start.Add(24*time.Minute), latest[2].Timestamp)

	assert.Len(t, gw.CallsFor("BTC/USDT", "1m"), 3)
}

func TestMockGateway_Failures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	gw := NewMockGateway()
	gw.AddSeries("ETH/USDT", "5m", time.Unix(0, 0).UTC(), 3)
	gw.FailNext("ETH/USDT", "5m", boom)
	gw.FailSymbol("SOL/USDT", boom)

	_, err := gw.FetchOHLCV(ctx, "ETH/USDT", "5m", time.Unix(0, 0), 10)
	assert.ErrorIs(t, err, boom)

	page, err := gw.FetchOHLCV(ctx, "ETH/USDT", "5m", time.Unix(0, 0), 10)
	require.NoError(t, err)
	assert.Len(t, page, 3)

	_, err = gw.FetchOHLCV(ctx, "SOL/USDT", "5m", time.Time{}, 10)
	assert.ErrorIs(t, err, boom)
}
