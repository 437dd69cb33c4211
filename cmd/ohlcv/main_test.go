package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

func TestParseGlobalFlags(t *testing.T) {
	t.Setenv("OHLCV_CONFIG_FILE", "")
	global, rest, err := parseGlobalFlags([]string{"--symbols", "BTCUSDT", "-c", "prod.yaml", "--log-level", "debug", "--json"})
	require.NoError(t, err)
	assert.Equal(t, "prod.yaml", global.ConfigPath)
	assert.Equal(t, DefaultEnvFile, global.EnvFile)
	assert.Equal(t, "debug", global.LogLevel)
	assert.Equal(t, []string{"--symbols", "BTCUSDT", "--json"}, rest)

	_, _, err = parseGlobalFlags([]string{"--config"})
	assert.Error(t, err)
}

func TestParseIngestFlags(t *testing.T) {
	flags, err := parseIngestFlags([]string{"--symbols", "btcusdt, ETH/USDT", "-t", "1m,5m", "--start", "2024-01-02", "--end", "2024-01-03T12:00:00Z", "--top", "5"})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, flags.Symbols)
	assert.Equal(t, []string{"1m", "5m"}, flags.Timeframes)
	assert.Equal(t, 5, flags.Top)
	require.NotNil(t, flags.Start)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), *flags.Start)
	assert.Equal(t, time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC), *flags.End)

	_, err = parseIngestFlags([]string{"--start", "yesterday"})
	assert.Equal(t, ExitUsageError, exitCode(err))
	_, err = parseIngestFlags([]string{"--bogus"})
	assert.Equal(t, ExitUsageError, exitCode(err))
	_, err = parseIngestFlags([]string{"--top", "-1"})
	assert.Error(t, err)
}

func TestParseQueryAndGapsFlags(t *testing.T) {
	q, err := parseQueryFlags([]string{"-s", "ethbtc", "-t", "1h", "--format", "csv", "--desc", "-l", "0"})
	require.NoError(t, err)
	assert.Equal(t, "ETH/BTC", q.Symbol)
	assert.Equal(t, "csv", q.Format)
	assert.True(t, q.Descending)
	assert.Zero(t, q.Limit)

	_, err = parseQueryFlags([]string{"-s", "BTC/USDT", "-t", "1m", "--format", "xml"})
	assert.Error(t, err)
	_, err = parseQueryFlags([]string{"-t", "1m"})
	assert.Error(t, err)

	g, err := parseGapsFlags([]string{"--symbol", "BTC-USDT", "--timeframe", "1m", "--lookback", "500", "--no-backfill"})
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", g.Symbol)
	assert.Equal(t, 500, g.Lookback)
	assert.True(t, g.NoBackfill)
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{usagef("bad"), ExitUsageError},
		{ingesterrors.Configuration("cli", "bad"), ExitConfigError},
		{ingesterrors.Persistence("cli", "open", errors.New("locked")), ExitStorageErr},
		{storage.NewConnectionError(errors.New("refused")), ExitStorageErr},
		{fmt.Errorf("run: %w", context.Canceled), ExitInterrupt},
		{errors.New("boom"), ExitFailure},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, exitCode(tc.err), "%v", tc.err)
	}
}

func TestOutputFormats(t *testing.T) {
	buy := "12.5"
	candles := []models.Candle{{
		Exchange: "binance", Symbol: "BTC/USDT", Timeframe: "1m",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Open:      "42000.12", High: "42100", Low: "41900", Close: "42050", Volume: "3.2",
		TakerBuyQuote: &buy,
	}}

	var csvOut bytes.Buffer
	require.NoError(t, outputCSV(&csvOut, candles))
	lines := strings.Split(strings.TrimSpace(csvOut.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2024-01-01T00:00:00Z,binance,BTC/USDT,1m,42000.12,42100,41900,42050,3.2,12.5,", lines[1])

	var table bytes.Buffer
	require.NoError(t, outputTable(&table, candles))
	assert.Contains(t, table.String(), "2024-01-01 00:00")

	var js bytes.Buffer
	require.NoError(t, outputJSON(&js, candles))
	assert.Contains(t, js.String(), `"BTC/USDT"`)
}
