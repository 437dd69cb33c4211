package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const (
	// BinanceBaseURL is the public spot REST endpoint.
	BinanceBaseURL = "https://api.binance.com"

	klinesEndpoint       = "/api/v3/klines"
	exchangeInfoEndpoint = "/api/v3/exchangeInfo"
	tickerEndpoint       = "/api/v3/ticker/24hr"
	pingEndpoint         = "/api/v3/ping"

	binanceName = "binance"

	maxErrorBody       = 4 << 10
	healthCheckTimeout = 5 * time.Second
)

// BinanceOption configures a BinanceClient.
type BinanceOption func(*BinanceClient)

// WithBaseURL points the client at another host, such as a testnet or an httptest server.
func WithBaseURL(baseURL string) BinanceOption {
	return func(c *BinanceClient) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) BinanceOption {
	return func(c *BinanceClient) { c.httpClient = hc }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) BinanceOption {
	return func(c *BinanceClient) { c.logger = logger }
}

// BinanceClient is a Gateway over the Binance spot REST API.
type BinanceClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewBinanceClient creates a client with pooled keep-alive connections. The
// HTTP client carries no timeout of its own; the retry executor bounds each call.
func NewBinanceClient(opts ...BinanceOption) *BinanceClient {
	c := &BinanceClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: BinanceBaseURL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "binance")
	return c
}

// Name implements Gateway.
func (c *BinanceClient) Name() string { return binanceName }

// FetchOHLCV implements CandleFetcher. Rows that do not have the kline shape
// are skipped and logged; a body that is not a kline array is a
// MalformedResponse error.
func (c *BinanceClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]models.Candle, error) {
	if !models.IsValidTimeframe(timeframe) {
		return nil, ingesterrors.Configuration("binance", "unsupported timeframe %q", timeframe)
	}

	params := url.Values{}
	params.Set("symbol", ToExchangeSymbol(symbol))
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(models.ClampLimit(limit)))
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}

	var raw [][]json.RawMessage
	if err := c.getJSON(ctx, klinesEndpoint, params, &raw); err != nil {
		return nil, err
	}

	canonical := NormalizeSymbol(symbol)
	candles := make([]models.Candle, 0, len(raw))
	for i, row := range raw {
		candle, err := parseKline(row)
		if err != nil {
			c.logger.Warn("Skipping malformed kline",
				"symbol", canonical,
				"timeframe", timeframe,
				"index", i,
				"error", err)
			continue
		}
		candle.Exchange = binanceName
		candle.Symbol = canonical
		candle.Timeframe = timeframe
		candles = append(candles, candle)
	}

	c.logger.Debug("Fetched klines",
		"symbol", canonical,
		"timeframe", timeframe,
		"since", since,
		"rows", len(candles))
	return candles, nil
}

// parseKline converts one kline array:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, takerBuyBase, takerBuyQuote, ignore].
func parseKline(row []json.RawMessage) (models.Candle, error) {
	var c models.Candle
	if len(row) < 6 {
		return c, fmt.Errorf("kline has %d fields, want at least 6", len(row))
	}

	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return c, fmt.Errorf("open time: %w", err)
	}
	c.Timestamp = time.UnixMilli(openTime).UTC()

	fields := []*string{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
	for i, dst := range fields {
		if err := json.Unmarshal(row[i+1], dst); err != nil {
			return c, fmt.Errorf("field %d: %w", i+1, err)
		}
	}

	if len(row) >= 11 {
		var quoteVolume, takerBuyQuote string
		if json.Unmarshal(row[7], &quoteVolume) == nil && json.Unmarshal(row[10], &takerBuyQuote) == nil {
			qv, errQ := decimal.NewFromString(quoteVolume)
			buy, errB := decimal.NewFromString(takerBuyQuote)
			if errQ == nil && errB == nil {
				buyStr := buy.String()
				sellStr := qv.Sub(buy).String()
				c.TakerBuyQuote = &buyStr
				c.TakerSellQuote = &sellStr
			}
		}
	}
	return c, nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol               string `json:"symbol"`
		Status               string `json:"status"`
		BaseAsset            string `json:"baseAsset"`
		QuoteAsset           string `json:"quoteAsset"`
		IsSpotTradingAllowed bool   `json:"isSpotTradingAllowed"`
	} `json:"symbols"`
}

type ticker24h struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
}

// TopSymbols implements SymbolDiscoverer. Only TRADING spot markets are
// ranked; stablecoin bases and leveraged tokens are excluded.
func (c *BinanceClient) TopSymbols(ctx context.Context, quote string, n int) ([]string, error) {
	var info exchangeInfoResponse
	if err := c.getJSON(ctx, exchangeInfoEndpoint, nil, &info); err != nil {
		return nil, fmt.Errorf("failed to load exchange info: %w", err)
	}

	type market struct{ base, quote string }
	markets := make(map[string]market, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || !s.IsSpotTradingAllowed {
			continue
		}
		markets[s.Symbol] = market{base: s.BaseAsset, quote: s.QuoteAsset}
	}

	var tickers []ticker24h
	if err := c.getJSON(ctx, tickerEndpoint, nil, &tickers); err != nil {
		return nil, fmt.Errorf("failed to load tickers: %w", err)
	}

	candidates := make([]MarketVolume, 0, len(tickers))
	for _, t := range tickers {
		m, ok := markets[t.Symbol]
		if !ok {
			continue
		}
		qv, err := strconv.ParseFloat(t.QuoteVolume, 64)
		if err != nil {
			continue
		}
		candidates = append(candidates, MarketVolume{Base: m.base, Quote: m.quote, QuoteVolume: qv})
	}

	symbols := RankSymbols(candidates, quote, n)
	c.logger.Info("Discovered symbols", "quote", quote, "requested", n, "found", len(symbols))
	return symbols, nil
}

// HealthCheck pings the REST API.
func (c *BinanceClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	var out struct{}
	return c.getJSON(ctx, pingEndpoint, nil, &out)
}

type binanceErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *BinanceClient) getJSON(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	requestURL := c.baseURL + endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return ingesterrors.Configuration("binance", "failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-ohlcv-ingest/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return ingesterrors.New(ingesterrors.ErrorTypeTransientNetwork, "binance", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		var eb binanceErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Msg != "" {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Msg
		}
		if apiErr.RetryAfter > 0 {
			c.logger.Warn("Rate limited by exchange", "endpoint", endpoint, "retry_after", apiErr.RetryAfter)
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ingesterrors.Malformed("binance", "failed to decode %s response: %v", endpoint, err)
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

var _ Gateway = (*BinanceClient)(nil)
