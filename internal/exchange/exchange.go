// Package exchange defines the gateway contract the ingestion pipeline pulls
// candles through, with a Binance spot REST implementation.
//
// A gateway performs exactly one upstream request per call. Pacing, retries
// and classification are the caller's job (see internal/retry), so
// implementations must return errors that classify correctly: *APIError for
// HTTP failures and MalformedResponse errors for bodies that cannot be parsed.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// CandleFetcher retrieves one page of OHLCV candles.
type CandleFetcher interface {
	// FetchOHLCV returns up to limit candles of symbol at timeframe whose
	// open time is at or after since, oldest first. A zero since asks for
	// the most recent page. An empty slice means no data is available.
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]models.Candle, error)
}

// SymbolDiscoverer ranks tradable symbols.
type SymbolDiscoverer interface {
	// TopSymbols returns at most n BASE/QUOTE symbols quoted in quote,
	// ordered by 24h quote volume descending.
	TopSymbols(ctx context.Context, quote string, n int) ([]string, error)
}

// Gateway is the full exchange surface used by the orchestrator.
type Gateway interface {
	CandleFetcher
	SymbolDiscoverer

	// Name is the exchange label stored on every candle.
	Name() string
}

// APIError is a non-2xx response from the exchange.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange api error: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange api error: status %d: %s", e.StatusCode, e.Message)
}

// ErrorType maps the HTTP status onto the ingestion taxonomy. Binance answers
// 429 when the weight limit is hit and 418 once an IP is banned for ignoring it.
func (e *APIError) ErrorType() ingesterrors.ErrorType {
	switch {
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusTeapot:
		return ingesterrors.ErrorTypeRateLimited
	case e.StatusCode >= 500:
		return ingesterrors.ErrorTypeTransientNetwork
	case e.StatusCode >= 400:
		// bad symbol, interval or limit
		return ingesterrors.ErrorTypeConfiguration
	default:
		return ingesterrors.ErrorTypeMalformedResponse
	}
}

// knownQuotes are tried longest first when splitting a concatenated symbol.
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "BTC", "ETH", "BNB"}

func init() {
	sort.SliceStable(knownQuotes, func(i, j int) bool { return len(knownQuotes[i]) > len(knownQuotes[j]) })
}

// ToExchangeSymbol converts BTC/USDT into the BTCUSDT form the REST API expects.
func ToExchangeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(symbol, "/", ""), "-", ""))
}

// FromExchangeSymbol converts BTCUSDT into BTC/USDT. Symbols that already
// contain a separator or do not end in a known quote are returned upper cased.
func FromExchangeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if strings.Contains(s, "/") {
		return s
	}
	if strings.Contains(s, "-") {
		return strings.Replace(s, "-", "/", 1)
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "/" + q
		}
	}
	return s
}

// NormalizeSymbol returns the canonical BASE/QUOTE form of a user supplied symbol.
func NormalizeSymbol(symbol string) string {
	return FromExchangeSymbol(ToExchangeSymbol(symbol))
}

// stableBases are excluded from discovery; their pairs carry no price signal.
var stableBases = map[string]struct{}{
	"USDT": {}, "USDC": {}, "BUSD": {}, "FDUSD": {}, "TUSD": {}, "USDP": {},
	"DAI": {}, "SUSD": {}, "USDD": {}, "USTC": {}, "GUSD": {}, "PAX": {},
}

var leveragedSuffixes = []string{"UP", "DOWN", "BULL", "BEAR"}

// IsStableBase reports whether base is a stablecoin.
func IsStableBase(base string) bool {
	_, ok := stableBases[strings.ToUpper(base)]
	return ok
}

// IsLeveragedToken reports whether base looks like a leveraged token such as BTCUP.
func IsLeveragedToken(base string) bool {
	b := strings.ToUpper(base)
	for _, suffix := range leveragedSuffixes {
		if strings.HasSuffix(b, suffix) && len(b) > len(suffix) {
			return true
		}
	}
	return false
}

// MarketVolume is one ranked discovery candidate.
type MarketVolume struct {
	Base        string
	Quote       string
	QuoteVolume float64
}

// RankSymbols filters candidates on quote and base, sorts them by quote volume
// descending and returns the top n as BASE/QUOTE. n <= 0 returns every match.
func RankSymbols(candidates []MarketVolume, quote string, n int) []string {
	quote = strings.ToUpper(quote)
	filtered := make([]MarketVolume, 0, len(candidates))
	for _, c := range candidates {
		if strings.ToUpper(c.Quote) != quote {
			continue
		}
		if IsStableBase(c.Base) || IsLeveragedToken(c.Base) {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].QuoteVolume > filtered[j].QuoteVolume
	})

	if n > 0 && len(filtered) > n {
		filtered = filtered[:n]
	}
	out := make([]string, len(filtered))
	for i, c := range filtered {
		out[i] = strings.ToUpper(c.Base) + "/" + quote
	}
	return out
}
