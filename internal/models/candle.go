// Package models provides the data structures shared by the ingestion pipeline:
// candles, cursors, gaps, jobs, timeframes and progress snapshots.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SeriesKey identifies one persisted candle series. Every store statement is
// scoped to a single key.
type SeriesKey struct {
	Exchange  string `json:"exchange" db:"exchange"`
	Symbol    string `json:"symbol" db:"symbol"`
	Timeframe string `json:"timeframe" db:"timeframe"`
}

// String returns "exchange:symbol:timeframe".
func (k SeriesKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Symbol, k.Timeframe)
}

// Pair returns the symbol/timeframe portion of the key used for progress tracking.
func (k SeriesKey) Pair() PairKey {
	return PairKey{Symbol: k.Symbol, Timeframe: k.Timeframe}
}

// Candle represents one OHLCV bar. Prices and volumes are kept as decimal
// strings so that no precision is lost between the exchange and the store.
// A candle is unique per (exchange, symbol, timeframe, timestamp) and is
// only ever mutated through an upsert overwrite.
type Candle struct {
	Exchange       string    `json:"exchange" db:"exchange"`
	Symbol         string    `json:"symbol" db:"symbol"`
	Timeframe      string    `json:"timeframe" db:"timeframe"`
	Timestamp      time.Time `json:"timestamp" db:"ts"`
	Open           string    `json:"open" db:"open"`
	High           string    `json:"high" db:"high"`
	Low            string    `json:"low" db:"low"`
	Close          string    `json:"close" db:"close"`
	Volume         string    `json:"volume" db:"volume"`
	TakerBuyQuote  *string   `json:"taker_buy_quote,omitempty" db:"taker_buy_quote"`
	TakerSellQuote *string   `json:"taker_sell_quote,omitempty" db:"taker_sell_quote"`
}

// Key returns the series key of the candle.
func (c *Candle) Key() SeriesKey {
	return SeriesKey{Exchange: c.Exchange, Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the shape of a candle as received from the exchange.
// Prices must parse as decimals and be positive, volume must be non-negative,
// and high/low must bound open and close. Zero-volume bars are valid since
// illiquid pairs produce them routinely.
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.Timeframe == "" {
		return &ValidationError{Field: "timeframe", Message: "timeframe cannot be empty"}
	}

	fields := []struct {
		name  string
		value string
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
	}

	prices := make(map[string]decimal.Decimal, len(fields))
	for _, f := range fields {
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return &ValidationError{Field: f.name, Message: fmt.Sprintf("invalid %s price format: %v", f.name, err)}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: f.name, Message: fmt.Sprintf("%s price must be greater than 0", f.name)}
		}
		prices[f.name] = d
	}

	volume, err := decimal.NewFromString(c.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}
	if volume.IsNegative() {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	open, high, low, closePrice := prices["open"], prices["high"], prices["low"], prices["close"]

	if maxOC := decimal.Max(open, closePrice); high.LessThan(maxOC) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOC),
		}
	}
	if minOC := decimal.Min(open, closePrice); low.GreaterThan(minOC) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOC),
		}
	}

	for name, v := range map[string]*string{"taker_buy_quote": c.TakerBuyQuote, "taker_sell_quote": c.TakerSellQuote} {
		if v == nil {
			continue
		}
		if _, err := decimal.NewFromString(*v); err != nil {
			return &ValidationError{Field: name, Message: fmt.Sprintf("invalid %s format: %v", name, err)}
		}
	}

	return nil
}

// String implements fmt.Stringer.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{%s %s %s, T: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Exchange, c.Symbol, c.Timeframe, c.Timestamp.Format(time.RFC3339),
		c.Open, c.High, c.Low, c.Close, c.Volume)
}

// Cursor is the last confirmed timestamp of a series. It is created on the
// first successful page insert and only advanced after a page is persisted.
type Cursor struct {
	SeriesKey
	LastTS    time.Time `json:"last_ts" db:"last_ts"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MaxTimestamp returns the latest timestamp in rows, or the zero time when rows is empty.
func MaxTimestamp(rows []Candle) time.Time {
	var latest time.Time
	for i := range rows {
		if rows[i].Timestamp.After(latest) {
			latest = rows[i].Timestamp
		}
	}
	return latest
}
