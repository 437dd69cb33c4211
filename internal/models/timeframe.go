package models

import (
	"fmt"
	"time"
)

// MaxPageLimit is the largest page the exchange accepts for one kline request.
const MaxPageLimit = 1000

// timeframeSteps maps every supported timeframe label to its nominal bar step.
// Months are treated as 30 days, which is only ever used for gap tolerance and
// lookback arithmetic.
var timeframeSteps = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  3 * 24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

// Timeframes lists the supported labels in ascending step order.
var Timeframes = []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d", "3d", "1w", "1M"}

// TimeframeStep returns the nominal step for a timeframe label.
func TimeframeStep(timeframe string) (time.Duration, error) {
	step, ok := timeframeSteps[timeframe]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	return step, nil
}

// IsValidTimeframe reports whether the label is one of the supported timeframes.
func IsValidTimeframe(timeframe string) bool {
	_, ok := timeframeSteps[timeframe]
	return ok
}

// ClampLimit bounds a page size to [1, MaxPageLimit].
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}
