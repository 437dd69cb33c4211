package models

import (
	"fmt"
	"time"
)

// PairKey names one (symbol, timeframe) job within a run.
type PairKey struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

func (k PairKey) String() string {
	return fmt.Sprintf("%s@%s", k.Symbol, k.Timeframe)
}

// PairProgress tracks time based completion of one active job.
// LastPercent is the last value that was emitted and throttles reporting.
type PairProgress struct {
	Key         PairKey   `json:"key"`
	Start       time.Time `json:"start"`
	Target      time.Time `json:"target"`
	LastTS      time.Time `json:"last_ts"`
	LastPercent float64   `json:"last_percent"`
	Reported    bool      `json:"-"`
}

// Fraction returns the elapsed fraction of the [Start, Target] window covered
// by LastTS, clamped to [0, 1]. A degenerate window counts as done once any
// timestamp has been observed.
func (p *PairProgress) Fraction() float64 {
	span := p.Target.Sub(p.Start)
	if span <= 0 {
		if p.LastTS.IsZero() {
			return 0
		}
		return 1
	}
	if p.LastTS.IsZero() {
		return 0
	}
	f := float64(p.LastTS.Sub(p.Start)) / float64(span)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Percent returns Fraction scaled to [0, 100].
func (p *PairProgress) Percent() float64 {
	return p.Fraction() * 100
}

// RunState is the lifecycle of a whole ingestion run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// RunProgress is the aggregate snapshot exposed to the status surface.
// A run is completed once every job is terminal, even when some failed.
type RunProgress struct {
	RunID            string        `json:"run_id"`
	State            RunState      `json:"state"`
	Total            int           `json:"total"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	Active           int           `json:"active"`
	Percent          float64       `json:"percent"`
	CurrentSymbol    string        `json:"current_symbol,omitempty"`
	CurrentTimeframe string        `json:"current_timeframe,omitempty"`
	Error            string        `json:"error,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Pairs            []JobSnapshot `json:"pairs,omitempty"`
}
