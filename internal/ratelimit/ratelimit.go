// Package ratelimit paces every upstream call through one shared adaptive delay.
//
// The control loop is additive increase / additive decrease: slow responses
// and throttling signals widen the spacing between calls by one step, while a
// run of fast responses narrows it by one step. State holds the pure
// transition functions; Limiter wraps one State behind a mutex and gates
// callers with golang.org/x/time/rate so that all workers share one clock.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMinDelay           = 50 * time.Millisecond
	DefaultMaxDelay           = 2 * time.Second
	DefaultInitialDelay       = 300 * time.Millisecond
	DefaultStep               = 50 * time.Millisecond
	DefaultSlowThreshold      = 2 * time.Second
	DefaultSmoothingThreshold = 10
)

// Tuning holds the constants of the control loop.
type Tuning struct {
	Step               time.Duration
	SlowThreshold      time.Duration
	SmoothingThreshold int
}

// DefaultTuning returns the tuning used in production.
func DefaultTuning() Tuning {
	return Tuning{
		Step:               DefaultStep,
		SlowThreshold:      DefaultSlowThreshold,
		SmoothingThreshold: DefaultSmoothingThreshold,
	}
}

// State is the adaptive delay and its smoothing counter. Every transition
// returns a new State with Delay clamped to [Min, Max].
type State struct {
	Delay     time.Duration
	Min       time.Duration
	Max       time.Duration
	Smoothing int
}

// NewState builds a clamped state. A Max below Min is raised to Min.
func NewState(initial, minDelay, maxDelay time.Duration) State {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return State{Min: minDelay, Max: maxDelay}.withDelay(initial)
}

func (s State) withDelay(d time.Duration) State {
	if d < s.Min {
		d = s.Min
	}
	if d > s.Max {
		d = s.Max
	}
	s.Delay = d
	return s
}

// OnSuccess widens the delay after a slow call, otherwise counts towards the
// next decrease.
func (s State) OnSuccess(latency time.Duration, t Tuning) State {
	if latency > t.SlowThreshold {
		s.Smoothing = 0
		return s.withDelay(s.Delay + t.Step)
	}
	s.Smoothing++
	if s.Smoothing >= t.SmoothingThreshold {
		s.Smoothing = 0
		return s.withDelay(s.Delay - t.Step)
	}
	return s
}

// OnRateLimit widens the delay immediately.
func (s State) OnRateLimit(t Tuning) State {
	s.Smoothing = 0
	return s.withDelay(s.Delay + t.Step)
}

// OnError resets the smoothing counter and keeps the delay.
func (s State) OnError() State {
	s.Smoothing = 0
	return s
}

// Limiter is the process wide gate in front of the exchange gateway.
type Limiter struct {
	mu       sync.Mutex
	state    State
	tuning   Tuning
	gate     *rate.Limiter
	logger   *slog.Logger
	onChange func(time.Duration)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTuning overrides the control loop constants.
func WithTuning(t Tuning) Option {
	return func(l *Limiter) { l.tuning = t }
}

// WithLogger sets the logger used for delay change messages.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithObserver registers a callback invoked with the new delay whenever it changes.
func WithObserver(fn func(time.Duration)) Option {
	return func(l *Limiter) { l.onChange = fn }
}

// New creates a limiter starting at initial, bounded by [minDelay, maxDelay].
func New(initial, minDelay, maxDelay time.Duration, opts ...Option) *Limiter {
	state := NewState(initial, minDelay, maxDelay)
	l := &Limiter{
		state:  state,
		tuning: DefaultTuning(),
		logger: slog.Default(),
		gate:   rate.NewLimiter(rate.Every(state.Delay), 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until the current delay has elapsed since the last permitted call.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.gate.Wait(ctx)
}

// OnSuccess feeds a completed call's latency into the control loop.
func (l *Limiter) OnSuccess(latency time.Duration) {
	l.apply(func(s State) State { return s.OnSuccess(latency, l.tuning) }, "success")
}

// OnRateLimit feeds an upstream throttling signal into the control loop.
func (l *Limiter) OnRateLimit() {
	l.apply(func(s State) State { return s.OnRateLimit(l.tuning) }, "rate_limited")
}

// OnError feeds a non throttling failure into the control loop.
func (l *Limiter) OnError() {
	l.apply(func(s State) State { return s.OnError() }, "error")
}

// State returns a copy of the current state.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Delay returns the current spacing between permitted calls.
func (l *Limiter) Delay() time.Duration {
	return l.State().Delay
}

func (l *Limiter) apply(transition func(State) State, reason string) {
	l.mu.Lock()
	prev := l.state.Delay
	l.state = transition(l.state)
	next := l.state.Delay
	if next != prev {
		l.gate.SetLimit(rate.Every(next))
	}
	l.mu.Unlock()

	if next == prev {
		return
	}
	l.logger.Debug("Throttle delay adjusted",
		"reason", reason,
		"previous_delay", prev,
		"delay", next)
	if l.onChange != nil {
		l.onChange(next)
	}
}
