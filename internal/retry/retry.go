// Package retry runs exchange calls through the shared rate limiter with
// classification and capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const (
	DefaultRetryAttempts = 3
	DefaultMaxCooldown   = 60 * time.Second
	DefaultCallTimeout   = 30 * time.Second

	// MinBaseCooldown is the floor applied to the configured request cooldown
	// when it is used as the backoff base.
	MinBaseCooldown = 50 * time.Millisecond
)

// Gate is the rate limiter surface the executor drives.
type Gate interface {
	Wait(ctx context.Context) error
	OnSuccess(latency time.Duration)
	OnRateLimit()
	OnError()
}

// Call describes one logical upstream request for logging and observers.
type Call struct {
	Operation string
	Pair      models.PairKey
}

// Observer receives per attempt outcomes. Diagnostics and metrics implement it.
type Observer interface {
	ObserveCall(call Call, latency time.Duration, errType ingesterrors.ErrorType)
	ObserveRetry(call Call, attempt int, cooldown time.Duration, err error)
}

// Config controls attempts and cooldowns.
type Config struct {
	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int
	BaseCooldown  time.Duration
	MaxCooldown   time.Duration
	CallTimeout   time.Duration
}

// BaseCooldown derives the backoff base from the request cooldown.
func BaseCooldown(requestCooldown time.Duration) time.Duration {
	if requestCooldown < MinBaseCooldown {
		return MinBaseCooldown
	}
	return requestCooldown
}

// DefaultConfig returns production retry settings for a 0.3s request cooldown.
func DefaultConfig() Config {
	return Config{
		RetryAttempts: DefaultRetryAttempts,
		BaseCooldown:  BaseCooldown(300 * time.Millisecond),
		MaxCooldown:   DefaultMaxCooldown,
		CallTimeout:   DefaultCallTimeout,
	}
}

// Executor wraps every gateway call with pacing, a per call timeout,
// classification and bounded retries.
type Executor struct {
	cfg        Config
	gate       Gate
	classifier *ingesterrors.Classifier
	observers  []Observer
	logger     *slog.Logger
}

// NewExecutor creates an executor. A nil classifier gets a fresh one.
func NewExecutor(cfg Config, gate Gate, classifier *ingesterrors.Classifier, logger *slog.Logger, observers ...Observer) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = ingesterrors.NewClassifier(logger)
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = DefaultMaxCooldown
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Executor{
		cfg:        cfg,
		gate:       gate,
		classifier: classifier,
		observers:  observers,
		logger:     logger,
	}
}

// AddObserver registers an additional observer. Not safe to call concurrently with Do.
func (e *Executor) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// Config returns the executor settings.
func (e *Executor) Config() Config {
	return e.cfg
}

// newBackOff returns min(base*2^n, cap) for the n-th failure, starting at base*2.
func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BaseCooldown * 2
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.cfg.MaxCooldown
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs fn until it succeeds, fails with a non retryable error, or
// RetryAttempts+1 attempts have been made. fn receives a context bounded by
// the per call timeout.
func (e *Executor) Do(ctx context.Context, call Call, fn func(ctx context.Context) error) error {
	attempts := 0
	var gateErr error

	operation := func() error {
		attempts++

		if err := e.gate.Wait(ctx); err != nil {
			gateErr = err
			return backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		start := time.Now()
		err := fn(callCtx)
		latency := time.Since(start)
		cancel()

		if err == nil {
			e.gate.OnSuccess(latency)
			e.observeCall(call, latency, "")
			return nil
		}

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		classified := e.classifier.Classify(err, "exchange", call.Operation)
		classified.Attempts = attempts
		if classified.Type == ingesterrors.ErrorTypeRateLimited {
			e.gate.OnRateLimit()
		} else {
			e.gate.OnError()
		}
		e.observeCall(call, latency, classified.Type)

		if !classified.Type.Retryable() {
			return backoff.Permanent(classified)
		}
		return classified
	}

	notify := func(err error, cooldown time.Duration) {
		e.logger.Warn("Request failed, retrying",
			"operation", call.Operation,
			"symbol", call.Pair.Symbol,
			"timeframe", call.Pair.Timeframe,
			"attempt", attempts,
			"max_attempts", e.cfg.RetryAttempts+1,
			"cooldown", cooldown,
			"error", err)
		for _, o := range e.observers {
			o.ObserveRetry(call, attempts, cooldown, err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.cfg.RetryAttempts)), ctx)

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if gateErr != nil {
			// The limiter refuses to wait past the context deadline.
			return ingesterrors.New(ingesterrors.ErrorTypeCanceled, "retry", call.Operation,
				fmt.Errorf("rate limiter wait: %w: %w", context.DeadlineExceeded, gateErr))
		}
		e.logger.Error("Request failed",
			"operation", call.Operation,
			"symbol", call.Pair.Symbol,
			"timeframe", call.Pair.Timeframe,
			"attempts", attempts,
			"error", err)
		return fmt.Errorf("%s failed after %d attempts: %w", call.Operation, attempts, err)
	}
	return nil
}

func (e *Executor) observeCall(call Call, latency time.Duration, errType ingesterrors.ErrorType) {
	for _, o := range e.observers {
		o.ObserveCall(call, latency, errType)
	}
}
