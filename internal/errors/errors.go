// Package errors provides the error taxonomy of the ingestion pipeline and
// the classification used to drive retries and rate limiter feedback.
// Every failure crossing a component boundary is reduced to one ErrorType,
// which decides whether it is retried, whether it slows the shared limiter,
// and whether it fails a single job or the whole run.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	ErrorTypeTransientNetwork  ErrorType = "transient_network"  // Timeouts, resets, 5xx
	ErrorTypeRateLimited       ErrorType = "rate_limited"       // Explicit throttling signal from upstream
	ErrorTypeMalformedResponse ErrorType = "malformed_response" // Row or payload fails shape validation
	ErrorTypePersistence       ErrorType = "persistence"        // Store rejected a write or read
	ErrorTypeConfiguration     ErrorType = "configuration"      // Bad request shape, unknown timeframe
	ErrorTypeCanceled          ErrorType = "canceled"           // Run scoped cancellation
	ErrorTypeUnknown           ErrorType = "unknown"            // Unclassified errors
)

// Retryable reports whether the executor should try again after this type.
// Unknown errors are retried too; the bounded attempt count still applies.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeTransientNetwork, ErrorTypeRateLimited, ErrorTypeUnknown:
		return true
	default:
		return false
	}
}

// Typed is implemented by errors that know their own classification,
// such as storage.StorageError or exchange.APIError.
type Typed interface {
	ErrorType() ErrorType
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error                  `json:"error"`
	Type      ErrorType              `json:"type"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Attempts  int                    `json:"attempts"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Component == "" && ce.Operation == "" {
		return fmt.Sprintf("[%s] %v", ce.Type, ce.Err)
	}
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by type, so callers can test with
// errors.Is(err, errors.ErrRateLimited).
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// ErrorType implements Typed.
func (ce *ClassifiedError) ErrorType() ErrorType {
	return ce.Type
}

// WithContext attaches a key/value pair and returns the same error.
func (ce *ClassifiedError) WithContext(key string, value interface{}) *ClassifiedError {
	if ce.Context == nil {
		ce.Context = make(map[string]interface{})
	}
	ce.Context[key] = value
	return ce
}

// Sentinels for errors.Is comparisons.
var (
	ErrTransientNetwork  = &ClassifiedError{Type: ErrorTypeTransientNetwork}
	ErrRateLimited       = &ClassifiedError{Type: ErrorTypeRateLimited}
	ErrMalformedResponse = &ClassifiedError{Type: ErrorTypeMalformedResponse}
	ErrPersistence       = &ClassifiedError{Type: ErrorTypePersistence}
	ErrConfiguration     = &ClassifiedError{Type: ErrorTypeConfiguration}
)

// New wraps err with an explicit classification.
func New(errType ErrorType, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      errType,
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// Configuration builds a ConfigurationError from a formatted message.
func Configuration(component, format string, args ...interface{}) *ClassifiedError {
	return New(ErrorTypeConfiguration, component, "validate", fmt.Errorf(format, args...))
}

// Malformed builds a MalformedResponse error from a formatted message.
func Malformed(component, format string, args ...interface{}) *ClassifiedError {
	return New(ErrorTypeMalformedResponse, component, "decode", fmt.Errorf(format, args...))
}

// Persistence marks err as a store failure.
func Persistence(component, operation string, err error) *ClassifiedError {
	return New(ErrorTypePersistence, component, operation, err)
}

// TypeOf returns the classification of err without recording statistics.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}

	var typed Typed
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}

	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTransientNetwork
	}
	if isRateLimitError(err) {
		return ErrorTypeRateLimited
	}
	if isNetworkError(err) || isTimeoutError(err) {
		return ErrorTypeTransientNetwork
	}
	return ErrorTypeUnknown
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return TypeOf(err).Retryable()
}

// IsRateLimited reports whether err carries an upstream throttling signal.
func IsRateLimited(err error) bool {
	return TypeOf(err) == ErrorTypeRateLimited
}

// isRateLimitError matches the throttling phrases exchanges put into bodies and messages
func isRateLimitError(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"rate limit",
		"too many requests",
		"status 429",
		"status 418",
		"request weight",
		"quota exceeded",
	}
	for _, pattern := range patterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"connection aborted",
		"broken pipe",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"unexpected eof",
		"server error",
		"service unavailable",
		"bad gateway",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Classifier classifies errors and keeps per-type counters.
type Classifier struct {
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// NewClassifier creates a classifier that logs at debug level through logger.
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns a ClassifiedError. Errors that are
// already classified keep their type and gain component/operation if missing.
func (c *Classifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) && classified.Err != nil {
		if classified.Component == "" {
			classified.Component = component
		}
		if classified.Operation == "" {
			classified.Operation = operation
		}
	} else {
		classified = New(TypeOf(err), component, operation, err)
	}

	c.record(classified.Type)

	c.logger.Debug("error classified",
		"type", classified.Type,
		"retryable", classified.Type.Retryable(),
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

func (c *Classifier) record(errType ErrorType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats[errType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	c.stats[errType] = stats
}

// GetStats returns a copy of the per-type counters
func (c *Classifier) GetStats() map[ErrorType]ErrorStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(c.stats))
	for k, v := range c.stats {
		stats[k] = v
	}
	return stats
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}
