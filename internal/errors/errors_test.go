package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

type statusErr struct{ code int }

func (e statusErr) Error() string { return fmt.Sprintf("http %d", e.code) }
func (e statusErr) ErrorType() ErrorType {
	if e.code == 429 {
		return ErrorTypeRateLimited
	}
	return ErrorTypeTransientNetwork
}

func TestErrorClassification(t *testing.T) {
	classifier := NewClassifier(slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name              string
		err               error
		expectedType      ErrorType
		expectedRetryable bool
	}{
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), ErrorTypeTransientNetwork, true},
		{"connection reset", fmt.Errorf("read: connection reset by peer"), ErrorTypeTransientNetwork, true},
		{"net timeout", fmt.Errorf("get klines: %w", timeoutErr{}), ErrorTypeTransientNetwork, true},
		{"deadline exceeded", fmt.Errorf("fetch: %w", context.DeadlineExceeded), ErrorTypeTransientNetwork, true},
		{"rate limit phrase", fmt.Errorf("rate limit exceeded"), ErrorTypeRateLimited, true},
		{"too many requests", fmt.Errorf("429 Too Many Requests"), ErrorTypeRateLimited, true},
		{"typed rate limit", fmt.Errorf("wrapped: %w", statusErr{code: 429}), ErrorTypeRateLimited, true},
		{"typed server error", statusErr{code: 503}, ErrorTypeTransientNetwork, true},
		{"canceled", fmt.Errorf("page: %w", context.Canceled), ErrorTypeCanceled, false},
		{"malformed", Malformed("exchange", "kline row has %d fields", 3), ErrorTypeMalformedResponse, false},
		{"persistence", Persistence("storage", "upsert", fmt.Errorf("disk full")), ErrorTypePersistence, false},
		{"configuration", Configuration("collector", "unknown timeframe %q", "2m"), ErrorTypeConfiguration, false},
		{"unknown", fmt.Errorf("something went wrong"), ErrorTypeUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifier.Classify(tt.err, "test_component", "test_operation")
			require.NotNil(t, classified)
			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedRetryable, classified.Type.Retryable())
			assert.Equal(t, tt.expectedRetryable, IsRetryable(tt.err))
			assert.NotEmpty(t, classified.Component)
		})
	}

	stats := classifier.GetStats()
	assert.Equal(t, int64(5), stats[ErrorTypeTransientNetwork].Count)
	assert.Equal(t, int64(3), stats[ErrorTypeRateLimited].Count)
}

func TestClassify_Nil(t *testing.T) {
	classifier := NewClassifier(nil)
	assert.Nil(t, classifier.Classify(nil, "c", "o"))
	assert.Equal(t, ErrorType(""), TypeOf(nil))
	assert.False(t, IsRetryable(nil))
}

func TestClassifiedError_IsAndUnwrap(t *testing.T) {
	base := fmt.Errorf("boom")
	err := fmt.Errorf("job: %w", Persistence("storage", "upsert", base))

	assert.True(t, errors.Is(err, ErrPersistence))
	assert.False(t, errors.Is(err, ErrRateLimited))
	assert.True(t, errors.Is(err, base))

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "storage", ce.Component)
	assert.Contains(t, ce.Error(), "[storage/persistence] upsert: boom")
}

func TestClassifiedError_WithContext(t *testing.T) {
	ce := New(ErrorTypeRateLimited, "exchange", "fetch_ohlcv", fmt.Errorf("slow down")).
		WithContext("symbol", "BTC/USDT").
		WithContext("retry_after", 2)

	assert.Equal(t, "BTC/USDT", ce.Context["symbol"])
	assert.Equal(t, 2, ce.Context["retry_after"])
	assert.True(t, IsRateLimited(ce))
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, WrapError(nil, "c", "o", "m"))

	base := fmt.Errorf("inner")
	err := WrapError(base, "storage", "upsert", "write failed")
	assert.EqualError(t, err, "write failed in storage.upsert: inner")
	assert.True(t, errors.Is(err, base))
}
