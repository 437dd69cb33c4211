package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState_Clamps(t *testing.T) {
	s := NewState(5*time.Second, DefaultMinDelay, DefaultMaxDelay)
	assert.Equal(t, DefaultMaxDelay, s.Delay)

	s = NewState(time.Millisecond, DefaultMinDelay, DefaultMaxDelay)
	assert.Equal(t, DefaultMinDelay, s.Delay)

	s = NewState(time.Second, time.Second, 10*time.Millisecond)
	assert.Equal(t, time.Second, s.Max)
	assert.Equal(t, time.Second, s.Delay)
}

func TestState_FastSuccessesDecreaseByOneStep(t *testing.T) {
	tuning := DefaultTuning()
	s := NewState(DefaultInitialDelay, DefaultMinDelay, DefaultMaxDelay)

	for i := 0; i < tuning.SmoothingThreshold-1; i++ {
		s = s.OnSuccess(100*time.Millisecond, tuning)
		assert.Equal(t, DefaultInitialDelay, s.Delay, "delay must hold before the threshold")
	}
	s = s.OnSuccess(100*time.Millisecond, tuning)
	assert.Equal(t, DefaultInitialDelay-tuning.Step, s.Delay)
	assert.Equal(t, 0, s.Smoothing)
}

func TestState_DecreaseClampedAtMin(t *testing.T) {
	tuning := DefaultTuning()
	s := NewState(DefaultMinDelay, DefaultMinDelay, DefaultMaxDelay)

	for i := 0; i < tuning.SmoothingThreshold*3; i++ {
		s = s.OnSuccess(time.Millisecond, tuning)
	}
	assert.Equal(t, DefaultMinDelay, s.Delay)
}

func TestState_SlowSuccessIncreases(t *testing.T) {
	tuning := DefaultTuning()
	s := NewState(DefaultInitialDelay, DefaultMinDelay, DefaultMaxDelay)
	s.Smoothing = 7

	s = s.OnSuccess(tuning.SlowThreshold+time.Millisecond, tuning)
	assert.Equal(t, DefaultInitialDelay+tuning.Step, s.Delay)
	assert.Equal(t, 0, s.Smoothing)

	// Exactly at the threshold counts as fast.
	s = s.OnSuccess(tuning.SlowThreshold, tuning)
	assert.Equal(t, DefaultInitialDelay+tuning.Step, s.Delay)
	assert.Equal(t, 1, s.Smoothing)
}

func TestState_RateLimitIncreasesRegardlessOfSmoothing(t *testing.T) {
	tuning := DefaultTuning()

	for _, smoothing := range []int{0, 5, tuning.SmoothingThreshold - 1} {
		s := NewState(DefaultInitialDelay, DefaultMinDelay, DefaultMaxDelay)
		s.Smoothing = smoothing

		s = s.OnRateLimit(tuning)
		assert.Equal(t, DefaultInitialDelay+tuning.Step, s.Delay)
		assert.Equal(t, 0, s.Smoothing)
	}

	s := NewState(DefaultMaxDelay, DefaultMinDelay, DefaultMaxDelay)
	s = s.OnRateLimit(tuning)
	assert.Equal(t, DefaultMaxDelay, s.Delay)
}

func TestState_ErrorResetsCounterOnly(t *testing.T) {
	s := NewState(DefaultInitialDelay, DefaultMinDelay, DefaultMaxDelay)
	s.Smoothing = 9

	s = s.OnError()
	assert.Equal(t, DefaultInitialDelay, s.Delay)
	assert.Equal(t, 0, s.Smoothing)
}

func TestLimiter_Transitions(t *testing.T) {
	var observed []time.Duration
	var mu sync.Mutex
	l := New(DefaultInitialDelay, DefaultMinDelay, DefaultMaxDelay, WithObserver(func(d time.Duration) {
		mu.Lock()
		observed = append(observed, d)
		mu.Unlock()
	}))

	l.OnRateLimit()
	assert.Equal(t, DefaultInitialDelay+DefaultStep, l.Delay())

	for i := 0; i < DefaultSmoothingThreshold; i++ {
		l.OnSuccess(10 * time.Millisecond)
	}
	assert.Equal(t, DefaultInitialDelay, l.Delay())

	l.OnError()
	assert.Equal(t, 0, l.State().Smoothing)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{DefaultInitialDelay + DefaultStep, DefaultInitialDelay}, observed)
}

func TestLimiter_WaitSpacesCalls(t *testing.T) {
	delay := 40 * time.Millisecond
	l := New(delay, delay, delay)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	// First call passes immediately, the next two wait one delay each.
	assert.GreaterOrEqual(t, time.Since(start), 2*delay-5*time.Millisecond)
}

func TestLimiter_WaitSharedAcrossGoroutines(t *testing.T) {
	delay := 20 * time.Millisecond
	l := New(delay, delay, delay)
	ctx := context.Background()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Wait(ctx))
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 4*delay-5*time.Millisecond)
}

func TestLimiter_WaitRespectsContext(t *testing.T) {
	l := New(time.Second, time.Second, time.Second)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))
}
