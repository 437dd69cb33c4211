package diagnostics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listen(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

var (
	start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	btc   = models.SeriesKey{Exchange: "mock", Symbol: "BTC/USDT", Timeframe: "1m"}
	eth   = models.SeriesKey{Exchange: "mock", Symbol: "ETH/USDT", Timeframe: "1m"}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(opts ...Option) (*Tracker, *eventLog) {
	events := &eventLog{}
	opts = append(opts, WithListener(events.listen))
	return NewTracker("run-1", 4, quietLogger(), opts...), events
}

func TestTracker_ProgressEmitThrottling(t *testing.T) {
	tr, events := newTestTracker()
	key := btc.Pair()
	tr.RegisterPair(key, start, start.Add(100*time.Minute))

	assert.True(t, tr.UpdateProgress(key, start.Add(30*time.Second)), "first update always emits")
	assert.False(t, tr.UpdateProgress(key, start.Add(60*time.Second)), "0.5pp change is suppressed")
	assert.True(t, tr.UpdateProgress(key, start.Add(96*time.Second)), "1.1pp change emits")
	assert.False(t, tr.UpdateProgress(key, start.Add(100*time.Second)))
	assert.True(t, tr.UpdateProgress(key, start.Add(100*time.Minute)), "reaching 100 emits")
	assert.False(t, tr.UpdateProgress(key, start.Add(101*time.Minute)), "clamped at 100")

	progress := events.ofType(EventProgress)
	require.Len(t, progress, 3)
	assert.InDelta(t, 0.5, progress[0].Percent, 1e-9)
	assert.InDelta(t, 100, progress[2].Percent, 1e-9)

	tr.CompletePair(key)
	assert.Len(t, events.ofType(EventProgress), 3, "complete after 100 does not emit again")
}

func TestTracker_UpdateUnknownPairIgnored(t *testing.T) {
	tr, events := newTestTracker()
	assert.False(t, tr.UpdateProgress(btc.Pair(), start))
	assert.Empty(t, events.ofType(EventProgress))
}

func TestTracker_CompletePairEmitsOnce(t *testing.T) {
	tr, events := newTestTracker()
	key := btc.Pair()
	tr.RegisterPair(key, start, start.Add(time.Hour))
	tr.UpdateProgress(key, start.Add(time.Minute))

	tr.CompletePair(key)
	tr.CompletePair(key)

	progress := events.ofType(EventProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, float64(100), progress[1].Percent)
	assert.Equal(t, float64(100), tr.PairPercent(key))
}

func TestTracker_CompletionCallbackOncePerPair(t *testing.T) {
	var calls []models.JobSnapshot
	tr, _ := newTestTracker(WithCompletionCallback(func(job models.JobSnapshot) {
		calls = append(calls, job)
	}))

	job := models.NewJob("run-1", btc)
	tr.Track([]*models.Job{job})
	require.NoError(t, job.Start())
	tr.TaskStarted(job)
	job.RecordPage(10, 0)
	require.NoError(t, job.Complete())

	tr.TaskCompleted(job)
	tr.TaskCompleted(job)

	require.Len(t, calls, 1)
	assert.Equal(t, "BTC/USDT", calls[0].Symbol)
	assert.Equal(t, 10, calls[0].Inserted)
	assert.Equal(t, models.JobCompleted, calls[0].State)

	active, completed, failed, total := tr.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, total)
}

func TestTracker_CallbackPanicIsContained(t *testing.T) {
	tr, _ := newTestTracker(WithCompletionCallback(func(models.JobSnapshot) { panic("boom") }))
	job := models.NewJob("run-1", btc)
	tr.Track([]*models.Job{job})
	require.NoError(t, job.Start())
	tr.TaskStarted(job)
	require.NoError(t, job.Complete())

	assert.NotPanics(t, func() { tr.TaskCompleted(job) })
}

func TestTracker_TaskFailed(t *testing.T) {
	var calls int
	tr, events := newTestTracker(WithCompletionCallback(func(models.JobSnapshot) { calls++ }))

	running := models.NewJob("run-1", btc)
	queued := models.NewJob("run-1", eth)
	tr.Track([]*models.Job{running, queued})

	require.NoError(t, running.Start())
	tr.TaskStarted(running)
	require.NoError(t, running.Fail("boom"))
	tr.TaskFailed(running, errors.New("boom"))

	// a job cancelled before it started does not touch the active count
	require.NoError(t, queued.Fail(context.Canceled.Error()))
	tr.TaskFailed(queued, context.Canceled)

	active, completed, failed, total := tr.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 2, failed)
	assert.Equal(t, 2, total)
	assert.Zero(t, calls)
	assert.Len(t, events.ofType(EventTaskFailed), 2)
}

func TestTracker_RequestRate(t *testing.T) {
	clock := &fakeClock{now: start}
	tr, _ := newTestTracker(WithClock(clock.Now))
	call := retry.Call{Operation: "fetch_ohlcv", Pair: btc.Pair()}

	assert.Zero(t, tr.RequestRate())

	for i := 0; i < 30; i++ {
		tr.ObserveCall(call, 10*time.Millisecond, "")
		clock.Advance(time.Second)
	}
	// 30 calls spread over 30 seconds
	assert.InDelta(t, 60.0, tr.RequestRate(), 1e-9)

	clock.Advance(45 * time.Second)
	// only calls made in the last 60 seconds remain
	rate := tr.RequestRate()
	assert.Greater(t, rate, 0.0)
	assert.Less(t, rate, 60.0)

	clock.Advance(2 * time.Minute)
	assert.Zero(t, tr.RequestRate())
}

func TestTracker_LatencyStats(t *testing.T) {
	tr, _ := newTestTracker()
	call := retry.Call{Operation: "fetch_ohlcv", Pair: btc.Pair()}

	tr.ObserveCall(call, 100*time.Millisecond, "")
	tr.ObserveCall(call, 300*time.Millisecond, "")
	tr.ObserveCall(call, 5*time.Second, ingesterrors.ErrorTypeTransientNetwork)
	tr.ObserveRetry(call, 1, time.Second, errors.New("timeout"))

	stats := tr.Latency(btc.Pair())
	assert.Equal(t, 2, stats.Requests)
	assert.Equal(t, 200*time.Millisecond, stats.Average())
	assert.Equal(t, 1, stats.Retries)
	assert.Equal(t, LatencyStats{}.Average(), tr.Latency(eth.Pair()).Average())
}

func TestTracker_RunProgress(t *testing.T) {
	tr, _ := newTestTracker()
	keys := []models.SeriesKey{
		btc,
		eth,
		{Exchange: "mock", Symbol: "SOL/USDT", Timeframe: "1m"},
		{Exchange: "mock", Symbol: "XRP/USDT", Timeframe: "1m"},
	}
	jobs := make([]*models.Job, len(keys))
	for i, k := range keys {
		jobs[i] = models.NewJob("run-1", k)
	}
	tr.Track(jobs)

	require.NoError(t, jobs[0].Start())
	tr.TaskStarted(jobs[0])
	require.NoError(t, jobs[0].Complete())
	tr.TaskCompleted(jobs[0])

	require.NoError(t, jobs[1].Start())
	tr.TaskStarted(jobs[1])
	require.NoError(t, jobs[1].Fail("boom"))
	tr.TaskFailed(jobs[1], errors.New("boom"))

	require.NoError(t, jobs[2].Start())
	tr.TaskStarted(jobs[2])
	tr.RegisterPair(keys[2].Pair(), start, start.Add(10*time.Hour))
	tr.UpdateProgress(keys[2].Pair(), start.Add(5*time.Hour))

	rp := tr.RunProgress()
	assert.Equal(t, "run-1", rp.RunID)
	assert.Equal(t, models.RunRunning, rp.State)
	assert.Equal(t, 4, rp.Total)
	assert.Equal(t, 1, rp.Completed)
	assert.Equal(t, 1, rp.Failed)
	assert.Equal(t, 1, rp.Active)
	assert.InDelta(t, 62.5, rp.Percent, 1e-9)
	assert.Equal(t, "SOL/USDT", rp.CurrentSymbol)
	assert.Equal(t, "1m", rp.CurrentTimeframe)
	require.Len(t, rp.Pairs, 4)

	tr.Finish(models.RunCompleted, nil)
	rp = tr.RunProgress()
	assert.Equal(t, models.RunCompleted, rp.State)
	assert.Equal(t, float64(100), rp.Percent)
}

func TestTracker_SummaryLoopStopsOnCancel(t *testing.T) {
	tr, _ := newTestTracker()
	ctx, cancel := context.WithCancel(context.Background())
	done := tr.StartSummaryLoop(ctx, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("summary loop did not stop")
	}

	s := tr.Summary()
	assert.Equal(t, 4, s.MaxWorkers)
}

func TestReason_TruncatesOnRuneBoundary(t *testing.T) {
	assert.Equal(t, "", reason(nil))
	assert.Equal(t, "short", reason(errors.New("short")))

	long := "x" + strings.Repeat("é", 200)
	got := reason(errors.New(long))
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, maxReasonRunes, utf8.RuneCountInString(got))
}
