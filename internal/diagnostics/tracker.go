// Package diagnostics tracks the progress of one ingestion run: job counters,
// per pair latency and time based completion, a sliding request rate window,
// periodic summaries and a once per pair completion callback.
//
// A Tracker is owned by a single run and injected into every worker. It is
// safe for concurrent use.
package diagnostics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/retry"
)

const (
	// RateWindow is the trailing window of the request rate estimate.
	RateWindow = 60 * time.Second

	// DefaultSummaryInterval is how often StartSummaryLoop logs by default.
	DefaultSummaryInterval = 3 * time.Second

	// emitStep is the minimum percent change that triggers a progress emit.
	emitStep = 1.0
)

// EventType names a pushed update.
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventProgress      EventType = "progress"
	EventRunFinished   EventType = "run.finished"
)

// Event is one incremental update delivered to listeners.
type Event struct {
	Type      EventType           `json:"type"`
	RunID     string              `json:"run_id"`
	Pair      models.PairKey      `json:"pair"`
	Percent   float64             `json:"percent,omitempty"`
	LastTS    time.Time           `json:"last_ts,omitempty"`
	Job       *models.JobSnapshot `json:"job,omitempty"`
	Run       models.RunProgress  `json:"run"`
	Timestamp time.Time           `json:"timestamp"`
}

// Listener receives events. It is called synchronously and must not block.
type Listener func(Event)

// CompletionCallback fires once per pair the first time it reaches Completed.
type CompletionCallback func(job models.JobSnapshot)

// LatencyStats aggregates successful response times of one pair.
type LatencyStats struct {
	Requests int           `json:"requests"`
	Total    time.Duration `json:"total"`
	Retries  int           `json:"retries"`
}

// Average returns the mean latency, zero before the first response.
func (s LatencyStats) Average() time.Duration {
	if s.Requests == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Requests)
}

// Summary is the periodic status line.
type Summary struct {
	Active      int
	MaxWorkers  int
	Completed   int
	Failed      int
	Total       int
	RatePerMin  float64
	Percent     float64
	Retries     int
	RateLimited int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithCompletionCallback sets the completion callback.
func WithCompletionCallback(cb CompletionCallback) Option {
	return func(t *Tracker) { t.callback = cb }
}

// WithListener registers an event listener.
func WithListener(l Listener) Option {
	return func(t *Tracker) { t.listeners = append(t.listeners, l) }
}

// Tracker implements retry.Observer so that it sees every upstream call.
type Tracker struct {
	mu sync.Mutex

	runID      string
	state      models.RunState
	runErr     string
	maxWorkers int

	jobs      []*models.Job
	active    int
	completed int
	failed    int
	current   models.PairKey

	progress map[models.PairKey]*models.PairProgress
	latency  map[models.PairKey]*LatencyStats
	started  map[models.PairKey]struct{}
	ends     map[models.PairKey]struct{}

	retries     int
	rateLimited int

	rateMu   sync.Mutex
	requests []time.Time

	callback  CompletionCallback
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time
}

// NewTracker creates a tracker for runID sized for maxWorkers concurrent jobs.
func NewTracker(runID string, maxWorkers int, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		runID:      runID,
		state:      models.RunPending,
		maxWorkers: maxWorkers,
		progress:   make(map[models.PairKey]*models.PairProgress),
		latency:    make(map[models.PairKey]*LatencyStats),
		started:    make(map[models.PairKey]struct{}),
		ends:       make(map[models.PairKey]struct{}),
		logger:     logger.With("component", "diagnostics", "run_id", runID),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetCompletionCallback replaces the completion callback.
func (t *Tracker) SetCompletionCallback(cb CompletionCallback) {
	t.mu.Lock()
	t.callback = cb
	t.mu.Unlock()
}

// Subscribe adds a listener.
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Track registers the jobs of the run and marks it running.
func (t *Tracker) Track(jobs []*models.Job) {
	t.mu.Lock()
	t.jobs = append(t.jobs[:0], jobs...)
	t.state = models.RunRunning
	t.mu.Unlock()
}

// TaskStarted records a job picked up by a worker.
func (t *Tracker) TaskStarted(job *models.Job) {
	key := pairOf(job)

	t.mu.Lock()
	if _, ok := t.started[key]; !ok {
		t.started[key] = struct{}{}
		t.active++
	}
	t.current = key
	active := t.active
	t.mu.Unlock()

	t.logger.Info("Task started", "symbol", key.Symbol, "timeframe", key.Timeframe, "active", active)
	snap := job.Snapshot()
	t.emit(Event{Type: EventTaskStarted, Pair: key, Job: &snap})
}

// TaskCompleted records a job that finished. The completion callback fires
// only on the first completion of the pair.
func (t *Tracker) TaskCompleted(job *models.Job) {
	key := pairOf(job)
	snap := job.Snapshot()

	t.mu.Lock()
	first := t.finishLocked(key)
	if first {
		t.completed++
	}
	cb := t.callback
	active, completed, total := t.active, t.completed+t.failed, len(t.jobs)
	avg := time.Duration(0)
	if s := t.latency[key]; s != nil {
		avg = s.Average()
	}
	t.mu.Unlock()

	if cb != nil && first {
		t.safeCallback(cb, snap)
	}
	t.CompletePair(key)

	t.logger.Info("Task completed",
		"symbol", key.Symbol,
		"timeframe", key.Timeframe,
		"inserted", snap.Inserted,
		"healed", snap.Healed,
		"avg_response", avg.Round(time.Millisecond),
		"done", completed,
		"total", total,
		"active", active)
	t.emit(Event{Type: EventTaskCompleted, Pair: key, Job: &snap, Percent: 100})
}

// TaskFailed records a job that stopped on err.
func (t *Tracker) TaskFailed(job *models.Job, err error) {
	key := pairOf(job)
	snap := job.Snapshot()

	t.mu.Lock()
	if t.finishLocked(key) {
		t.failed++
	}
	active, done, total := t.active, t.completed+t.failed, len(t.jobs)
	t.mu.Unlock()

	t.logger.Error("Task failed",
		"symbol", key.Symbol,
		"timeframe", key.Timeframe,
		"error_type", ingesterrors.TypeOf(err),
		"error", reason(err),
		"done", done,
		"total", total,
		"active", active)
	t.emit(Event{Type: EventTaskFailed, Pair: key, Job: &snap})
}

// finishLocked reports whether this is the first terminal event of key and
// releases its active slot if the job had started.
func (t *Tracker) finishLocked(key models.PairKey) bool {
	if _, ok := t.ends[key]; ok {
		return false
	}
	t.ends[key] = struct{}{}
	if _, ok := t.started[key]; ok && t.active > 0 {
		t.active--
	}
	return true
}

func (t *Tracker) safeCallback(cb CompletionCallback, snap models.JobSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("Completion callback failed", "symbol", snap.Symbol, "timeframe", snap.Timeframe, "panic", r)
		}
	}()
	cb(snap)
}

// RegisterPair sets the time window used to compute the percent of key.
func (t *Tracker) RegisterPair(key models.PairKey, start, target time.Time) {
	t.mu.Lock()
	t.progress[key] = &models.PairProgress{Key: key, Start: start, Target: target, LastPercent: -1}
	t.mu.Unlock()
}

// UpdateProgress records the latest persisted timestamp of key and reports
// whether an update was emitted: on the first update, on a change of at
// least one percentage point, or on reaching 100.
func (t *Tracker) UpdateProgress(key models.PairKey, lastTS time.Time) bool {
	t.mu.Lock()
	p, ok := t.progress[key]
	if !ok {
		t.mu.Unlock()
		return false
	}
	p.LastTS = lastTS
	percent := p.Percent()
	emit := !p.Reported || percent >= p.LastPercent+emitStep || (percent >= 100 && p.LastPercent < 100)
	if emit {
		p.LastPercent = percent
		p.Reported = true
	}
	t.mu.Unlock()

	if emit {
		t.logger.Info("Progress",
			"symbol", key.Symbol,
			"timeframe", key.Timeframe,
			"percent", roundTenth(percent),
			"up_to", lastTS.UTC().Format(time.RFC3339))
		t.emit(Event{Type: EventProgress, Pair: key, Percent: percent, LastTS: lastTS})
	}
	return emit
}

// CompletePair forces key to 100 percent, emitting once.
func (t *Tracker) CompletePair(key models.PairKey) {
	t.mu.Lock()
	p, ok := t.progress[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	already := p.LastPercent >= 100
	p.LastPercent = 100
	p.Reported = true
	if p.LastTS.Before(p.Target) {
		p.LastTS = p.Target
	}
	target := p.Target
	t.mu.Unlock()

	if !already {
		t.logger.Info("Progress",
			"symbol", key.Symbol,
			"timeframe", key.Timeframe,
			"percent", 100.0,
			"up_to", target.UTC().Format(time.RFC3339))
		t.emit(Event{Type: EventProgress, Pair: key, Percent: 100, LastTS: target})
	}
}

// PairPercent returns the last computed percent of key.
func (t *Tracker) PairPercent(key models.PairKey) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.progress[key]; ok {
		return p.Percent()
	}
	return 0
}

// ObserveCall implements retry.Observer.
func (t *Tracker) ObserveCall(call retry.Call, latency time.Duration, errType ingesterrors.ErrorType) {
	t.recordRequest()

	t.mu.Lock()
	defer t.mu.Unlock()
	if errType == ingesterrors.ErrorTypeRateLimited {
		t.rateLimited++
	}
	if errType != "" || call.Pair.Symbol == "" {
		return
	}
	s := t.latency[call.Pair]
	if s == nil {
		s = &LatencyStats{}
		t.latency[call.Pair] = s
	}
	s.Requests++
	s.Total += latency
}

// ObserveRetry implements retry.Observer.
func (t *Tracker) ObserveRetry(call retry.Call, attempt int, cooldown time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retries++
	if s := t.latency[call.Pair]; s != nil {
		s.Retries++
	} else if call.Pair.Symbol != "" {
		t.latency[call.Pair] = &LatencyStats{Retries: 1}
	}
}

// Latency returns the latency stats of key.
func (t *Tracker) Latency(key models.PairKey) LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.latency[key]; s != nil {
		return *s
	}
	return LatencyStats{}
}

func (t *Tracker) recordRequest() {
	now := t.now()
	t.rateMu.Lock()
	t.requests = append(t.requests, now)
	t.trimLocked(now)
	t.rateMu.Unlock()
}

func (t *Tracker) trimLocked(now time.Time) {
	cutoff := now.Add(-RateWindow)
	i := 0
	for i < len(t.requests) && t.requests[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.requests = append(t.requests[:0], t.requests[i:]...)
	}
}

// RequestRate estimates requests per minute from the trailing window: the
// number of calls in the window scaled by the time since the oldest one.
func (t *Tracker) RequestRate() float64 {
	now := t.now()
	t.rateMu.Lock()
	defer t.rateMu.Unlock()

	t.trimLocked(now)
	if len(t.requests) == 0 {
		return 0
	}
	elapsed := now.Sub(t.requests[0])
	if elapsed <= 0 {
		return float64(len(t.requests))
	}
	return float64(len(t.requests)) * float64(time.Minute) / float64(elapsed)
}

// Counts returns active, completed, failed and total jobs.
func (t *Tracker) Counts() (active, completed, failed, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, t.completed, t.failed, len(t.jobs)
}

// Summary returns the values logged by the summary loop.
func (t *Tracker) Summary() Summary {
	rate := t.RequestRate()
	run := t.RunProgress()

	t.mu.Lock()
	defer t.mu.Unlock()
	return Summary{
		Active:      t.active,
		MaxWorkers:  t.maxWorkers,
		Completed:   t.completed,
		Failed:      t.failed,
		Total:       len(t.jobs),
		RatePerMin:  rate,
		Percent:     run.Percent,
		Retries:     t.retries,
		RateLimited: t.rateLimited,
	}
}

// StartSummaryLoop logs a summary every interval until ctx ends. The
// returned channel is closed when the loop exits.
func (t *Tracker) StartSummaryLoop(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultSummaryInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := t.Summary()
				t.logger.Info("Status",
					"active", s.Active,
					"max_workers", s.MaxWorkers,
					"completed", s.Completed,
					"failed", s.Failed,
					"total", s.Total,
					"percent", roundTenth(s.Percent),
					"rate_per_min", roundTenth(s.RatePerMin),
					"retries", s.Retries)
			}
		}
	}()
	return done
}

// Finish marks the run terminal and pushes a final event.
func (t *Tracker) Finish(state models.RunState, err error) {
	t.mu.Lock()
	t.state = state
	if err != nil {
		t.runErr = err.Error()
	}
	t.mu.Unlock()
	t.emit(Event{Type: EventRunFinished})
}

// RunProgress returns the aggregate snapshot of the run. Percent counts
// terminal jobs as whole units and adds the time based fraction of every
// running job.
func (t *Tracker) RunProgress() models.RunProgress {
	t.mu.Lock()
	jobs := append([]*models.Job(nil), t.jobs...)
	rp := models.RunProgress{
		RunID:            t.runID,
		State:            t.state,
		Total:            len(t.jobs),
		Completed:        t.completed,
		Failed:           t.failed,
		Active:           t.active,
		CurrentSymbol:    t.current.Symbol,
		CurrentTimeframe: t.current.Timeframe,
		Error:            t.runErr,
		UpdatedAt:        t.now().UTC(),
	}
	var inflight float64
	for _, job := range jobs {
		key := pairOf(job)
		if _, ended := t.ends[key]; ended {
			continue
		}
		if p, ok := t.progress[key]; ok {
			inflight += p.Fraction()
		}
	}
	t.mu.Unlock()

	switch {
	case rp.State == models.RunCompleted || rp.State == models.RunFailed:
		rp.Percent = 100
	case rp.Total > 0:
		rp.Percent = (float64(rp.Completed+rp.Failed) + inflight) / float64(rp.Total) * 100
		if rp.Percent > 100 {
			rp.Percent = 100
		}
	}

	rp.Pairs = make([]models.JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		rp.Pairs = append(rp.Pairs, job.Snapshot())
	}
	sort.Slice(rp.Pairs, func(i, j int) bool { return rp.Pairs[i].ID < rp.Pairs[j].ID })
	return rp
}

func (t *Tracker) emit(ev Event) {
	t.mu.Lock()
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	ev.RunID = t.runID
	ev.Timestamp = t.now().UTC()
	ev.Run = t.RunProgress()
	ev.Run.Pairs = nil
	for _, l := range listeners {
		l(ev)
	}
}

func pairOf(job *models.Job) models.PairKey {
	return job.Key.Pair()
}

func roundTenth(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}

const maxReasonRunes = 160

// reason shortens long error texts for log lines on a rune boundary.
func reason(err error) string {
	if err == nil {
		return ""
	}
	runes := []rune(err.Error())
	if len(runes) > maxReasonRunes {
		return string(runes[:maxReasonRunes-3]) + "..."
	}
	return string(runes)
}

var _ retry.Observer = (*Tracker)(nil)
