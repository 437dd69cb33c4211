// Package collector runs ingestion: it expands a request into one job per
// (symbol, timeframe), pages each series forward from its cursor through the
// shared rate limiter, persists every page idempotently, heals gaps once per
// job, and reports progress through a per run diagnostics tracker.
//
// Jobs are independent. A failing job is recorded and logged; it never aborts
// its siblings. Only request validation errors abort a run, and they do so
// before any job is scheduled.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/diagnostics"
	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/gaps"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/progress"
	"github.com/johnayoung/go-ohlcv-ingest/internal/retry"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

const opFetchOHLCV = "fetch_ohlcv"

// Source is the exchange surface the orchestrator pages through.
type Source interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]models.Candle, error)
	Name() string
}

// Options tunes a run. Zero values fall back to the production defaults.
type Options struct {
	MaxWorkers      int
	BatchSize       int
	RetryAttempts   int
	RequestCooldown time.Duration
	MaxCooldown     time.Duration
	RequestTimeout  time.Duration

	// Lookback returns the history horizon of a series without a cursor.
	Lookback func(timeframe string) time.Duration

	Overlap         time.Duration
	Retention       time.Duration
	PageSleep       time.Duration
	SummaryInterval time.Duration

	HealEnabled   bool
	HealScanLimit int
}

// DefaultOptions mirrors config.DefaultConfig.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig().Ingestion)
}

// OptionsFromConfig maps the ingestion section onto run options.
func OptionsFromConfig(in config.IngestionConfig) Options {
	return Options{
		MaxWorkers:      in.MaxWorkers,
		BatchSize:       in.BatchSize,
		RetryAttempts:   in.RetryAttempts,
		RequestCooldown: in.RequestCooldown,
		MaxCooldown:     in.MaxCooldown,
		RequestTimeout:  in.RequestTimeout,
		Lookback:        in.Lookback,
		Overlap:         in.Overlap,
		Retention:       in.Retention,
		PageSleep:       in.PageSleep,
		SummaryInterval: in.SummaryInterval,
		HealEnabled:     in.HealEnabled,
		HealScanLimit:   in.HealScanLimit,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 10
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	o.BatchSize = models.ClampLimit(o.BatchSize)
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.MaxCooldown <= 0 {
		o.MaxCooldown = retry.DefaultMaxCooldown
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = retry.DefaultCallTimeout
	}
	if o.Lookback == nil {
		o.Lookback = func(string) time.Duration { return 365 * 24 * time.Hour }
	}
	if o.SummaryInterval <= 0 {
		o.SummaryInterval = diagnostics.DefaultSummaryInterval
	}
}

// RunRequest selects what to ingest. StartTS only applies to series without
// a cursor; EndTS bounds the persisted range when set.
type RunRequest struct {
	Symbols    []string
	Timeframes []string
	StartTS    *time.Time
	EndTS      *time.Time
}

// RunResult is returned once every job of a run is terminal.
type RunResult struct {
	RunID     string               `json:"run_id"`
	State     models.RunState      `json:"state"`
	Jobs      []models.JobSnapshot `json:"jobs"`
	Completed int                  `json:"completed"`
	Failed    int                  `json:"failed"`
	Inserted  int                  `json:"inserted"`
	Healed    int                  `json:"healed"`
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records run activity on a Prometheus collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProgressStore persists run snapshots on every job transition.
func WithProgressStore(s progress.Store) Option {
	return func(o *Orchestrator) { o.progress = s }
}

// WithListener subscribes l to the tracker of every run.
func WithListener(l diagnostics.Listener) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, l) }
}

// WithCompletionCallback installs cb on the tracker of every run.
func WithCompletionCallback(cb diagnostics.CompletionCallback) Option {
	return func(o *Orchestrator) { o.callback = cb }
}

// WithClock overrides time.Now for start resolution, retention and diagnostics.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs ingestion requests against one store and one exchange.
// The gate is shared by every run so that pacing is process wide.
type Orchestrator struct {
	store  storage.CandleStore
	source Source
	gate   retry.Gate
	opts   Options

	metrics   *metrics.Collector
	progress  progress.Store
	listeners []diagnostics.Listener
	callback  diagnostics.CompletionCallback
	logger    *slog.Logger
	// base is the untagged logger handed to per run collaborators, which
	// add their own component.
	base *slog.Logger
	now  func() time.Time

	mu      sync.RWMutex
	current *diagnostics.Tracker
}

// New creates an orchestrator.
func New(store storage.CandleStore, source Source, gate retry.Gate, opts Options, log *slog.Logger, options ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	opts.applyDefaults()
	o := &Orchestrator{
		store:  store,
		source: source,
		gate:   gate,
		opts:   opts,
		logger: log.With("component", "orchestrator"),
		base:   log,
		now:    time.Now,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Options returns the effective run options.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// Current returns the tracker of the latest run, or nil before the first run.
func (o *Orchestrator) Current() *diagnostics.Tracker {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// run bundles the per run collaborators.
type run struct {
	id       string
	req      RunRequest
	tracker  *diagnostics.Tracker
	executor *retry.Executor
	healer   *gaps.Healer
	recorder *progress.Recorder
}

// Validate checks a request without running it.
func (o *Orchestrator) Validate(req RunRequest) error {
	if len(req.Symbols) == 0 {
		return ingesterrors.Configuration("orchestrator", "symbol list is empty")
	}
	if len(req.Timeframes) == 0 {
		return ingesterrors.Configuration("orchestrator", "timeframe list is empty")
	}
	seen := make(map[string]bool, len(req.Symbols))
	for _, s := range req.Symbols {
		if s == "" {
			return ingesterrors.Configuration("orchestrator", "symbol list contains an empty symbol")
		}
		if seen[s] {
			return ingesterrors.Configuration("orchestrator", "duplicate symbol %q", s)
		}
		seen[s] = true
	}
	seen = make(map[string]bool, len(req.Timeframes))
	for _, tf := range req.Timeframes {
		if !models.IsValidTimeframe(tf) {
			return ingesterrors.Configuration("orchestrator", "unsupported timeframe %q", tf)
		}
		if seen[tf] {
			return ingesterrors.Configuration("orchestrator", "duplicate timeframe %q", tf)
		}
		seen[tf] = true
	}
	if req.StartTS != nil && req.EndTS != nil && req.StartTS.After(*req.EndTS) {
		return ingesterrors.Configuration("orchestrator", "start %s is after end %s",
			req.StartTS.UTC().Format(time.RFC3339), req.EndTS.UTC().Format(time.RFC3339))
	}
	return nil
}

// Run ingests every (symbol, timeframe) of req and returns once all jobs are
// terminal. A configuration error is returned before any job runs. When ctx
// is cancelled the in-flight pages are persisted, queued jobs fail with the
// context error, and the result is returned together with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := o.Validate(req); err != nil {
		return nil, err
	}

	startedAt := o.now().UTC()
	r := o.newRun(req)
	ctx = logger.WithRunID(ctx, r.id)

	jobs := o.buildJobs(r.id, req)
	r.tracker.Track(jobs)

	o.mu.Lock()
	o.current = r.tracker
	o.mu.Unlock()

	o.logger.Info("Run started",
		"run_id", r.id,
		"symbols", len(req.Symbols),
		"timeframes", req.Timeframes,
		"jobs", len(jobs),
		"max_workers", o.opts.MaxWorkers,
		"batch_size", o.opts.BatchSize)

	summaryCtx, stopSummary := context.WithCancel(ctx)
	summaryDone := r.tracker.StartSummaryLoop(summaryCtx, o.opts.SummaryInterval)

	pool := NewWorkerPool(o.opts.MaxWorkers, o.logger)
	if err := pool.Start(); err != nil {
		stopSummary()
		<-summaryDone
		if r.recorder != nil {
			r.recorder.Close()
		}
		return nil, err
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		pool.Submit(ctx, Task{ID: job.ID, Run: func(ctx context.Context) error {
			return o.runJob(ctx, r, job)
		}}, func(err error) {
			defer wg.Done()
			if err == nil {
				return
			}
			if state := job.Snapshot().State; !state.IsTerminal() {
				o.failJob(r, job, err, state == models.JobRunning)
			}
		})
	}
	wg.Wait()
	if err := pool.Stop(context.Background()); err != nil {
		o.logger.Warn("Worker pool stop failed", "error", err)
	}

	stopSummary()
	<-summaryDone

	state, runErr := models.RunCompleted, error(nil)
	if err := ctx.Err(); err != nil {
		state, runErr = models.RunFailed, err
	}
	r.tracker.Finish(state, runErr)
	if r.recorder != nil {
		r.recorder.Close()
	}

	result := o.result(r.id, state, jobs, startedAt)
	if o.metrics != nil {
		o.metrics.SetRunPercent(100)
	}
	o.logger.Info("Run finished",
		"run_id", r.id,
		"state", state,
		"completed", result.Completed,
		"failed", result.Failed,
		"inserted", result.Inserted,
		"healed", result.Healed,
		"duration", result.Duration.Round(time.Millisecond))
	return result, runErr
}

func (o *Orchestrator) newRun(req RunRequest) *run {
	id := uuid.NewString()

	trackerOpts := []diagnostics.Option{diagnostics.WithClock(o.now)}
	if o.callback != nil {
		trackerOpts = append(trackerOpts, diagnostics.WithCompletionCallback(o.callback))
	}
	for _, l := range o.listeners {
		trackerOpts = append(trackerOpts, diagnostics.WithListener(l))
	}
	tracker := diagnostics.NewTracker(id, o.opts.MaxWorkers, o.base, trackerOpts...)
	var recorder *progress.Recorder
	if o.progress != nil {
		recorder = progress.NewRecorder(o.progress, tracker, o.logger)
		tracker.Subscribe(recorder.Listener())
	}
	if o.metrics != nil {
		m := o.metrics
		tracker.Subscribe(func(ev diagnostics.Event) { m.SetRunPercent(ev.Run.Percent) })
	}

	observers := []retry.Observer{tracker}
	if o.metrics != nil {
		observers = append(observers, o.metrics)
	}
	executor := retry.NewExecutor(retry.Config{
		RetryAttempts: o.opts.RetryAttempts,
		BaseCooldown:  retry.BaseCooldown(o.opts.RequestCooldown),
		MaxCooldown:   o.opts.MaxCooldown,
		CallTimeout:   o.opts.RequestTimeout,
	}, o.gate, nil, o.logger, observers...)

	healer := gaps.NewHealer(o.store, o.source, executor, gaps.Config{
		ScanLimit: o.opts.HealScanLimit,
		PageLimit: o.opts.BatchSize,
	}, o.base)

	return &run{id: id, req: req, tracker: tracker, executor: executor, healer: healer, recorder: recorder}
}

func (o *Orchestrator) buildJobs(runID string, req RunRequest) []*models.Job {
	exchangeName := o.source.Name()
	jobs := make([]*models.Job, 0, len(req.Symbols)*len(req.Timeframes))
	for _, symbol := range req.Symbols {
		for _, tf := range req.Timeframes {
			jobs = append(jobs, models.NewJob(runID, models.SeriesKey{
				Exchange:  exchangeName,
				Symbol:    symbol,
				Timeframe: tf,
			}))
		}
	}
	return jobs
}

// runJob drives one job through Running to a terminal state.
func (o *Orchestrator) runJob(ctx context.Context, r *run, job *models.Job) error {
	if err := ctx.Err(); err != nil {
		o.failJob(r, job, err, false)
		return err
	}
	if err := job.Start(); err != nil {
		return err
	}
	r.tracker.TaskStarted(job)
	if o.metrics != nil {
		o.metrics.JobStarted()
	}

	ctx = logger.WithJobID(ctx, job.ID)
	ctx = logger.WithSeries(ctx, job.Key.Symbol, job.Key.Timeframe)

	if err := o.ingest(ctx, r, job); err != nil {
		o.failJob(r, job, err, true)
		return err
	}

	if err := job.Complete(); err != nil {
		return err
	}
	r.tracker.TaskCompleted(job)
	if o.metrics != nil {
		o.metrics.JobFinished(models.JobCompleted, true)
	}
	return nil
}

func (o *Orchestrator) failJob(r *run, job *models.Job, err error, started bool) {
	if ferr := job.Fail(err.Error()); ferr != nil {
		return
	}
	r.tracker.TaskFailed(job, err)
	if o.metrics != nil {
		o.metrics.JobFinished(models.JobFailed, started)
	}
}

// resolveStart returns where paging begins: just after the cursor minus the
// overlap when a cursor exists, else the explicit start, else the lookback
// horizon.
func (o *Orchestrator) resolveStart(ctx context.Context, key models.SeriesKey, step time.Duration, explicit *time.Time) (time.Time, bool, error) {
	cursor, ok, err := o.store.GetLastTS(ctx, key)
	if err != nil {
		return time.Time{}, false, ingesterrors.Persistence("orchestrator", "get_cursor", err)
	}
	if ok {
		return cursor.Add(step - o.opts.Overlap), true, nil
	}
	if explicit != nil {
		return explicit.UTC(), false, nil
	}
	return o.now().UTC().Add(-o.opts.Lookback(key.Timeframe)), false, nil
}

// ingest pages one series forward until a short page and heals it once.
func (o *Orchestrator) ingest(ctx context.Context, r *run, job *models.Job) error {
	key := job.Key
	pair := key.Pair()
	log := logger.FromContext(ctx, o.logger)

	step, err := models.TimeframeStep(key.Timeframe)
	if err != nil {
		return ingesterrors.Configuration("orchestrator", "%v", err)
	}

	since, resumed, err := o.resolveStart(ctx, key, step, r.req.StartTS)
	if err != nil {
		return err
	}
	target := o.now().UTC()
	if r.req.EndTS != nil {
		target = r.req.EndTS.UTC()
	}
	r.tracker.RegisterPair(pair, since, target)
	log.Debug("Resolved start", "since", since.Format(time.RFC3339), "resumed", resumed, "target", target.Format(time.RFC3339))

	limit := o.opts.BatchSize
	inserted := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var page []models.Candle
		err := r.executor.Do(ctx, retry.Call{Operation: opFetchOHLCV, Pair: pair}, func(callCtx context.Context) error {
			rows, err := o.source.FetchOHLCV(callCtx, key.Symbol, key.Timeframe, since, limit)
			if err != nil {
				return err
			}
			page = rows
			return nil
		})
		if err != nil {
			return err
		}

		rows, dropped, pastEnd := filterPage(key, page, r.req.EndTS)
		if dropped > 0 {
			log.Warn("Dropped malformed candles", "dropped", dropped, "page_size", len(page))
		}

		n, err := o.persistPage(ctx, key, rows)
		if err != nil {
			return err
		}
		job.RecordPage(n, dropped)
		inserted += n
		if len(rows) > 0 {
			lastTS := models.MaxTimestamp(rows)
			r.tracker.UpdateProgress(pair, lastTS)
			if o.metrics != nil {
				o.metrics.RecordPage(key, n, dropped, lastTS)
			}
		}

		if len(page) < limit || pastEnd {
			break
		}

		next := models.MaxTimestamp(page).Add(step)
		if !next.After(since) {
			log.Warn("Page did not advance, stopping", "since", since.Format(time.RFC3339))
			break
		}
		since = next
		if r.req.EndTS != nil && since.After(*r.req.EndTS) {
			break
		}

		if o.opts.PageSleep > 0 {
			select {
			case <-time.After(o.opts.PageSleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if inserted > 0 && o.opts.HealEnabled {
		o.heal(ctx, r, job)
	}
	return nil
}

// filterPage drops rows that fail validation or lie past end. pastEnd
// reports whether the page reached beyond end.
func filterPage(key models.SeriesKey, page []models.Candle, end *time.Time) ([]models.Candle, int, bool) {
	rows := make([]models.Candle, 0, len(page))
	dropped := 0
	pastEnd := false
	for _, c := range page {
		if end != nil && c.Timestamp.After(*end) {
			pastEnd = true
			continue
		}
		c.Exchange = key.Exchange
		c.Symbol = key.Symbol
		c.Timeframe = key.Timeframe
		if err := c.Validate(); err != nil {
			dropped++
			continue
		}
		rows = append(rows, c)
	}
	return rows, dropped, pastEnd
}

// persistPage upserts rows, advances the cursor and applies retention. It
// runs detached from cancellation so that a fetched page is never lost half
// way. The cursor only moves after the upsert succeeded.
func (o *Orchestrator) persistPage(ctx context.Context, key models.SeriesKey, rows []models.Candle) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	wctx := context.WithoutCancel(ctx)

	n, err := o.store.UpsertCandles(wctx, rows)
	if err != nil {
		return 0, ingesterrors.Persistence("orchestrator", "upsert", err)
	}
	if err := o.store.UpdateLastTS(wctx, key, models.MaxTimestamp(rows)); err != nil {
		return 0, ingesterrors.Persistence("orchestrator", "update_cursor", err)
	}

	if o.opts.Retention > 0 {
		cutoff := o.now().UTC().Add(-o.opts.Retention)
		deleted, err := o.store.DeleteBefore(wctx, key, cutoff)
		if err != nil {
			return 0, ingesterrors.Persistence("orchestrator", "retention", err)
		}
		if deleted > 0 {
			logger.FromContext(ctx, o.logger).Debug("Retention removed candles", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
		}
		if o.metrics != nil {
			o.metrics.RecordRetention(key, deleted)
		}
	}
	return n, nil
}

// heal runs the gap healer once. Failures are logged and never fail the job.
func (o *Orchestrator) heal(ctx context.Context, r *run, job *models.Job) {
	log := logger.FromContext(ctx, o.logger)

	report, err := r.healer.Heal(ctx, job.Key)
	if report != nil {
		job.RecordHeal(report.RowsInserted)
		if o.metrics != nil {
			o.metrics.RecordHeal(job.Key, report.GapsFound, report.GapsHealed, report.GapsFailed, report.RowsInserted)
		}
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("Gap healing failed", "error", err)
		}
		return
	}
	if report.GapsFound > 0 {
		log.Info("Gaps healed",
			"found", report.GapsFound,
			"healed", report.GapsHealed,
			"failed", report.GapsFailed,
			"rows", report.RowsInserted)
	}
}

func (o *Orchestrator) result(runID string, state models.RunState, jobs []*models.Job, startedAt time.Time) *RunResult {
	res := &RunResult{
		RunID:     runID,
		State:     state,
		Jobs:      make([]models.JobSnapshot, 0, len(jobs)),
		StartedAt: startedAt,
		Duration:  o.now().UTC().Sub(startedAt),
	}
	for _, job := range jobs {
		snap := job.Snapshot()
		res.Jobs = append(res.Jobs, snap)
		switch snap.State {
		case models.JobCompleted:
			res.Completed++
		case models.JobFailed:
			res.Failed++
		}
		res.Inserted += snap.Inserted
		res.Healed += snap.Healed
	}
	return res
}

// Job returns the snapshot of symbol at timeframe, if present.
func (r *RunResult) Job(symbol, timeframe string) (models.JobSnapshot, bool) {
	for _, j := range r.Jobs {
		if j.Symbol == symbol && j.Timeframe == timeframe {
			return j, true
		}
	}
	return models.JobSnapshot{}, false
}

// String summarises the run for CLI output.
func (r *RunResult) String() string {
	return fmt.Sprintf("run %s %s: %d completed, %d failed, %d inserted, %d healed in %s",
		r.RunID, r.State, r.Completed, r.Failed, r.Inserted, r.Healed, r.Duration.Round(time.Millisecond))
}
