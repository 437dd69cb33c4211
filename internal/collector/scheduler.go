package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner is the orchestrator surface the scheduler triggers.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// RequestFunc builds the request of one scheduled run. It is called on every
// tick so that the symbol universe can be rediscovered.
type RequestFunc func(ctx context.Context) (RunRequest, error)

// SchedulerStats provides scheduler performance metrics
type SchedulerStats struct {
	Spec        string    `json:"spec"`
	Runs        int64     `json:"runs"`
	Skipped     int64     `json:"skipped"`
	Failed      int64     `json:"failed"`
	Running     bool      `json:"running"`
	LastRunID   string    `json:"last_run_id,omitempty"`
	LastRunTime time.Time `json:"last_run_time"`
	NextRunTime time.Time `json:"next_run_time"`
}

// Scheduler triggers runs on a cron schedule. A tick that fires while the
// previous run is still going is skipped.
type Scheduler struct {
	spec    string
	runner  Runner
	request RequestFunc
	logger  *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running int32
	runs    int64
	skipped int64
	failed  int64

	mu        sync.RWMutex
	lastRunID string
	lastRun   time.Time
}

// NewScheduler validates spec (standard five field cron or a descriptor
// such as "@every 1m") and binds it to runner.
func NewScheduler(spec string, runner Runner, request RequestFunc, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil || request == nil {
		return nil, fmt.Errorf("scheduler requires a runner and a request builder")
	}

	s := &Scheduler{
		spec:    spec,
		runner:  runner,
		request: request,
		logger:  logger.With("component", "scheduler"),
		cron:    cron.New(),
	}
	id, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.entryID = id
	return s, nil
}

// Start begins firing ticks. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Info("Scheduler started", "spec", s.spec, "next_run", s.cron.Entry(s.entryID).Next)
}

// Stop cancels the active run and waits for it, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerNow runs once immediately, honouring the overlap guard.
func (s *Scheduler) TriggerNow() {
	s.tick()
}

func (s *Scheduler) tick() {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		atomic.AddInt64(&s.skipped, 1)
		s.logger.Warn("Previous run still active, skipping tick")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	defer atomic.StoreInt32(&s.running, 0)

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	atomic.AddInt64(&s.runs, 1)
	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.mu.Unlock()

	req, err := s.request(ctx)
	if err != nil {
		atomic.AddInt64(&s.failed, 1)
		s.logger.Error("Failed to build scheduled request", "error", err)
		return
	}

	result, err := s.runner.Run(ctx, req)
	if result != nil {
		s.mu.Lock()
		s.lastRunID = result.RunID
		s.mu.Unlock()
	}
	if err != nil {
		atomic.AddInt64(&s.failed, 1)
		s.logger.Error("Scheduled run failed", "error", err)
		return
	}
	s.logger.Info("Scheduled run finished", "summary", result.String())
}

// GetStats returns a snapshot of the scheduler counters.
func (s *Scheduler) GetStats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SchedulerStats{
		Spec:        s.spec,
		Runs:        atomic.LoadInt64(&s.runs),
		Skipped:     atomic.LoadInt64(&s.skipped),
		Failed:      atomic.LoadInt64(&s.failed),
		Running:     atomic.LoadInt32(&s.running) == 1,
		LastRunID:   s.lastRunID,
		LastRunTime: s.lastRun,
		NextRunTime: s.cron.Entry(s.entryID).Next,
	}
}
