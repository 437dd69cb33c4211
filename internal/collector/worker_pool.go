package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of work for the pool.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// WorkerPool runs tasks on a fixed number of goroutines. Queued tasks are
// always handed to a worker, even after ctx is cancelled, so that every
// submitted task receives exactly one callback.
type WorkerPool struct {
	workerCount int
	logger      *slog.Logger

	jobQueue chan *jobWrapper
	quit     chan struct{}
	wg       sync.WaitGroup

	stats     *workerPoolStats
	isStarted int32
}

// jobWrapper wraps a task with its callback
type jobWrapper struct {
	task     Task
	callback func(error)
	ctx      context.Context
}

type workerPoolStats struct {
	busyWorkers   int32
	queuedJobs    int32
	completedJobs int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

// WorkerPoolStats is a point in time view of the pool.
type WorkerPoolStats struct {
	Workers        int
	BusyWorkers    int
	QueuedJobs     int
	CompletedJobs  int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

// NewWorkerPool creates a new worker pool. A count below one is raised to one.
func NewWorkerPool(workerCount int, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		logger:      logger,
		jobQueue:    make(chan *jobWrapper, workerCount*2),
		quit:        make(chan struct{}),
		stats:       &workerPoolStats{},
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 0, 1) {
		return fmt.Errorf("worker pool is already started")
	}

	wp.logger.Debug("Starting worker pool", "worker_count", wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i + 1)
	}
	return nil
}

// Stop signals the workers to exit once idle and waits for them, bounded by ctx.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 1, 0) {
		return fmt.Errorf("worker pool is not started")
	}

	close(wp.quit)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Debug("Worker pool stopped")
		return nil
	case <-ctx.Done():
		wp.logger.Warn("Worker pool stop timed out")
		return ctx.Err()
	}
}

// Submit queues a task, blocking while the queue is full. When ctx ends
// before the task could be queued the callback receives ctx.Err() and the
// task never runs.
func (wp *WorkerPool) Submit(ctx context.Context, task Task, callback func(error)) {
	atomic.AddInt32(&wp.stats.queuedJobs, 1)

	wrapper := &jobWrapper{task: task, callback: callback, ctx: ctx}
	select {
	case wp.jobQueue <- wrapper:
	case <-ctx.Done():
		atomic.AddInt32(&wp.stats.queuedJobs, -1)
		if callback != nil {
			callback(ctx.Err())
		}
	}
}

// GetStats returns current worker pool statistics
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	completed := atomic.LoadInt64(&wp.stats.completedJobs)
	failed := atomic.LoadInt64(&wp.stats.failedJobs)

	avg := time.Duration(0)
	if n := completed + failed; n > 0 {
		avg = time.Duration(atomic.LoadInt64(&wp.stats.totalJobTime) / n)
	}
	return WorkerPoolStats{
		Workers:        wp.workerCount,
		BusyWorkers:    int(atomic.LoadInt32(&wp.stats.busyWorkers)),
		QueuedJobs:     int(atomic.LoadInt32(&wp.stats.queuedJobs)),
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avg,
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case job := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)
			wp.process(id, job)
		case <-wp.quit:
			return
		}
	}
}

func (wp *WorkerPool) process(id int, job *jobWrapper) {
	atomic.AddInt32(&wp.stats.busyWorkers, 1)
	defer atomic.AddInt32(&wp.stats.busyWorkers, -1)

	start := time.Now()
	err := wp.run(job)
	duration := time.Since(start)

	atomic.AddInt64(&wp.stats.totalJobTime, duration.Nanoseconds())
	if err != nil {
		atomic.AddInt64(&wp.stats.failedJobs, 1)
	} else {
		atomic.AddInt64(&wp.stats.completedJobs, 1)
	}
	wp.logger.Debug("Task finished", "worker_id", id, "task", job.task.ID, "duration", duration, "error", err)

	if job.callback != nil {
		job.callback(err)
	}
}

// run converts a panicking task into an error so the worker survives.
func (wp *WorkerPool) run(job *jobWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("Task panicked", "task", job.task.ID, "panic", r)
			err = fmt.Errorf("task %s panicked: %v", job.task.ID, r)
		}
	}()
	return job.task.Run(job.ctx)
}
