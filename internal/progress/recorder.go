package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/diagnostics"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// saveTimeout bounds one Save against a slow or unreachable store.
const saveTimeout = 2 * time.Second

// Snapshotter produces the full run snapshot, including per pair states.
type Snapshotter interface {
	RunProgress() models.RunProgress
}

// Recorder saves the snapshot of a run on task start, task end and run end.
// Saves happen on a background goroutine and coalesce: events that arrive
// while a save is in flight trigger a single further save of the latest
// snapshot. Progress ticks are skipped to bound store traffic.
type Recorder struct {
	store  Store
	source Snapshotter
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	pending chan struct{}
	done    chan struct{}
}

// NewRecorder starts the background writer. Close must be called to flush
// the last snapshot and stop it.
func NewRecorder(store Store, source Snapshotter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:   store,
		source:  source,
		logger:  logger,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Listener returns the diagnostics listener feeding the recorder. It never blocks.
func (r *Recorder) Listener() diagnostics.Listener {
	return func(ev diagnostics.Event) {
		if ev.Type == diagnostics.EventProgress {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return
		}
		select {
		case r.pending <- struct{}{}:
		default:
		}
	}
}

// Close waits for the pending save, if any, and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.pending)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) loop() {
	defer close(r.done)
	for range r.pending {
		r.save()
	}
}

func (r *Recorder) save() {
	rp := r.source.RunProgress()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.store.Save(ctx, rp); err != nil {
		r.logger.Warn("Failed to save run progress", "run_id", rp.RunID, "error", err)
	}
}
