package progress

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-ingest/internal/diagnostics"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

func sample(id string, percent float64) models.RunProgress {
	return models.RunProgress{
		RunID:     id,
		State:     models.RunRunning,
		Total:     4,
		Completed: 1,
		Percent:   percent,
		UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Pairs: []models.JobSnapshot{
			{ID: id + "/BTC/USDT/1m", Symbol: "BTC/USDT", Timeframe: "1m", State: models.JobCompleted, Inserted: 10},
		},
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Latest(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, sample("a", 10)))
	require.NoError(t, store.Save(ctx, sample("b", 20)))
	require.NoError(t, store.Save(ctx, sample("a", 30)))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", latest.RunID)
	assert.Equal(t, 30.0, latest.Percent)

	b, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 20.0, b.Percent)
	require.Len(t, b.Pairs, 1)
}

func TestRedisStore_FallsBackWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(RedisConfig{Addr: "127.0.0.1:1"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer store.Close()

	assert.Error(t, store.Ping(ctx))

	require.NoError(t, store.Save(ctx, sample("run-9", 55)))

	got, err := store.Get(ctx, "run-9")
	require.NoError(t, err)
	assert.Equal(t, 55.0, got.Percent)
	assert.Equal(t, models.RunRunning, got.State)

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-9", latest.RunID)

	_, err = store.Get(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunKey(t *testing.T) {
	assert.Equal(t, "ohlcv:run:abc", runKey("abc"))
}

func TestRecorder_SavesOnTaskEvents(t *testing.T) {
	store := NewMemoryStore()
	tracker := diagnostics.NewTracker("run-r", 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := NewRecorder(store, tracker, nil)
	tracker.Subscribe(rec.Listener())

	job := models.NewJob("run-r", models.SeriesKey{Exchange: "mock", Symbol: "BTC/USDT", Timeframe: "1m"})
	tracker.Track([]*models.Job{job})

	tracker.RegisterPair(job.Key.Pair(), time.Unix(0, 0), time.Unix(3600, 0))
	tracker.UpdateProgress(job.Key.Pair(), time.Unix(60, 0))

	require.NoError(t, job.Start())
	tracker.TaskStarted(job)
	require.NoError(t, job.Complete())
	tracker.TaskCompleted(job)
	rec.Close()

	got, err := store.Get(context.Background(), "run-r")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Completed)
	require.Len(t, got.Pairs, 1)
	assert.Equal(t, models.JobCompleted, got.Pairs[0].State)
}

func TestRecorder_SkipsProgressTicks(t *testing.T) {
	store := NewMemoryStore()
	tracker := diagnostics.NewTracker("run-p", 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := NewRecorder(store, tracker, nil)
	tracker.Subscribe(rec.Listener())

	job := models.NewJob("run-p", models.SeriesKey{Exchange: "mock", Symbol: "BTC/USDT", Timeframe: "1m"})
	tracker.Track([]*models.Job{job})
	tracker.RegisterPair(job.Key.Pair(), time.Unix(0, 0), time.Unix(3600, 0))
	tracker.UpdateProgress(job.Key.Pair(), time.Unix(60, 0))
	rec.Close()

	_, err := store.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

// blockingStore holds every Save until release is closed.
type blockingStore struct {
	*MemoryStore
	release chan struct{}
	saves   atomic.Int32
}

func (b *blockingStore) Save(ctx context.Context, rp models.RunProgress) error {
	<-b.release
	b.saves.Add(1)
	return b.MemoryStore.Save(ctx, rp)
}

func TestRecorder_SlowStoreDoesNotBlockEvents(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	tracker := diagnostics.NewTracker("run-s", 4, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := NewRecorder(store, tracker, nil)
	tracker.Subscribe(rec.Listener())

	jobs := make([]*models.Job, 0, 3)
	for _, sym := range []string{"A/USDT", "B/USDT", "C/USDT"} {
		jobs = append(jobs, models.NewJob("run-s", models.SeriesKey{Exchange: "mock", Symbol: sym, Timeframe: "1m"}))
	}
	tracker.Track(jobs)

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for _, job := range jobs {
			_ = job.Start()
			tracker.TaskStarted(job)
			_ = job.Complete()
			tracker.TaskCompleted(job)
		}
		tracker.Finish(models.RunCompleted, nil)
	}()

	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("listener blocked on the store")
	}

	close(store.release)
	rec.Close()

	got, err := store.Get(context.Background(), "run-s")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, got.State)
	assert.Equal(t, 3, got.Completed)
	assert.LessOrEqual(t, int(store.saves.Load()), 2, "saves coalesce while one is in flight")
}
