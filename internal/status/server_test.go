package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-ingest/internal/collector"
	"github.com/johnayoung/go-ohlcv-ingest/internal/diagnostics"
	"github.com/johnayoung/go-ohlcv-ingest/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/progress"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedRuns struct{ tracker *diagnostics.Tracker }

func (f fixedRuns) Current() *diagnostics.Tracker { return f.tracker }

type fixedScheduler struct{ stats collector.SchedulerStats }

func (f fixedScheduler) GetStats() collector.SchedulerStats { return f.stats }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func liveTracker(runID string) *diagnostics.Tracker {
	tracker := diagnostics.NewTracker(runID, 2, nil)
	tracker.Track([]*models.Job{
		models.NewJob(runID, models.SeriesKey{Exchange: "mock", Symbol: "BTC/USDT", Timeframe: "1m"}),
		models.NewJob(runID, models.SeriesKey{Exchange: "mock", Symbol: "ETH/USDT", Timeframe: "1m"}),
	})
	return tracker
}

func TestHealth(t *testing.T) {
	store := storage.NewMemoryStorage()
	s := NewServer(Config{Version: "test"}, Deps{Storage: store}, nil)

	rec := get(t, s.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["storage"])
	assert.Equal(t, "test", body["version"])

	require.NoError(t, store.Close())
	rec = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestStatus_NoRun(t *testing.T) {
	s := NewServer(Config{}, Deps{Progress: progress.NewMemoryStore(), Runs: fixedRuns{}}, nil)
	rec := get(t, s.Handler(), "/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus_Live(t *testing.T) {
	tracker := liveTracker("run-live")
	s := NewServer(Config{}, Deps{
		Runs:      fixedRuns{tracker: tracker},
		Scheduler: fixedScheduler{stats: collector.SchedulerStats{Spec: "@every 1m", Runs: 3}},
	}, nil)

	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Live)
	require.NotNil(t, resp.Run)
	assert.Equal(t, "run-live", resp.Run.RunID)
	assert.Len(t, resp.Run.Pairs, 2)
	require.NotNil(t, resp.Summary)
	assert.Equal(t, 2, resp.Summary.Total)
	require.NotNil(t, resp.Scheduler)
	assert.Equal(t, int64(3), resp.Scheduler.Runs)

	tracker.Finish(models.RunCompleted, nil)
	rec = get(t, s.Handler(), "/status")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Live)
}

func TestStatus_FallsBackToStoredRun(t *testing.T) {
	store := progress.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), models.RunProgress{RunID: "run-old", State: models.RunCompleted, Percent: 100}))

	s := NewServer(Config{}, Deps{Progress: store, Runs: fixedRuns{}}, nil)
	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Live)
	assert.Equal(t, "run-old", resp.Run.RunID)
	assert.Nil(t, resp.Summary)
}

func TestRunByID(t *testing.T) {
	store := progress.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), models.RunProgress{RunID: "run-old", State: models.RunFailed}))
	s := NewServer(Config{}, Deps{Progress: store, Runs: fixedRuns{tracker: liveTracker("run-live")}}, nil)

	rec := get(t, s.Handler(), "/runs/run-live")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-live"`)

	rec = get(t, s.Handler(), "/runs/run-old")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"failed"`)

	rec = get(t, s.Handler(), "/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.NewCollector()
	m.SetLimiterDelay(250 * time.Millisecond)
	s := NewServer(Config{MetricsPath: "/prom"}, Deps{Metrics: m.Handler()}, nil)

	rec := get(t, s.Handler(), "/prom")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ohlcv_rate_limiter_delay_seconds 0.25")

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)
}

func TestWebSocketPush(t *testing.T) {
	s := NewServer(Config{}, Deps{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Hub().Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, MessageConnected, hello.Type)
	assert.Equal(t, 1, s.Hub().Clients())

	listener := s.Hub().Listener()
	listener(diagnostics.Event{
		Type:      diagnostics.EventProgress,
		RunID:     "run-ws",
		Pair:      models.PairKey{Symbol: "BTC/USDT", Timeframe: "1m"},
		Percent:   42,
		Timestamp: time.Now().UTC(),
	})

	var raw map[string]interface{}
	require.NoError(t, conn.ReadJSON(&raw))
	assert.Equal(t, MessageStatusUpdate, raw["type"])
	assert.Equal(t, "progress", raw["event"])
	data, ok := raw["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "run-ws", data["run_id"])
	assert.Equal(t, 42.0, data["percent"])
}

func TestHubClosedRejectsClients(t *testing.T) {
	s := NewServer(Config{}, Deps{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	s.Hub().Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Zero(t, s.Hub().Clients())

	// Broadcasting with no clients is a no-op.
	s.Hub().Broadcast(Message{Type: MessageStatusUpdate})
}
