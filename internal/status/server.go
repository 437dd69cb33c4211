// Package status exposes ingestion state over HTTP: health, the live run
// snapshot, stored run snapshots, a WebSocket push channel and the
// Prometheus exposition.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-ohlcv-ingest/internal/collector"
	"github.com/johnayoung/go-ohlcv-ingest/internal/diagnostics"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/progress"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// RunSource yields the tracker of the latest run, nil before the first.
type RunSource interface {
	Current() *diagnostics.Tracker
}

// SchedulerSource reports scheduler counters.
type SchedulerSource interface {
	GetStats() collector.SchedulerStats
}

// Config configures the server.
type Config struct {
	Addr        string
	MetricsPath string
	Version     string
}

// Deps are the collaborators behind the routes. Every field is optional.
type Deps struct {
	Runs      RunSource
	Progress  progress.Store
	Storage   storage.HealthChecker
	Scheduler SchedulerSource
	Metrics   http.Handler
	Hub       *Hub
}

// Server is the status HTTP server.
type Server struct {
	cfg        Config
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// summaryView is the JSON form of a diagnostics summary.
type summaryView struct {
	Active      int     `json:"active"`
	MaxWorkers  int     `json:"max_workers"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Total       int     `json:"total"`
	RatePerMin  float64 `json:"requests_per_min"`
	Percent     float64 `json:"percent"`
	Retries     int     `json:"retries"`
	RateLimited int     `json:"rate_limited"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Live      bool                      `json:"live"` // a run is in progress
	Run       *models.RunProgress       `json:"run"`
	Summary   *summaryView              `json:"summary,omitempty"`
	Scheduler *collector.SchedulerStats `json:"scheduler,omitempty"`
	Clients   int                       `json:"ws_clients"`
}

// NewServer builds the router. It does not listen until ListenAndServe.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(logger)
	}

	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    router,
		logger:    logger.With("component", "status_server"),
		startedAt: time.Now().UTC(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	s.router.GET("/healthz", s.health)
	s.router.GET("/status", s.status)
	s.router.GET("/runs/:id", s.run)
	s.router.GET("/ws", s.deps.Hub.Serve)
	if s.deps.Metrics != nil {
		s.router.GET(s.cfg.MetricsPath, gin.WrapH(s.deps.Metrics))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the push hub.
func (s *Server) Hub() *Hub {
	return s.deps.Hub
}

// ListenAndServe blocks until the server stops. A graceful shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting status server", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Shutdown disconnects WebSocket clients and drains HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}
	s.logger.Info("Status server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":  "ok",
		"version": s.cfg.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.deps.Storage != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Storage.HealthCheck(ctx); err != nil {
			body["status"] = "degraded"
			body["storage"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["storage"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) status(c *gin.Context) {
	resp := StatusResponse{Clients: s.deps.Hub.Clients()}
	if s.deps.Scheduler != nil {
		stats := s.deps.Scheduler.GetStats()
		resp.Scheduler = &stats
	}

	if tracker := s.current(); tracker != nil {
		rp := tracker.RunProgress()
		sum := tracker.Summary()
		resp.Live = rp.State == models.RunRunning
		resp.Run = &rp
		resp.Summary = &summaryView{
			Active:      sum.Active,
			MaxWorkers:  sum.MaxWorkers,
			Completed:   sum.Completed,
			Failed:      sum.Failed,
			Total:       sum.Total,
			RatePerMin:  sum.RatePerMin,
			Percent:     sum.Percent,
			Retries:     sum.Retries,
			RateLimited: sum.RateLimited,
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	if s.deps.Progress != nil {
		rp, err := s.deps.Progress.Latest(c.Request.Context())
		if err == nil {
			resp.Run = rp
			c.JSON(http.StatusOK, resp)
			return
		}
		if !errors.Is(err, progress.ErrNotFound) {
			s.logger.Warn("Failed to load latest run", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no run recorded yet"})
}

func (s *Server) run(c *gin.Context) {
	id := c.Param("id")
	if tracker := s.current(); tracker != nil {
		if rp := tracker.RunProgress(); rp.RunID == id {
			c.JSON(http.StatusOK, rp)
			return
		}
	}
	if s.deps.Progress == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found", "run_id": id})
		return
	}

	rp, err := s.deps.Progress.Get(c.Request.Context(), id)
	if errors.Is(err, progress.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found", "run_id": id})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rp)
}

func (s *Server) current() *diagnostics.Tracker {
	if s.deps.Runs == nil {
		return nil
	}
	return s.deps.Runs.Current()
}
