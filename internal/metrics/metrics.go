// Package metrics exposes ingestion counters and gauges in the Prometheus
// exposition format.
//
// Collector owns its own registry so that tests and multiple runs in one
// process never collide on the global default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/retry"
)

const namespace = "ohlcv"

// Collector holds every metric of the ingestion pipeline.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	rowsTotal       *prometheus.CounterVec
	jobsTotal       *prometheus.CounterVec
	gapsTotal       *prometheus.CounterVec
	activeJobs      prometheus.Gauge
	runPercent      prometheus.Gauge
	limiterDelay    prometheus.Gauge
	lastTimestamp   *prometheus.GaugeVec
}

// NewCollector creates a collector with Go runtime and process metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchange_requests_total",
				Help:      "Total number of exchange requests by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_request_duration_seconds",
				Help:      "Exchange request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchange_retries_total",
				Help:      "Total number of retried exchange requests",
			},
			[]string{"operation"},
		),
		rowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candles_total",
				Help:      "Candles processed by outcome (inserted, dropped, healed, retention_deleted)",
			},
			[]string{"timeframe", "outcome"},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Finished ingestion jobs by terminal state",
			},
			[]string{"state"},
		),
		gapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gaps_total",
				Help:      "Detected gaps by outcome (found, healed, failed)",
			},
			[]string{"outcome"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_active",
				Help:      "Number of jobs currently held by a worker",
			},
		),
		runPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_progress_percent",
				Help:      "Completion percent of the current run",
			},
		),
		limiterDelay: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_limiter_delay_seconds",
				Help:      "Current spacing enforced between exchange calls",
			},
		),
		lastTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "series_last_timestamp_seconds",
				Help:      "Unix time of the newest persisted bar per series",
			},
			[]string{"symbol", "timeframe"},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDuration,
		c.retriesTotal,
		c.rowsTotal,
		c.jobsTotal,
		c.gapsTotal,
		c.activeJobs,
		c.runPercent,
		c.limiterDelay,
		c.lastTimestamp,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveCall records one exchange attempt.
func (c *Collector) ObserveCall(call retry.Call, latency time.Duration, errType ingesterrors.ErrorType) {
	outcome := "success"
	if errType != "" {
		outcome = string(errType)
	}
	c.requestsTotal.WithLabelValues(call.Operation, outcome).Inc()
	c.requestDuration.WithLabelValues(call.Operation).Observe(latency.Seconds())
}

// ObserveRetry counts a scheduled retry.
func (c *Collector) ObserveRetry(call retry.Call, attempt int, cooldown time.Duration, err error) {
	c.retriesTotal.WithLabelValues(call.Operation).Inc()
}

// RecordPage adds the rows of one persisted page.
func (c *Collector) RecordPage(key models.SeriesKey, inserted, dropped int, lastTS time.Time) {
	if inserted > 0 {
		c.rowsTotal.WithLabelValues(key.Timeframe, "inserted").Add(float64(inserted))
	}
	if dropped > 0 {
		c.rowsTotal.WithLabelValues(key.Timeframe, "dropped").Add(float64(dropped))
	}
	if !lastTS.IsZero() {
		c.lastTimestamp.WithLabelValues(key.Symbol, key.Timeframe).Set(float64(lastTS.Unix()))
	}
}

// RecordRetention adds rows removed by the retention sweep.
func (c *Collector) RecordRetention(key models.SeriesKey, deleted int) {
	if deleted > 0 {
		c.rowsTotal.WithLabelValues(key.Timeframe, "retention_deleted").Add(float64(deleted))
	}
}

// RecordHeal adds the outcome of one healing pass.
func (c *Collector) RecordHeal(key models.SeriesKey, found, healed, failed, rows int) {
	c.gapsTotal.WithLabelValues("found").Add(float64(found))
	c.gapsTotal.WithLabelValues("healed").Add(float64(healed))
	c.gapsTotal.WithLabelValues("failed").Add(float64(failed))
	if rows > 0 {
		c.rowsTotal.WithLabelValues(key.Timeframe, "healed").Add(float64(rows))
	}
}

// JobStarted increments the active gauge.
func (c *Collector) JobStarted() {
	c.activeJobs.Inc()
}

// JobFinished decrements the active gauge and counts the terminal state.
// Jobs that never started (cancelled while queued) pass started=false.
func (c *Collector) JobFinished(state models.JobState, started bool) {
	if started {
		c.activeJobs.Dec()
	}
	c.jobsTotal.WithLabelValues(string(state)).Inc()
}

// SetRunPercent publishes the run completion percent.
func (c *Collector) SetRunPercent(percent float64) {
	c.runPercent.Set(percent)
}

// SetLimiterDelay publishes the rate limiter delay. It matches the
// ratelimit.WithObserver callback signature.
func (c *Collector) SetLimiterDelay(d time.Duration) {
	c.limiterDelay.Set(d.Seconds())
}

var _ retry.Observer = (*Collector)(nil)
