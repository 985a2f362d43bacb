// Package metrics provides Prometheus metrics for the query service.
//
// Every Metrics value owns its registry so tests and multiple servers in one
// process never collide on registration. All record methods are nil-safe.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"querygate/server/internal/connpool"
)

// Namespace prefixes every metric name.
const Namespace = "querygate"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Job metrics
	JobsSubmitted *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	QueueWait     prometheus.Histogram
	ExecDuration  prometheus.Histogram

	// Worker metrics
	WorkersBusy prometheus.Gauge
	QueueDepth  prometheus.Gauge

	// Front end metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs offered to the worker pool, by admission outcome",
		}, []string{"outcome"}),
		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs resolved by a worker, by outcome kind",
		}, []string{"outcome"}),
		QueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "job_queue_wait_seconds",
			Help:      "Time a job spent queued before a worker took it",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ExecDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "job_execution_seconds",
			Help:      "Time from dequeue to resolution, including connection wait",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		WorkersBusy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "workers_busy",
			Help:      "Number of workers currently handling a job",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_depth",
			Help:      "Number of jobs waiting for a worker",
		}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Front end requests by transport, route and status",
		}, []string{"transport", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "Front end request duration by transport and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport", "route"}),
	}
}

// RegisterPool exposes connection pool counters as gauges read at scrape time.
func (m *Metrics) RegisterPool(p *connpool.Pool) {
	if m == nil || p == nil {
		return
	}
	f := promauto.With(m.registry)
	gauge := func(name, help string, read func(connpool.Stats) float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(p.Stats()) })
	}
	gauge("capacity", "Maximum checked-out connections", func(s connpool.Stats) float64 { return float64(s.Capacity) })
	gauge("in_use", "Connections currently checked out", func(s connpool.Stats) float64 { return float64(s.InUse) })
	gauge("idle", "Open connections waiting in the pool", func(s connpool.Stats) float64 { return float64(s.Idle) })
	gauge("open", "Open connections", func(s connpool.Stats) float64 { return float64(s.Open) })
	gauge("exhausted", "Acquires that gave up waiting for a connection", func(s connpool.Stats) float64 { return float64(s.Exhausted) })
}

// RecordSubmit records a job admission outcome ("accepted" or an error kind).
func (m *Metrics) RecordSubmit(outcome string) {
	if m == nil {
		return
	}
	m.JobsSubmitted.WithLabelValues(outcome).Inc()
}

// RecordJob records a resolved job.
func (m *Metrics) RecordJob(outcome string, queueWait, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsCompleted.WithLabelValues(outcome).Inc()
	m.QueueWait.Observe(queueWait.Seconds())
	m.ExecDuration.Observe(duration.Seconds())
}

// UpdateWorkers updates the worker gauges.
func (m *Metrics) UpdateWorkers(busy, queued int) {
	if m == nil {
		return
	}
	m.WorkersBusy.Set(float64(busy))
	m.QueueDepth.Set(float64(queued))
}

// RecordRequest records a front end request.
func (m *Metrics) RecordRequest(transport, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(transport, route, status).Inc()
	m.RequestDuration.WithLabelValues(transport, route).Observe(duration.Seconds())
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler exposing m in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
