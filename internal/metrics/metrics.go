package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsFn interface {
	IncJobsSubmitted(jobType string)
	IncJobsDeduplicated(jobType string)
	IncJobsCompleted(jobType string)
	IncJobsFailed(jobType string)
	IncJobsDead(jobType string)
	IncJobsRetries(jobType string)
	ObserveJobDuration(jobType string, d time.Duration)

	IncActiveWorkers()
	DecActiveWorkers()

	IncQueueDepth()
	DecQueueDepth()

	IncInflight()
	DecInflight()
}

type EngineFn interface {
	IncCacheReplace(cacheClass string, empty bool)
	IncFallback(cacheClass string)
}

type Metrics struct {
	registry *prometheus.Registry

	// counters
	jobsSubmitted    *prometheus.CounterVec
	jobsDeduplicated *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobsRetries      *prometheus.CounterVec
	jobsDead         *prometheus.CounterVec
	cacheReplaces    *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec

	jobDuration *prometheus.HistogramVec

	// gauges
	queueDepth prometheus.Gauge
	inflight   prometheus.Gauge
	activeW    prometheus.Gauge
}

// New builds a collector set on its own registry so several instances can
// coexist in one process.
func New(serviceName string) *Metrics {
	ns := strings.ReplaceAll(serviceName, "-", "_")
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}

	m := &Metrics{
		registry:         prometheus.NewRegistry(),
		jobsSubmitted:    counter("jobs_submitted_total", "Jobs accepted into the queue", "type"),
		jobsDeduplicated: counter("jobs_deduplicated_total", "Enqueue calls collapsed onto an outstanding job", "type"),
		jobsCompleted:    counter("jobs_completed_total", "Jobs whose handler returned normally", "type"),
		jobsFailed:       counter("jobs_failed_total", "Failed job attempts", "type"),
		jobsRetries:      counter("jobs_retries_total", "Failed attempts scheduled for retry", "type"),
		jobsDead:         counter("jobs_dead_total", "Jobs that exhausted their attempts", "type"),
		cacheReplaces:    counter("cache_replace_total", "Ranked set replacements", "cache", "empty"),
		fallbacks:        counter("read_fallback_total", "Reads served by on-demand recomputation", "cache"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "job_duration_seconds",
			Help:      "Handler run time per attempt",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		queueDepth: gauge("queue_depth", "Jobs waiting in the queue"),
		inflight:   gauge("inflight", "Jobs currently being handled"),
		activeW:    gauge("active_workers", "Running worker goroutines"),
	}

	m.registry.MustRegister(
		m.jobsSubmitted, m.jobsDeduplicated, m.jobsCompleted, m.jobsFailed,
		m.jobsRetries, m.jobsDead, m.cacheReplaces, m.fallbacks, m.jobDuration,
		m.queueDepth, m.inflight, m.activeW,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: ns}),
	)
	return m
}

// counters
func (m *Metrics) IncJobsSubmitted(t string)    { m.jobsSubmitted.WithLabelValues(t).Inc() }
func (m *Metrics) IncJobsDeduplicated(t string) { m.jobsDeduplicated.WithLabelValues(t).Inc() }
func (m *Metrics) IncJobsCompleted(t string)    { m.jobsCompleted.WithLabelValues(t).Inc() }
func (m *Metrics) IncJobsFailed(t string)       { m.jobsFailed.WithLabelValues(t).Inc() }
func (m *Metrics) IncJobsDead(t string)         { m.jobsDead.WithLabelValues(t).Inc() }
func (m *Metrics) IncJobsRetries(t string)      { m.jobsRetries.WithLabelValues(t).Inc() }

func (m *Metrics) ObserveJobDuration(t string, d time.Duration) {
	m.jobDuration.WithLabelValues(t).Observe(d.Seconds())
}

func (m *Metrics) IncCacheReplace(cacheClass string, empty bool) {
	label := "false"
	if empty {
		label = "true"
	}
	m.cacheReplaces.WithLabelValues(cacheClass, label).Inc()
}

func (m *Metrics) IncFallback(cacheClass string) { m.fallbacks.WithLabelValues(cacheClass).Inc() }

// gauges
func (m *Metrics) IncQueueDepth() { m.queueDepth.Inc() }
func (m *Metrics) DecQueueDepth() { m.queueDepth.Dec() }

func (m *Metrics) IncInflight() { m.inflight.Inc() }
func (m *Metrics) DecInflight() { m.inflight.Dec() }

func (m *Metrics) IncActiveWorkers() { m.activeW.Inc() }
func (m *Metrics) DecActiveWorkers() { m.activeW.Dec() }

// Http handler

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
