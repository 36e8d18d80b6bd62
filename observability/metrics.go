package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	jobsMetricsOnce sync.Once
	jobsRegistry    *JobsMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// admin-API request activity (inbound operations listed in spec §6).
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditcore",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total admin API requests segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditcore",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total admin API errors segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "creditcore",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for admin API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(moduleRegistry.requests, moduleRegistry.errors, moduleRegistry.latency)
	})
	return moduleRegistry
}

// Observe records the outcome of an admin API operation.
func (m *moduleMetrics) Observe(operation, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = normalizeLabel(operation)
	outcome := "success"
	if kind != "" {
		outcome = "error"
		m.errors.WithLabelValues(operation, normalizeLabel(kind)).Inc()
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// JobsMetrics tracks the persistent job scheduler (spec §4.H).
type JobsMetrics struct {
	claimed    *prometheus.CounterVec
	completed  *prometheus.CounterVec
	rescheduled *prometheus.CounterVec
	reclaimed  prometheus.Counter
	running    prometheus.Gauge
}

// Jobs returns the metrics registry for the job scheduler.
func Jobs() *JobsMetrics {
	jobsMetricsOnce.Do(func() {
		jobsRegistry = &JobsMetrics{
			claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditcore",
				Subsystem: "jobs",
				Name:      "claimed_total",
				Help:      "Count of job executions claimed by a poller, by job type.",
			}, []string{"job_type"}),
			completed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditcore",
				Subsystem: "jobs",
				Name:      "completed_total",
				Help:      "Count of job executions that reached a terminal outcome, by job type and outcome.",
			}, []string{"job_type", "outcome"}),
			rescheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditcore",
				Subsystem: "jobs",
				Name:      "rescheduled_total",
				Help:      "Count of job executions rescheduled, by job type.",
			}, []string{"job_type"}),
			reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "creditcore",
				Subsystem: "jobs",
				Name:      "reclaimed_total",
				Help:      "Count of job executions reclaimed from a crashed owner by the keep-alive sweep.",
			}),
			running: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "creditcore",
				Subsystem: "jobs",
				Name:      "running",
				Help:      "Current number of job executions in the running state for this process.",
			}),
		}
		prometheus.MustRegister(jobsRegistry.claimed, jobsRegistry.completed, jobsRegistry.rescheduled,
			jobsRegistry.reclaimed, jobsRegistry.running)
	})
	return jobsRegistry
}

func (m *JobsMetrics) RecordClaim(jobType string) {
	if m == nil {
		return
	}
	m.claimed.WithLabelValues(normalizeLabel(jobType)).Inc()
}

func (m *JobsMetrics) RecordCompletion(jobType, outcome string) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(normalizeLabel(jobType), normalizeLabel(outcome)).Inc()
}

func (m *JobsMetrics) RecordReschedule(jobType string) {
	if m == nil {
		return
	}
	m.rescheduled.WithLabelValues(normalizeLabel(jobType)).Inc()
}

func (m *JobsMetrics) RecordReclaim() {
	if m == nil {
		return
	}
	m.reclaimed.Inc()
}

func (m *JobsMetrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}

// LedgerMetrics tracks postings through the double-entry ledger contract.
type LedgerMetrics struct {
	posted   *prometheus.CounterVec
	imbalance prometheus.Counter
}

// Ledger returns the metrics registry for ledger postings.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			posted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditcore",
				Subsystem: "ledger",
				Name:      "transactions_posted_total",
				Help:      "Count of balanced ledger transactions posted, by template.",
			}, []string{"template"}),
			imbalance: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "creditcore",
				Subsystem: "ledger",
				Name:      "imbalance_rejections_total",
				Help:      "Count of transaction posts rejected because debits and credits did not balance.",
			}),
		}
		prometheus.MustRegister(ledgerRegistry.posted, ledgerRegistry.imbalance)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) RecordPosting(template string) {
	if m == nil {
		return
	}
	m.posted.WithLabelValues(normalizeLabel(template)).Inc()
}

func (m *LedgerMetrics) RecordImbalance() {
	if m == nil {
		return
	}
	m.imbalance.Inc()
}
