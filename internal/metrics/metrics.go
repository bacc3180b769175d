// Package metrics owns the Prometheus registry and the collectors recorded by
// the HTTP layer, the webhook consumer, the membership service and the worker.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/worker"
)

const (
	namespace   = "gymhub"
	maxLabelLen = 64
)

// sanitizeLabel bounds label cardinality from externally supplied values.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	webhookEvents *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	dispatches    *prometheus.CounterVec

	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	workerActive  prometheus.Gauge
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http",
			Name: "requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http",
			Name:    "request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhook",
			Name: "events_total",
			Help: "Stripe webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "membership",
			Name: "transitions_total",
			Help: "Persisted membership status changes.",
		}, []string{"from", "to"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify",
			Name: "dispatch_total",
			Help: "Notice dispatch attempts by kind and result.",
		}, []string{"kind", "result"}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs",
			Name: "enqueued_total",
			Help: "Jobs enqueued through the worker.",
		}, []string{"type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs",
			Name: "completed_total",
			Help: "Jobs that finished successfully.",
		}, []string{"type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs",
			Name: "failed_attempts_total",
			Help: "Job attempts that returned an error.",
		}, []string{"type"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs",
			Name: "retried_total",
			Help: "Job attempts rescheduled for retry.",
		}, []string{"type"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jobs",
			Name:    "duration_seconds",
			Help:    "Job handler run time.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		workerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker",
			Name: "active_jobs",
			Help: "Jobs in flight at the last worker heartbeat.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.webhookEvents, m.transitions, m.dispatches,
		m.jobsEnqueued, m.jobsCompleted, m.jobsFailed, m.jobsRetried, m.jobDuration,
		m.workerActive,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveWebhook records the outcome of one webhook event.
func (m *Metrics) ObserveWebhook(eventType, outcome string) {
	m.webhookEvents.WithLabelValues(sanitizeLabel(eventType), outcome).Inc()
}

// ObserveTransition records a membership status change.
func (m *Metrics) ObserveTransition(from, to models.MembershipStatus) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveDispatch records a notice dispatch result.
func (m *Metrics) ObserveDispatch(kind models.NoticeKind, result string) {
	m.dispatches.WithLabelValues(sanitizeLabel(string(kind)), result).Inc()
}

// WorkerInstrumentation returns worker hooks feeding the job collectors.
func (m *Metrics) WorkerInstrumentation() *worker.Instrumentation {
	return &worker.Instrumentation{
		OnEnqueue: func(job *models.Job) {
			m.jobsEnqueued.WithLabelValues(sanitizeLabel(job.JobType)).Inc()
		},
		OnComplete: func(job *models.Job, d time.Duration) {
			m.jobsCompleted.WithLabelValues(sanitizeLabel(job.JobType)).Inc()
			m.jobDuration.WithLabelValues(sanitizeLabel(job.JobType)).Observe(d.Seconds())
		},
		OnFail: func(job *models.Job, _ error, d time.Duration) {
			m.jobsFailed.WithLabelValues(sanitizeLabel(job.JobType)).Inc()
			m.jobDuration.WithLabelValues(sanitizeLabel(job.JobType)).Observe(d.Seconds())
		},
		OnRetry: func(job *models.Job, _ time.Duration) {
			m.jobsRetried.WithLabelValues(sanitizeLabel(job.JobType)).Inc()
		},
		OnHeartbeat: func(_ string, stats worker.Stats) {
			m.workerActive.Set(float64(stats.ActiveWorkers))
		},
	}
}
