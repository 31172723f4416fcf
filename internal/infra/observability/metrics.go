package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "switchboard"

// Metrics exposes Prometheus collectors for scheduling, runs and the HTTP API.
type Metrics struct {
	tasksQueued    prometheus.Gauge
	tasksRunning   prometheus.Gauge
	admissionWait  prometheus.Histogram
	taskDuration   *prometheus.HistogramVec
	tasksTotal     *prometheus.CounterVec
	runTransitions *prometheus.CounterVec
	runsRetained   *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// invocationBuckets cover seconds to tens of minutes.
var invocationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200, 1800}

// MustNewMetrics constructs Metrics on reg. Collectors already registered on
// reg are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		tasksQueued: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_queued",
			Help:      "Tasks submitted and waiting for admission.",
		})),
		tasksRunning: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_running",
			Help:      "Tasks currently holding a concurrency slot.",
		})),
		admissionWait: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "admission_wait_seconds",
			Help:      "Time between submission and admission.",
			Buckets:   prometheus.DefBuckets,
		})),
		taskDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Execution time of admitted tasks.",
			Buckets:   invocationBuckets,
		}, []string{"status"})),
		tasksTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Completed tasks by outcome.",
		}, []string{"status"})),
		runTransitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "status_transitions_total",
			Help:      "Run status transitions persisted by the run store.",
		}, []string{"status"})),
		runsRetained: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "retention_removed_total",
			Help:      "Run records removed by the retention job.",
		}, []string{"action"})),
		httpRequests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"})),
		httpDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// TaskQueued records a submission.
func (m *Metrics) TaskQueued() {
	if m == nil {
		return
	}
	m.tasksQueued.Inc()
}

// TaskAdmitted moves a task from queued to running.
func (m *Metrics) TaskAdmitted(wait time.Duration) {
	if m == nil {
		return
	}
	m.tasksQueued.Dec()
	m.tasksRunning.Inc()
	m.admissionWait.Observe(wait.Seconds())
}

// TaskAbandoned records a task that left the queue without running.
func (m *Metrics) TaskAbandoned() {
	if m == nil {
		return
	}
	m.tasksQueued.Dec()
	m.tasksTotal.WithLabelValues("abandoned").Inc()
}

// TaskFinished records the outcome of an admitted task.
func (m *Metrics) TaskFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasksRunning.Dec()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.tasksTotal.WithLabelValues(status).Inc()
}

// RunTransition counts a persisted run status change.
func (m *Metrics) RunTransition(status string) {
	if m == nil {
		return
	}
	m.runTransitions.WithLabelValues(status).Inc()
}

// RunsRemoved counts retention removals; action is "deleted" or "archived".
func (m *Metrics) RunsRemoved(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.runsRetained.WithLabelValues(action).Add(float64(n))
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
