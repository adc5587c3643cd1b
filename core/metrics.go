package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus collectors for the execution core, all
// namespaced "flowcore":
//
//   - active_executions (gauge): live (non-terminal) executions.
//   - executions_total (counter, label status): terminal outcomes.
//   - events_published_total (counter): events dispatched across all queues.
//   - children_spawned_total (counter): child executions spawned from
//     emitted events or external-event containers.
//   - executions_reaped_total (counter): executions disposed by cleanup.
//   - store_errors_total (counter, label store): durable write failures
//     the core absorbed.
//   - execution_duration_seconds (histogram): start-to-terminal duration.
//
// A nil *Metrics is valid and records nothing, so the service can run
// unmetered without branching at every call site.
type Metrics struct {
	activeExecutions prometheus.Gauge
	executionsTotal  *prometheus.CounterVec
	eventsPublished  prometheus.Counter
	childrenSpawned  prometheus.Counter
	executionsReaped prometheus.Counter
	storeErrors      *prometheus.CounterVec
	duration         prometheus.Histogram
}

// NewMetrics creates and registers the core's collectors with the given
// registry. A nil registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		activeExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowcore",
			Name:      "active_executions",
			Help:      "Number of executions not yet in a terminal status",
		}),
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "executions_total",
			Help:      "Terminal execution outcomes by status",
		}, []string{"status"}),
		eventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "events_published_total",
			Help:      "Events dispatched across all execution queues",
		}),
		childrenSpawned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "children_spawned_total",
			Help:      "Child executions spawned from emitted or external events",
		}),
		executionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "executions_reaped_total",
			Help:      "Executions disposed by the cleanup service",
		}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "store_errors_total",
			Help:      "Durable store write failures absorbed by the core",
		}, []string{"store"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowcore",
			Name:      "execution_duration_seconds",
			Help:      "Execution duration from start to terminal status",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms .. ~45m
		}),
	}
}

func (m *Metrics) execCreated() {
	if m == nil {
		return
	}
	m.activeExecutions.Inc()
}

func (m *Metrics) execTerminal(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeExecutions.Dec()
	m.executionsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.duration.Observe(duration.Seconds())
	}
}

func (m *Metrics) eventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) childSpawned() {
	if m == nil {
		return
	}
	m.childrenSpawned.Inc()
}

func (m *Metrics) execReaped() {
	if m == nil {
		return
	}
	m.executionsReaped.Inc()
}

func (m *Metrics) storeError(which string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(which).Inc()
}
