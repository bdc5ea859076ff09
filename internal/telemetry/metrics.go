// Package telemetry exposes the engine's prometheus collectors. The HTTP
// layer serves them on /metrics via promhttp.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the engine counters. A nil *Metrics is valid and
// records nothing, so tests can pass nil.
type Metrics struct {
	tasksCreated  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	stepsFinished *prometheus.CounterVec
	stepRetries   prometheus.Counter
	taskDuration  prometheus.Histogram
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		tasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "questor_tasks_created_total",
			Help: "Research tasks accepted.",
		}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "questor_tasks_finished_total",
			Help: "Research tasks reaching a terminal status.",
		}, []string{"status"}),
		stepsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "questor_steps_finished_total",
			Help: "Plan steps reaching a terminal status.",
		}, []string{"status"}),
		stepRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "questor_step_retries_total",
			Help: "Step attempts beyond the first.",
		}),
		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "questor_task_duration_seconds",
			Help:    "Wall time from task creation to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
}

func (m *Metrics) TaskCreated() {
	if m == nil {
		return
	}
	m.tasksCreated.Inc()
}

func (m *Metrics) TaskFinished(status string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
	m.taskDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) StepFinished(status string) {
	if m == nil {
		return
	}
	m.stepsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) StepRetried() {
	if m == nil {
		return
	}
	m.stepRetries.Inc()
}
