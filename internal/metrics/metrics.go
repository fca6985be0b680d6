// Package metrics provides Prometheus metrics for the generation pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	PipelineRuns        *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	ClassifierDecisions *prometheus.CounterVec
	SandboxProvisions   *prometheus.CounterVec
	SandboxesActive     prometheus.Gauge
	VersionConflicts    prometheus.Counter
	QueueDepth          prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		PipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgeline_pipeline_runs_total",
				Help: "Pipeline runs by operation kind and result.",
			},
			[]string{"kind", "result"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forgeline_step_duration_seconds",
				Help:    "Pipeline step duration.",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"step"},
		),
		ClassifierDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgeline_classifier_decisions_total",
				Help: "Classifier decisions by source.",
			},
			[]string{"source"},
		),
		SandboxProvisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgeline_sandbox_provisions_total",
				Help: "Sandbox provisioning sequences by result.",
			},
			[]string{"result"},
		),
		SandboxesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forgeline_sandboxes_active",
				Help: "Number of active sandboxes.",
			},
		),
		VersionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forgeline_version_conflicts_total",
				Help: "Version writes rejected because the parent was no longer head.",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forgeline_queue_depth",
				Help: "Requests waiting across all project queues.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.PipelineRuns)
	reg.MustRegister(m.StepDuration)
	reg.MustRegister(m.ClassifierDecisions)
	reg.MustRegister(m.SandboxProvisions)
	reg.MustRegister(m.SandboxesActive)
	reg.MustRegister(m.VersionConflicts)
	reg.MustRegister(m.QueueDepth)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun counts a finished pipeline run.
func (m *Metrics) RecordRun(kind, result string) {
	m.PipelineRuns.WithLabelValues(kind, result).Inc()
}

// ObserveStep records a step duration.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// RecordClassification counts a classifier decision.
func (m *Metrics) RecordClassification(source string) {
	m.ClassifierDecisions.WithLabelValues(source).Inc()
}

// RecordProvision counts a provisioning sequence.
func (m *Metrics) RecordProvision(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SandboxProvisions.WithLabelValues(result).Inc()
}

// SetActiveSandboxes sets the active sandbox count.
func (m *Metrics) SetActiveSandboxes(n int) {
	m.SandboxesActive.Set(float64(n))
}

// RecordConflict counts a rejected version write.
func (m *Metrics) RecordConflict() {
	m.VersionConflicts.Inc()
}

// AddQueued adjusts the queue depth gauge.
func (m *Metrics) AddQueued(delta int) {
	m.QueueDepth.Add(float64(delta))
}
