// Package metrics exposes Prometheus collectors for optimization runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fusion"

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Candidate verdicts.
const (
	VerdictAccepted = "accepted"
	VerdictTried    = "tried"
	VerdictInvalid  = "invalid"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	runs         *prometheus.CounterVec
	candidates   *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	currentScore prometheus.Gauge
	runDuration  prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers the collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Optimization runs by outcome",
			},
			[]string{"outcome"},
		),
		candidates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_total",
				Help:      "Candidate configurations examined by operator and verdict",
			},
			[]string{"operator", "verdict"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Deployment dispatches by stage",
			},
			[]string{"stage"},
		),
		currentScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_score_ms",
				Help:      "Average duration of the live configuration in the last run",
			},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of optimization runs",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		m.runs,
		m.candidates,
		m.dispatches,
		m.currentScore,
		m.runDuration,
	)

	return m
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordCandidate records one examined candidate.
func (m *Metrics) RecordCandidate(operator, verdict string) {
	if m == nil {
		return
	}
	m.candidates.WithLabelValues(operator, verdict).Inc()
}

// RecordDispatch records a deployment dispatch.
func (m *Metrics) RecordDispatch(stage string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(stage).Inc()
}

// SetCurrentScore records the live configuration's score. Errored windows
// are not recorded, since the sentinel is infinite.
func (m *Metrics) SetCurrentScore(score float64, errored bool) {
	if m == nil || errored {
		return
	}
	m.currentScore.Set(score)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
