// Package metrics exports node and run measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gestalt"

// Collector records lifecycle phases of every node and the outcome of every
// pipeline run. It implements middleware.MetricsCollector and
// pipeline.RunRecorder.
type Collector struct {
	phaseDuration *prometheus.HistogramVec
	phaseErrors   *prometheus.CounterVec
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
}

// NewCollector creates the metric vectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_phase_duration_seconds",
				Help:      "Duration of node lifecycle phases.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
			},
			[]string{"node", "phase"},
		),
		phaseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_phase_errors_total",
				Help:      "Failed node lifecycle phases.",
			},
			[]string{"node", "phase"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Finished pipeline runs by status.",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	for _, col := range []prometheus.Collector{c.phaseDuration, c.phaseErrors, c.runs, c.runDuration} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordPhase observes one lifecycle phase.
func (c *Collector) RecordPhase(node, phase string, d time.Duration, err error) {
	c.phaseDuration.WithLabelValues(node, phase).Observe(d.Seconds())
	if err != nil {
		c.phaseErrors.WithLabelValues(node, phase).Inc()
	}
}

// RecordRun counts a finished run.
func (c *Collector) RecordRun(status string, d time.Duration) {
	c.runs.WithLabelValues(status).Inc()
	c.runDuration.Observe(d.Seconds())
}
