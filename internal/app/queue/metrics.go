package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coachpo/meetbridge/internal/domain/jobstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Metrics exposes queue depth and job outcomes to Prometheus.
type Metrics struct {
	depth     *prometheus.GaugeVec
	inFlight  prometheus.Gauge
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics constructs and registers queue metrics with the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{ //nolint:exhaustruct
				Namespace: "meetbridge",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Pending jobs per priority bucket.",
			},
			[]string{"priority"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{ //nolint:exhaustruct
				Namespace: "meetbridge",
				Subsystem: "queue",
				Name:      "in_flight",
				Help:      "Jobs currently processing.",
			},
		),
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "meetbridge",
				Subsystem: "queue",
				Name:      "jobs_total",
				Help:      "Processed jobs by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{ //nolint:exhaustruct
				Namespace: "meetbridge",
				Subsystem: "queue",
				Name:      "job_duration_seconds",
				Help:      "Handler execution time per job kind.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
	}
	reg.MustRegister(m.depth, m.inFlight, m.processed, m.duration)
	return m
}

func (m *Metrics) observeStats(stats jobstore.Stats) {
	if m == nil {
		return
	}
	for _, p := range schema.Priorities() {
		m.depth.WithLabelValues(string(p)).Set(float64(stats.Depth[p]))
	}
	m.inFlight.Set(float64(stats.InFlight))
}

func (m *Metrics) observeJob(kind schema.JobKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}
