package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the fleet simulator.
type SimulatorMetrics struct {
	ReadingsPublished  *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	TickDuration       prometheus.Histogram
	ActiveChargePoints prometheus.Gauge
	SessionsCompleted  prometheus.Counter
}

// NewSimulatorMetrics creates and registers fleet simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		ReadingsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "readings_published_total",
				Help:      "Total number of telemetry readings published",
			},
			[]string{"class"}, // class: meter, vehicle
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "publish_failures_total",
				Help:      "Total number of failed reading publishes",
			},
			[]string{"class", "reason"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "tick_duration_seconds",
				Help:      "Duration of one fleet-wide publish tick",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ActiveChargePoints: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_charge_points",
				Help:      "Number of simulated charge points",
			},
		),
		SessionsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "sessions_completed_total",
				Help:      "Total number of charging sessions driven to full charge",
			},
		),
	}

	MustRegister(
		m.ReadingsPublished,
		m.PublishFailures,
		m.TickDuration,
		m.ActiveChargePoints,
		m.SessionsCompleted,
	)

	return m
}
