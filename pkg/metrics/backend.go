package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics contains Prometheus metrics for the telemetry backend:
// the HTTP API, the ingestion pipeline, the analytics queries, and the
// queue consumers.
type BackendMetrics struct {
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDuration        *prometheus.HistogramVec
	ReadingsIngested           *prometheus.CounterVec
	IngestDuration             *prometheus.HistogramVec
	BatchSize                  *prometheus.HistogramVec
	QueriesTotal               *prometheus.CounterVec
	QueryDuration              *prometheus.HistogramVec
	ConsumerMessagesTotal      *prometheus.CounterVec
	ConsumerErrors             *prometheus.CounterVec
	ConsumerProcessingDuration *prometheus.HistogramVec
	DBConnectionsActive        prometheus.Gauge
	ActiveConsumers            prometheus.Gauge
}

// NewBackendMetrics creates and registers backend service metrics.
func NewBackendMetrics(namespace string) *BackendMetrics {
	m := &BackendMetrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ReadingsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_total",
				Help:      "Total number of readings ingested",
			},
			[]string{"class", "status"}, // class: meter, vehicle; status: success, error
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "write_duration_seconds",
				Help:      "Duration of dual-write transactions",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"class"},
		),
		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "batch_size",
				Help:      "Number of readings per batch request",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1 to ~16k
			},
			[]string{"class"},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "requests_total",
				Help:      "Total number of analytics and live-state queries",
			},
			[]string{"operation", "status"}, // status: success, not_found, error
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "duration_seconds",
				Help:      "Duration of analytics and live-state queries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ConsumerMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Total number of messages consumed",
			},
			[]string{"queue", "status"}, // status: success, error
		),
		ConsumerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "errors_total",
				Help:      "Total number of consumer errors",
			},
			[]string{"queue", "error_type"},
		),
		ConsumerProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "processing_duration_seconds",
				Help:      "Duration of message processing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "connections_active",
				Help:      "Number of active database connections",
			},
		),
		ActiveConsumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "active_consumers",
				Help:      "Number of active message consumers",
			},
		),
	}

	MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ReadingsIngested,
		m.IngestDuration,
		m.BatchSize,
		m.QueriesTotal,
		m.QueryDuration,
		m.ConsumerMessagesTotal,
		m.ConsumerErrors,
		m.ConsumerProcessingDuration,
		m.DBConnectionsActive,
		m.ActiveConsumers,
	)

	return m
}
