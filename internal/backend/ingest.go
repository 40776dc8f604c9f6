package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"voltstream.dev/telemetry/pkg/metrics"
)

// defaultMaxConcurrentWrites caps how many batch items are written at once.
const defaultMaxConcurrentWrites = 16

// IngestResult identifies the device whose reading was durably written.
type IngestResult struct {
	MeterID   string `json:"meterId,omitempty"`
	VehicleID string `json:"vehicleId,omitempty"`
}

// BatchResult reports how a batch settled. Per-item failures are logged,
// not returned; callers get counts only.
type BatchResult struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// IngestorConfig holds the configuration for the Ingestor.
type IngestorConfig struct {
	Logger *slog.Logger
	Store  *Store
	// Metrics is the optional Prometheus metrics collector.
	Metrics *metrics.BackendMetrics
	// MaxConcurrentWrites bounds the batch fan-out. Zero means the default.
	MaxConcurrentWrites int
}

// Ingestor applies validated readings through the Store, one at a time or
// as a concurrently fanned-out batch.
type Ingestor struct {
	logger              *slog.Logger
	store               *Store
	metrics             *metrics.BackendMetrics
	maxConcurrentWrites int
}

// NewIngestor creates a new Ingestor instance.
func NewIngestor(cfg *IngestorConfig) (*Ingestor, error) {
	if cfg == nil {
		return nil, errors.New("ingestor config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	maxWrites := cfg.MaxConcurrentWrites
	if maxWrites <= 0 {
		maxWrites = defaultMaxConcurrentWrites
	}

	return &Ingestor{
		logger:              cfg.Logger,
		store:               cfg.Store,
		metrics:             cfg.Metrics,
		maxConcurrentWrites: maxWrites,
	}, nil
}

// IngestMeter durably applies one meter reading. Storage failures propagate
// to the caller unchanged; nothing is retried here.
func (i *Ingestor) IngestMeter(ctx context.Context, r MeterReading) (IngestResult, error) {
	var timer *prometheus.Timer
	if i.metrics != nil {
		timer = prometheus.NewTimer(i.metrics.IngestDuration.WithLabelValues("meter"))
		defer timer.ObserveDuration()
	}

	if err := i.store.WriteMeterReading(ctx, r); err != nil {
		if i.metrics != nil {
			i.metrics.ReadingsIngested.WithLabelValues("meter", "error").Inc()
		}
		return IngestResult{}, err
	}

	if i.metrics != nil {
		i.metrics.ReadingsIngested.WithLabelValues("meter", "success").Inc()
	}
	i.logger.Debug("meter reading ingested",
		"meter_id", r.MeterID,
		"timestamp", r.Timestamp,
	)
	return IngestResult{MeterID: r.MeterID}, nil
}

// IngestVehicle durably applies one vehicle reading.
func (i *Ingestor) IngestVehicle(ctx context.Context, r VehicleReading) (IngestResult, error) {
	var timer *prometheus.Timer
	if i.metrics != nil {
		timer = prometheus.NewTimer(i.metrics.IngestDuration.WithLabelValues("vehicle"))
		defer timer.ObserveDuration()
	}

	if err := i.store.WriteVehicleReading(ctx, r); err != nil {
		if i.metrics != nil {
			i.metrics.ReadingsIngested.WithLabelValues("vehicle", "error").Inc()
		}
		return IngestResult{}, err
	}

	if i.metrics != nil {
		i.metrics.ReadingsIngested.WithLabelValues("vehicle", "success").Inc()
	}
	i.logger.Debug("vehicle reading ingested",
		"vehicle_id", r.VehicleID,
		"timestamp", r.Timestamp,
	)
	return IngestResult{VehicleID: r.VehicleID}, nil
}

// IngestMeterBatch applies every reading independently with a bounded
// concurrent fan-out and waits for all of them to settle. One item's
// failure never aborts its siblings; failures are counted and logged.
// Processing and completion order are unspecified.
func (i *Ingestor) IngestMeterBatch(ctx context.Context, readings []MeterReading) BatchResult {
	if i.metrics != nil {
		i.metrics.BatchSize.WithLabelValues("meter").Observe(float64(len(readings)))
	}

	var successful, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(i.maxConcurrentWrites)

	for _, r := range readings {
		g.Go(func() error {
			if err := i.store.WriteMeterReading(ctx, r); err != nil {
				failed.Add(1)
				if i.metrics != nil {
					i.metrics.ReadingsIngested.WithLabelValues("meter", "error").Inc()
				}
				i.logger.Error("batch meter write failed",
					"meter_id", r.MeterID,
					"error", err,
				)
				return nil
			}
			successful.Add(1)
			if i.metrics != nil {
				i.metrics.ReadingsIngested.WithLabelValues("meter", "success").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{
		Total:      len(readings),
		Successful: int(successful.Load()),
		Failed:     int(failed.Load()),
	}
	i.logger.Info("meter batch settled",
		"total", result.Total,
		"successful", result.Successful,
		"failed", result.Failed,
	)
	return result
}

// IngestVehicleBatch applies every reading independently with a bounded
// concurrent fan-out, mirroring IngestMeterBatch.
func (i *Ingestor) IngestVehicleBatch(ctx context.Context, readings []VehicleReading) BatchResult {
	if i.metrics != nil {
		i.metrics.BatchSize.WithLabelValues("vehicle").Observe(float64(len(readings)))
	}

	var successful, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(i.maxConcurrentWrites)

	for _, r := range readings {
		g.Go(func() error {
			if err := i.store.WriteVehicleReading(ctx, r); err != nil {
				failed.Add(1)
				if i.metrics != nil {
					i.metrics.ReadingsIngested.WithLabelValues("vehicle", "error").Inc()
				}
				i.logger.Error("batch vehicle write failed",
					"vehicle_id", r.VehicleID,
					"error", err,
				)
				return nil
			}
			successful.Add(1)
			if i.metrics != nil {
				i.metrics.ReadingsIngested.WithLabelValues("vehicle", "success").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{
		Total:      len(readings),
		Successful: int(successful.Load()),
		Failed:     int(failed.Load()),
	}
	i.logger.Info("vehicle batch settled",
		"total", result.Total,
		"successful", result.Successful,
		"failed", result.Failed,
	)
	return result
}
