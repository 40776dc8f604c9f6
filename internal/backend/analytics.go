package backend

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"voltstream.dev/telemetry/pkg/metrics"
)

// PerformanceWindow is the trailing span a performance report covers.
const PerformanceWindow = 24 * time.Hour

// Period is the absolute window a performance report was computed over.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DataPoints counts the history rows that fed a performance report.
type DataPoints struct {
	Vehicle int64 `json:"vehicle"`
	Meter   int64 `json:"meter"`
}

// PerformanceMetrics is a vehicle's charging performance over the trailing
// window: grid energy drawn, battery energy delivered, and the conversion
// efficiency between them.
type PerformanceMetrics struct {
	VehicleID          string     `json:"vehicleId"`
	Period             Period     `json:"period"`
	EnergyConsumedAc   float64    `json:"energyConsumedAc"`
	EnergyDeliveredDc  float64    `json:"energyDeliveredDc"`
	EfficiencyRatio    float64    `json:"efficiencyRatio"`
	AverageBatteryTemp float64    `json:"averageBatteryTemp"`
	DataPoints         DataPoints `json:"dataPoints"`
}

// AnalyticsConfig holds the configuration for the Analytics component.
type AnalyticsConfig struct {
	Logger *slog.Logger
	Store  *Store
	// Metrics is the optional Prometheus metrics collector.
	Metrics *metrics.BackendMetrics
}

// Analytics serves live-state lookups and windowed performance reports on
// top of the Store.
type Analytics struct {
	logger  *slog.Logger
	store   *Store
	metrics *metrics.BackendMetrics
}

// NewAnalytics creates a new Analytics instance.
func NewAnalytics(cfg *AnalyticsConfig) (*Analytics, error) {
	if cfg == nil {
		return nil, errors.New("analytics config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	return &Analytics{
		logger:  cfg.Logger,
		store:   cfg.Store,
		metrics: cfg.Metrics,
	}, nil
}

// GetVehiclePerformance reports a vehicle's charging performance over the
// 24 hours trailing now, both window bounds inclusive. Existence is decided
// by the live-state row alone: an unknown vehicle fails with ErrNotFound
// even when history rows exist, and a known vehicle with no rows in the
// window reports zeros.
//
// Meter history is read with the vehicle's own id: the deployment assumes
// each vehicle charges through a dedicated meter registered under the same
// identifier. A real vehicle-to-meter mapping would replace this.
func (a *Analytics) GetVehiclePerformance(ctx context.Context, vehicleID string, now time.Time) (*PerformanceMetrics, error) {
	var timer *prometheus.Timer
	if a.metrics != nil {
		timer = prometheus.NewTimer(a.metrics.QueryDuration.WithLabelValues("vehicle_performance"))
		defer timer.ObserveDuration()
	}

	from := now.Add(-PerformanceWindow)

	if _, err := a.store.ReadVehicleLiveState(ctx, vehicleID); err != nil {
		a.observeQuery("vehicle_performance", err)
		return nil, err
	}

	vehicleAgg, err := a.store.AggregateVehicleHistory(ctx, vehicleID, from, now)
	if err != nil {
		a.observeQuery("vehicle_performance", err)
		return nil, err
	}

	meterAgg, err := a.store.AggregateMeterHistory(ctx, vehicleID, from, now)
	if err != nil {
		a.observeQuery("vehicle_performance", err)
		return nil, err
	}

	efficiency := 0.0
	if meterAgg.SumKwhConsumedAc > 0 {
		efficiency = round2(vehicleAgg.SumKwhDeliveredDc / meterAgg.SumKwhConsumedAc * 100)
	}

	a.observeQuery("vehicle_performance", nil)
	a.logger.Debug("vehicle performance computed",
		"vehicle_id", vehicleID,
		"window_start", from,
		"window_end", now,
		"vehicle_rows", vehicleAgg.Count,
		"meter_rows", meterAgg.Count,
	)

	return &PerformanceMetrics{
		VehicleID:          vehicleID,
		Period:             Period{Start: from, End: now},
		EnergyConsumedAc:   meterAgg.SumKwhConsumedAc,
		EnergyDeliveredDc:  vehicleAgg.SumKwhDeliveredDc,
		EfficiencyRatio:    efficiency,
		AverageBatteryTemp: round2(vehicleAgg.AvgBatteryTemp),
		DataPoints: DataPoints{
			Vehicle: vehicleAgg.Count,
			Meter:   meterAgg.Count,
		},
	}, nil
}

// GetVehicleLiveState returns the most recent state for one vehicle. It is
// a direct key lookup; history size has no bearing on it.
func (a *Analytics) GetVehicleLiveState(ctx context.Context, vehicleID string) (*VehicleLiveState, error) {
	var timer *prometheus.Timer
	if a.metrics != nil {
		timer = prometheus.NewTimer(a.metrics.QueryDuration.WithLabelValues("vehicle_live_state"))
		defer timer.ObserveDuration()
	}

	state, err := a.store.ReadVehicleLiveState(ctx, vehicleID)
	a.observeQuery("vehicle_live_state", err)
	return state, err
}

// GetMeterLiveState returns the most recent state for one meter. It is a
// direct key lookup; history size has no bearing on it.
func (a *Analytics) GetMeterLiveState(ctx context.Context, meterID string) (*MeterLiveState, error) {
	var timer *prometheus.Timer
	if a.metrics != nil {
		timer = prometheus.NewTimer(a.metrics.QueryDuration.WithLabelValues("meter_live_state"))
		defer timer.ObserveDuration()
	}

	state, err := a.store.ReadMeterLiveState(ctx, meterID)
	a.observeQuery("meter_live_state", err)
	return state, err
}

// observeQuery counts one query outcome when metrics are attached.
func (a *Analytics) observeQuery(operation string, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	a.metrics.QueriesTotal.WithLabelValues(operation, status).Inc()
}

// round2 rounds to two decimal places, the precision performance reports
// are published at.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
