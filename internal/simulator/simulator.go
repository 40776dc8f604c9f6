// Package simulator generates charging session telemetry and publishes
// it to the ingestion queues.
package simulator

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"voltstream.dev/telemetry/internal/backend"
	"voltstream.dev/telemetry/pkg/generator"
	"voltstream.dev/telemetry/pkg/metrics"
	"voltstream.dev/telemetry/pkg/mq"
)

// Simulator manages a set of charge points and publishes their paired
// meter and vehicle readings to the message queues.
type Simulator struct {
	MeterMQClient   mq.ClientInterface
	VehicleMQClient mq.ClientInterface
	ChargePoints    []*generator.ChargePoint
	sessions        map[string]*generator.SessionGenerator
	metrics         *metrics.SimulatorMetrics // Optional metrics
}

// NewSimulator creates a simulator with a random number of charge
// points, each running its own charging session.
// Note: Uses math/rand for fleet sizing which is acceptable for simulation data.
func NewSimulator(meterClient mq.ClientInterface, vehicleClient mq.ClientInterface) *Simulator {
	pointCount := rand.Intn(5) + 1 // #nosec G404 - weak random is acceptable for test data generation
	chargePoints := make([]*generator.ChargePoint, 0, pointCount)
	sessions := make(map[string]*generator.SessionGenerator, pointCount)

	for range pointCount {
		cp := generator.NewChargePoint()
		if cp == nil {
			continue
		}
		chargePoints = append(chargePoints, cp)
		sessions[cp.DeviceID] = generator.NewSessionGenerator(cp.DeviceID)
	}

	return &Simulator{
		MeterMQClient:   meterClient,
		VehicleMQClient: vehicleClient,
		ChargePoints:    chargePoints,
		sessions:        sessions,
	}
}

// SetMetrics sets the metrics collector for this simulator.
func (s *Simulator) SetMetrics(m *metrics.SimulatorMetrics) {
	s.metrics = m
}

// PublishReadings advances one randomly chosen charging session by the
// given interval and publishes the resulting meter and vehicle readings.
// Note: Uses math/rand for charge point selection which is acceptable for simulation.
func (s *Simulator) PublishReadings(ctx context.Context, interval time.Duration) error {
	var timer *prometheus.Timer
	if s.metrics != nil {
		timer = prometheus.NewTimer(s.metrics.TickDuration)
		defer timer.ObserveDuration()
	}

	cp := s.ChargePoints[rand.Intn(len(s.ChargePoints))] // #nosec G404 - weak random is acceptable for simulation
	session := s.sessions[cp.DeviceID]

	if session.Full() {
		session.Restart()
		if s.metrics != nil {
			s.metrics.SessionsCompleted.Inc()
		}
		slog.Debug("charging session completed, vehicle swapped", "device_id", cp.DeviceID)
	}

	sample := session.GenerateSample(time.Now().UTC(), interval)

	meter := backend.MeterReading{
		MeterID:       sample.DeviceID,
		KwhConsumedAc: sample.KwhConsumedAc,
		Voltage:       sample.Voltage,
		Timestamp:     sample.Timestamp,
	}

	vehicle := backend.VehicleReading{
		VehicleID:      sample.DeviceID,
		SOC:            sample.SocPercent,
		KwhDeliveredDc: sample.KwhDeliveredDc,
		BatteryTemp:    sample.BatteryTempC,
		Timestamp:      sample.Timestamp,
	}

	if err := s.publish(ctx, s.MeterMQClient, "meter", meter); err != nil {
		return err
	}

	return s.publish(ctx, s.VehicleMQClient, "vehicle", vehicle)
}

// publish marshals a reading and pushes it to the given client,
// recording per-class metrics.
func (s *Simulator) publish(ctx context.Context, client mq.ClientInterface, class string, reading any) error {
	message, err := json.Marshal(reading)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(class, "marshal_error").Inc()
		}
		return err
	}

	if err := client.Push(ctx, message); err != nil {
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(class, "push_error").Inc()
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.ReadingsPublished.WithLabelValues(class).Inc()
	}

	return nil
}
