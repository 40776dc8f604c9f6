package backend

import (
	"errors"
	"fmt"
	"time"
)

// MeterReading is one grid-meter telemetry sample as it arrives at the HTTP
// or queue boundary. Boundaries must call Validate before handing it to the
// Ingestor; the core trusts its fields.
type MeterReading struct {
	MeterID       string    `json:"meterId"`
	KwhConsumedAc float64   `json:"kwhConsumedAc"`
	Voltage       float64   `json:"voltage"`
	Timestamp     time.Time `json:"timestamp"`
}

// Validate checks the range and shape constraints for a meter reading.
func (r MeterReading) Validate() error {
	if r.MeterID == "" {
		return errors.New("meterId cannot be empty")
	}
	if r.KwhConsumedAc < 0 {
		return fmt.Errorf("kwhConsumedAc cannot be negative, got %v", r.KwhConsumedAc)
	}
	if r.Voltage < 0 {
		return fmt.Errorf("voltage cannot be negative, got %v", r.Voltage)
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// VehicleReading is one EV telemetry sample as it arrives at the HTTP or
// queue boundary.
type VehicleReading struct {
	VehicleID      string    `json:"vehicleId"`
	SOC            float64   `json:"soc"`
	KwhDeliveredDc float64   `json:"kwhDeliveredDc"`
	BatteryTemp    float64   `json:"batteryTemp"`
	Timestamp      time.Time `json:"timestamp"`
}

// Validate checks the range and shape constraints for a vehicle reading.
func (r VehicleReading) Validate() error {
	if r.VehicleID == "" {
		return errors.New("vehicleId cannot be empty")
	}
	if r.SOC < 0 || r.SOC > 100 {
		return fmt.Errorf("soc must be between 0 and 100, got %v", r.SOC)
	}
	if r.KwhDeliveredDc < 0 {
		return fmt.Errorf("kwhDeliveredDc cannot be negative, got %v", r.KwhDeliveredDc)
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}
