// Package backend implements the voltstream telemetry service: HTTP and
// queue ingest boundaries feeding a dual-persistence store that keeps one
// live-state row per device alongside an append-only history, plus the
// analytics that aggregate over that history.
package backend

import (
	"time"
)

// MeterLiveState holds the most recent reading for one grid meter. Exactly
// one row exists per meter id; every ingest overwrites it in place.
type MeterLiveState struct {
	LastUpdatedAt time.Time `gorm:"not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
	MeterID       string    `gorm:"uniqueIndex;not null"`
	KwhConsumedAc float64   `gorm:"not null;check:chk_meter_state_kwh,kwh_consumed_ac >= 0"`
	Voltage       float64   `gorm:"not null;check:chk_meter_state_voltage,voltage >= 0"`
	ID            uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for MeterLiveState.
func (MeterLiveState) TableName() string {
	return "meter_live_states"
}

// VehicleLiveState holds the most recent reading for one vehicle. Exactly
// one row exists per vehicle id; every ingest overwrites it in place.
type VehicleLiveState struct {
	LastUpdatedAt  time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
	VehicleID      string    `gorm:"uniqueIndex;not null"`
	SOC            float64   `gorm:"column:soc;not null;check:chk_vehicle_state_soc,soc >= 0 AND soc <= 100"`
	KwhDeliveredDc float64   `gorm:"not null;check:chk_vehicle_state_kwh,kwh_delivered_dc >= 0"`
	BatteryTemp    float64   `gorm:"not null"`
	ID             uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for VehicleLiveState.
func (VehicleLiveState) TableName() string {
	return "vehicle_live_states"
}

// MeterTelemetryHistory is one immutable meter reading. Rows are only ever
// inserted; the autoincrement id gives total insertion order independent of
// the device-reported timestamp. The composite (meter_id, timestamp) index
// serves per-meter window aggregation, the timestamp index cross-meter
// queries.
type MeterTelemetryHistory struct {
	Timestamp     time.Time `gorm:"index:idx_meter_history_device_ts,priority:2;index:idx_meter_history_ts;not null"`
	IngestedAt    time.Time `gorm:"autoCreateTime"`
	MeterID       string    `gorm:"index:idx_meter_history_device_ts,priority:1;not null"`
	KwhConsumedAc float64   `gorm:"not null;check:chk_meter_history_kwh,kwh_consumed_ac >= 0"`
	Voltage       float64   `gorm:"not null;check:chk_meter_history_voltage,voltage >= 0"`
	ID            uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for MeterTelemetryHistory.
func (MeterTelemetryHistory) TableName() string {
	return "meter_telemetry_history"
}

// VehicleTelemetryHistory is one immutable vehicle reading, indexed like
// MeterTelemetryHistory.
type VehicleTelemetryHistory struct {
	Timestamp      time.Time `gorm:"index:idx_vehicle_history_device_ts,priority:2;index:idx_vehicle_history_ts;not null"`
	IngestedAt     time.Time `gorm:"autoCreateTime"`
	VehicleID      string    `gorm:"index:idx_vehicle_history_device_ts,priority:1;not null"`
	SOC            float64   `gorm:"column:soc;not null;check:chk_vehicle_history_soc,soc >= 0 AND soc <= 100"`
	KwhDeliveredDc float64   `gorm:"not null;check:chk_vehicle_history_kwh,kwh_delivered_dc >= 0"`
	BatteryTemp    float64   `gorm:"not null"`
	ID             uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for VehicleTelemetryHistory.
func (VehicleTelemetryHistory) TableName() string {
	return "vehicle_telemetry_history"
}
