package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by live-state lookups when no row exists for the
// requested device id. History rows alone never make a device known.
var ErrNotFound = errors.New("device not found")

// Store owns the dual-persistence primitives: every accepted reading is
// applied as one transaction that appends a history row and upserts the
// device's live-state row, so readers always observe both writes or
// neither.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on an open database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// WriteMeterReading durably applies one meter reading: a history insert and
// a live-state upsert in a single transaction. A failure of either
// statement rolls back both.
func (s *Store) WriteMeterReading(ctx context.Context, r MeterReading) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		history := MeterTelemetryHistory{
			MeterID:       r.MeterID,
			KwhConsumedAc: r.KwhConsumedAc,
			Voltage:       r.Voltage,
			Timestamp:     r.Timestamp,
		}
		if err := tx.Create(&history).Error; err != nil {
			return fmt.Errorf("failed to insert meter history: %w", err)
		}

		state := MeterLiveState{
			MeterID:       r.MeterID,
			KwhConsumedAc: r.KwhConsumedAc,
			Voltage:       r.Voltage,
			LastUpdatedAt: r.Timestamp,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "meter_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"kwh_consumed_ac", "voltage", "last_updated_at", "updated_at",
			}),
		}).Create(&state).Error
		if err != nil {
			return fmt.Errorf("failed to upsert meter live state: %w", err)
		}
		return nil
	})
}

// WriteVehicleReading durably applies one vehicle reading with the same
// both-or-neither transaction as WriteMeterReading.
func (s *Store) WriteVehicleReading(ctx context.Context, r VehicleReading) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		history := VehicleTelemetryHistory{
			VehicleID:      r.VehicleID,
			SOC:            r.SOC,
			KwhDeliveredDc: r.KwhDeliveredDc,
			BatteryTemp:    r.BatteryTemp,
			Timestamp:      r.Timestamp,
		}
		if err := tx.Create(&history).Error; err != nil {
			return fmt.Errorf("failed to insert vehicle history: %w", err)
		}

		state := VehicleLiveState{
			VehicleID:      r.VehicleID,
			SOC:            r.SOC,
			KwhDeliveredDc: r.KwhDeliveredDc,
			BatteryTemp:    r.BatteryTemp,
			LastUpdatedAt:  r.Timestamp,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "vehicle_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"soc", "kwh_delivered_dc", "battery_temp", "last_updated_at", "updated_at",
			}),
		}).Create(&state).Error
		if err != nil {
			return fmt.Errorf("failed to upsert vehicle live state: %w", err)
		}
		return nil
	})
}

// ReadMeterLiveState looks up the live-state row for one meter. The lookup
// never touches history.
func (s *Store) ReadMeterLiveState(ctx context.Context, meterID string) (*MeterLiveState, error) {
	var state MeterLiveState
	err := s.db.WithContext(ctx).Where("meter_id = ?", meterID).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("meter %q: %w", meterID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read meter live state: %w", err)
	}
	return &state, nil
}

// ReadVehicleLiveState looks up the live-state row for one vehicle. The
// lookup never touches history.
func (s *Store) ReadVehicleLiveState(ctx context.Context, vehicleID string) (*VehicleLiveState, error) {
	var state VehicleLiveState
	err := s.db.WithContext(ctx).Where("vehicle_id = ?", vehicleID).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("vehicle %q: %w", vehicleID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read vehicle live state: %w", err)
	}
	return &state, nil
}

// MeterAggregate is the rollup of meter history rows inside a window.
type MeterAggregate struct {
	SumKwhConsumedAc float64
	Count            int64
}

// AggregateMeterHistory sums meter energy over [from, to], both bounds
// inclusive. The (meter_id, timestamp) index answers the query without
// touching rows outside the window; an empty window yields zeros.
func (s *Store) AggregateMeterHistory(ctx context.Context, meterID string, from, to time.Time) (MeterAggregate, error) {
	var agg MeterAggregate
	err := s.db.WithContext(ctx).
		Model(&MeterTelemetryHistory{}).
		Select("COALESCE(SUM(kwh_consumed_ac), 0) AS sum_kwh_consumed_ac, COUNT(*) AS count").
		Where("meter_id = ? AND timestamp BETWEEN ? AND ?", meterID, from, to).
		Scan(&agg).Error
	if err != nil {
		return MeterAggregate{}, fmt.Errorf("failed to aggregate meter history: %w", err)
	}
	return agg, nil
}

// VehicleAggregate is the rollup of vehicle history rows inside a window.
type VehicleAggregate struct {
	SumKwhDeliveredDc float64
	AvgBatteryTemp    float64
	Count             int64
}

// AggregateVehicleHistory sums delivered energy and averages battery
// temperature over [from, to], both bounds inclusive. An empty window
// yields zeros.
func (s *Store) AggregateVehicleHistory(ctx context.Context, vehicleID string, from, to time.Time) (VehicleAggregate, error) {
	var agg VehicleAggregate
	err := s.db.WithContext(ctx).
		Model(&VehicleTelemetryHistory{}).
		Select("COALESCE(SUM(kwh_delivered_dc), 0) AS sum_kwh_delivered_dc, COALESCE(AVG(battery_temp), 0) AS avg_battery_temp, COUNT(*) AS count").
		Where("vehicle_id = ? AND timestamp BETWEEN ? AND ?", vehicleID, from, to).
		Scan(&agg).Error
	if err != nil {
		return VehicleAggregate{}, fmt.Errorf("failed to aggregate vehicle history: %w", err)
	}
	return agg, nil
}
