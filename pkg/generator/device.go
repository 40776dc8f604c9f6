// Package generator produces synthetic charge point identities and
// charging session telemetry.
package generator

import (
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// ChargePoint is a synthetic charging station identity. Each charge
// point serves a single vehicle and meters it under the same identifier.
type ChargePoint struct {
	Timestamp time.Time
	DeviceID  string  `fake:"{uuid}"`
	Site      string  `fake:"{city}, {state}"`
	Operator  string  `fake:"{company}"`
	Firmware  string  `fake:"{appversion}"`
	Latitude  float64 `fake:"{latitude}"`
	Longitude float64 `fake:"{longitude}"`
}

// ChargeSample is one tick of a charging session: the vehicle-side and
// grid-side view of the same interval.
type ChargeSample struct {
	Timestamp      time.Time
	DeviceID       string
	SocPercent     float64
	KwhDeliveredDc float64 // DC energy delivered to the battery this interval
	KwhConsumedAc  float64 // AC energy drawn from the grid this interval
	Voltage        float64
	BatteryTempC   float64
}

// SessionGenerator models a single charging session with a CC-CV power
// curve, conversion losses, and battery thermals.
type SessionGenerator struct {
	deviceID       string
	capacityKwh    float64
	maxPowerKw     float64
	efficiency     float64 // DC out per AC in, always below 1
	soc            float64
	batteryTemp    float64
	ambientTemp    float64
	nominalVoltage float64
	noise          float64
}

// taperStartSoc is the state of charge above which the charger leaves
// constant-power mode and tapers toward zero.
const taperStartSoc = 80.0

// NewChargePoint generates a random charge point identity.
func NewChargePoint() *ChargePoint {
	var cp ChargePoint
	err := gofakeit.Struct(&cp)
	if err != nil {
		return nil
	}
	cp.Timestamp = time.Now()
	return &cp
}

// NewSessionGenerator starts a charging session for the given device
// with randomized battery and charger characteristics.
// Note: Uses math/rand which is acceptable for simulation data.
func NewSessionGenerator(deviceID string) *SessionGenerator {
	ambient := 15.0 + rand.Float64()*15 // 15-30°C
	return &SessionGenerator{
		deviceID:       deviceID,
		capacityKwh:    40.0 + rand.Float64()*60,  // 40-100 kWh pack
		maxPowerKw:     50.0 + rand.Float64()*100, // 50-150 kW charger
		efficiency:     0.88 + rand.Float64()*0.07,
		soc:            10.0 + rand.Float64()*50, // plug in at 10-60%
		batteryTemp:    ambient,
		ambientTemp:    ambient,
		nominalVoltage: 400.0,
		noise:          rand.Float64() * 2,
	}
}

// Soc returns the current state of charge in percent.
func (g *SessionGenerator) Soc() float64 {
	return g.soc
}

// Full reports whether the battery has reached full charge.
func (g *SessionGenerator) Full() bool {
	return g.soc >= 100
}

// Restart begins a new session on the same device, as if the vehicle
// left and another plugged in.
func (g *SessionGenerator) Restart() {
	g.soc = 10.0 + rand.Float64()*50
	g.batteryTemp = g.ambientTemp
}

// GeneratePower returns the DC charging power in kW for the current
// state of charge. Constant power up to the taper threshold, then a
// linear ramp toward zero at full charge.
func (g *SessionGenerator) GeneratePower() float64 {
	if g.soc >= 100 {
		return 0
	}

	power := g.maxPowerKw

	if g.soc > taperStartSoc {
		power = g.maxPowerKw * (100 - g.soc) / (100 - taperStartSoc)
	}

	// Small tick-to-tick fluctuation
	power += (rand.Float64() - 0.5) * g.noise

	// Occasional thermal derating (2% chance)
	if rand.Float64() < 0.02 {
		power *= 0.5 + rand.Float64()*0.3
	}

	return math.Max(0, power)
}

// GenerateVoltage returns the grid-side voltage for the given time.
// Nominal 400V with jitter and a slight sag during evening peak hours.
func (g *SessionGenerator) GenerateVoltage(t time.Time) float64 {
	jitter := (rand.Float64() - 0.5) * 8 // ±4V

	// Evening demand pulls the feeder down a little
	hour := float64(t.Hour())
	sag := 2 * math.Sin((hour-18)*math.Pi/12)

	return g.nominalVoltage + jitter - sag
}

// GenerateBatteryTemp advances the pack temperature: heating is
// proportional to charge power, cooling pulls back toward ambient.
func (g *SessionGenerator) GenerateBatteryTemp(powerKw float64) float64 {
	heating := powerKw / g.maxPowerKw * 1.5
	cooling := (g.batteryTemp - g.ambientTemp) * 0.1
	drift := (rand.Float64() - 0.5) * 0.4

	g.batteryTemp = g.batteryTemp + heating - cooling + drift

	// Packs are thermally managed; clamp to a plausible envelope
	g.batteryTemp = math.Max(g.ambientTemp-5, math.Min(55, g.batteryTemp))
	return g.batteryTemp
}

// GenerateSample advances the session by interval and returns the
// paired grid-side and vehicle-side readings for that tick.
func (g *SessionGenerator) GenerateSample(t time.Time, interval time.Duration) *ChargeSample {
	power := g.GeneratePower()

	energyDc := power * interval.Hours()

	// Never charge past full
	remaining := (100 - g.soc) / 100 * g.capacityKwh
	energyDc = math.Min(energyDc, remaining)
	energyDc = math.Max(0, energyDc)

	g.soc = math.Min(100, g.soc+energyDc/g.capacityKwh*100)

	energyAc := energyDc / g.efficiency
	voltage := g.GenerateVoltage(t)
	temp := g.GenerateBatteryTemp(power)

	return &ChargeSample{
		Timestamp:      t,
		DeviceID:       g.deviceID,
		SocPercent:     math.Round(g.soc*10) / 10,
		KwhDeliveredDc: math.Round(energyDc*1000) / 1000,
		KwhConsumedAc:  math.Round(energyAc*1000) / 1000,
		Voltage:        math.Round(voltage*100) / 100,
		BatteryTempC:   math.Round(temp*10) / 10,
	}
}
