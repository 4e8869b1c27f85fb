package telemetry

import (
	"fmt"
	"time"
)

type Key string

// Canonical key vocabulary shared by every transport. A transport omits the
// keys it cannot supply.
const (
	KeyPVPower               Key = "pv_power"
	KeyDailyPVGeneration     Key = "daily_pv_generation"
	KeyTotalPVGeneration     Key = "total_pv_generation"
	KeyBatterySoC            Key = "battery_soc"
	KeyBatteryPower          Key = "battery_power"
	KeyBatteryVoltage        Key = "battery_voltage"
	KeyBatteryCurrent        Key = "battery_current"
	KeyBatteryTemp           Key = "battery_temp"
	KeyDailyBatteryCharge    Key = "daily_battery_charge"
	KeyDailyBatteryDischarge Key = "daily_battery_discharge"
	KeyGridExportPower       Key = "grid_export_power"
	KeyDailyGridExport       Key = "daily_grid_export"
	KeyDailyGridImport       Key = "daily_grid_import"
	KeyTotalGridExport       Key = "total_grid_export"
	KeyTotalGridImport       Key = "total_grid_import"
	KeyLoadPower             Key = "load_power"
	KeyDailyLoadConsumption  Key = "daily_load_consumption"
	KeyInverterStatus        Key = "inverter_status"
	KeyInverterTemp          Key = "inverter_temp"
	KeyDailyRunningTime      Key = "daily_running_time"
)

type Unit string

const (
	UnitWatt    Unit = "W"
	UnitKWh     Unit = "kWh"
	UnitPercent Unit = "%"
	UnitVolt    Unit = "V"
	UnitAmpere  Unit = "A"
	UnitCelsius Unit = "°C"
	UnitMinute  Unit = "min"
	UnitNone    Unit = ""
)

var units = map[Key]Unit{
	KeyPVPower:               UnitWatt,
	KeyDailyPVGeneration:     UnitKWh,
	KeyTotalPVGeneration:     UnitKWh,
	KeyBatterySoC:            UnitPercent,
	KeyBatteryPower:          UnitWatt,
	KeyBatteryVoltage:        UnitVolt,
	KeyBatteryCurrent:        UnitAmpere,
	KeyBatteryTemp:           UnitCelsius,
	KeyDailyBatteryCharge:    UnitKWh,
	KeyDailyBatteryDischarge: UnitKWh,
	KeyGridExportPower:       UnitWatt,
	KeyDailyGridExport:       UnitKWh,
	KeyDailyGridImport:       UnitKWh,
	KeyTotalGridExport:       UnitKWh,
	KeyTotalGridImport:       UnitKWh,
	KeyLoadPower:             UnitWatt,
	KeyDailyLoadConsumption:  UnitKWh,
	KeyInverterStatus:        UnitNone,
	KeyInverterTemp:          UnitCelsius,
	KeyDailyRunningTime:      UnitMinute,
}

// Keys returns the full canonical vocabulary.
func Keys() []Key {
	keys := make([]Key, 0, len(units))
	for k := range units {
		keys = append(keys, k)
	}
	return keys
}

func UnitOf(key Key) Unit {
	return units[key]
}

func InverterStatusToString(code uint16) string {
	switch code {
	case 0:
		return "Standby"
	case 1:
		return "Running"
	case 2:
		return "Fault"
	case 3:
		return "Permanent Fault"
	case 4:
		return "Initial Standby"
	case 5:
		return "Starting"
	case 6:
		return "Alarm"
	default:
		return fmt.Sprintf("Unknown (%d)", code)
	}
}

// Reading is a single decoded value. Enumerated readings keep the raw code in
// Value and the label in Enum.
type Reading struct {
	Key        Key
	Value      float64
	Enum       string
	Unit       Unit
	CapturedAt time.Time
}

func (r Reading) IsEnum() bool {
	return r.Enum != ""
}

// NewReading builds a reading for key, resolving its unit and, for the
// inverter status, its label.
func NewReading(key Key, value float64, capturedAt time.Time) Reading {
	r := Reading{
		Key:        key,
		Value:      value,
		Unit:       UnitOf(key),
		CapturedAt: capturedAt,
	}
	if key == KeyInverterStatus {
		r.Enum = InverterStatusToString(uint16(value))
	}
	return r
}

// Snapshot is the complete result of one successful poll of one transport.
type Snapshot struct {
	Transport  string
	CapturedAt time.Time
	Readings   map[Key]Reading
}

func NewSnapshot(transport string, capturedAt time.Time, readings []Reading) Snapshot {
	m := make(map[Key]Reading, len(readings))
	for _, r := range readings {
		m[r.Key] = r
	}
	return Snapshot{
		Transport:  transport,
		CapturedAt: capturedAt,
		Readings:   m,
	}
}

func (s Snapshot) Get(key Key) (Reading, bool) {
	r, ok := s.Readings[key]
	return r, ok
}

func (s Snapshot) KeySet() map[Key]struct{} {
	set := make(map[Key]struct{}, len(s.Readings))
	for k := range s.Readings {
		set[k] = struct{}{}
	}
	return set
}

func (s Snapshot) IsEmpty() bool {
	return len(s.Readings) == 0
}
