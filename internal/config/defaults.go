package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig is returned when a configuration write is rejected.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCorrupt marks a persisted record that failed its integrity checks.
	ErrCorrupt = errors.New("corrupt configuration record")

	// ErrPersistWrite marks a failed write to persistent storage.
	ErrPersistWrite = errors.New("persist write failed")
)

// Factory values.
const (
	DefaultZoneCount               = 4
	DefaultFreezeThreshold         = 35 // °F
	DefaultTempSwitchThreshold     = 92 // °F
	DefaultTempAdjustLow           = 6
	DefaultTempAdjustHigh          = 4
	DefaultMaxDailyWateringMinutes = 120
	DefaultSensorReadIntervalMs    = 5000
	DefaultDryRaw                  = 125
	DefaultWetRaw                  = 550
	DefaultLowThreshold            = 40
	DefaultHighThreshold           = 70
	DefaultMaxDurationMinutes      = 30
	DefaultScheduleHour            = 6
	DefaultScheduleDuration        = 15
)

// DefaultSystem returns the factory system record.
func DefaultSystem() SystemConfig {
	return SystemConfig{
		ZoneCount:               DefaultZoneCount,
		TempUnit:                Fahrenheit,
		RelayActiveLow:          true,
		FreezeProtect:           true,
		FreezeThreshold:         DefaultFreezeThreshold,
		TempSwitchThreshold:     DefaultTempSwitchThreshold,
		TempAdjustLow:           DefaultTempAdjustLow,
		TempAdjustHigh:          DefaultTempAdjustHigh,
		NTPEnabled:              true,
		TimezoneOffset:          0,
		MaxDailyWateringMinutes: DefaultMaxDailyWateringMinutes,
		SensorReadIntervalMs:    DefaultSensorReadIntervalMs,
	}
}

// DefaultZone returns the factory record for the zone at index id.
func DefaultZone(id uint8) ZoneConfig {
	return ZoneConfig{
		ID:      id,
		Name:    fmt.Sprintf("Zone %d", int(id)+1),
		Enabled: true,
		Calibration: Calibration{
			DryRaw: DefaultDryRaw,
			WetRaw: DefaultWetRaw,
		},
		Thresholds: Thresholds{
			Low:  DefaultLowThreshold,
			High: DefaultHighThreshold,
		},
		Mode: ModeMoisture,
		Schedule: Schedule{
			Enabled:         false,
			StartHour:       DefaultScheduleHour,
			StartMinute:     0,
			DurationMinutes: DefaultScheduleDuration,
			Days:            Everyday,
		},
		MaxDurationMinutes: DefaultMaxDurationMinutes,
	}
}

// Defaults returns the complete factory configuration, with the checksum
// of the system record already computed.
func Defaults() Settings {
	s := Settings{System: DefaultSystem()}
	for i := range s.Zones {
		s.Zones[i] = DefaultZone(uint8(i))
	}
	s.System.Checksum = s.System.ComputeChecksum()
	return s
}

// Validate checks the system record invariants.
func (c SystemConfig) Validate() error {
	if c.ZoneCount < 1 || int(c.ZoneCount) > MaxZones {
		return fmt.Errorf("%w: zone count %d outside [1, %d]", ErrInvalidConfig, c.ZoneCount, MaxZones)
	}
	if c.TempUnit > Celsius {
		return fmt.Errorf("%w: unknown temperature unit %d", ErrInvalidConfig, c.TempUnit)
	}
	if c.TimezoneOffset < -12*60 || c.TimezoneOffset > 14*60 {
		return fmt.Errorf("%w: timezone offset %d minutes out of range", ErrInvalidConfig, c.TimezoneOffset)
	}
	if c.MaxDailyWateringMinutes == 0 {
		return fmt.Errorf("%w: max daily watering must be positive", ErrInvalidConfig)
	}
	if c.SensorReadIntervalMs == 0 {
		return fmt.Errorf("%w: sensor read interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the zone record invariants.
func (z ZoneConfig) Validate() error {
	if int(z.ID) >= MaxZones {
		return fmt.Errorf("%w: zone id %d outside [0, %d)", ErrInvalidConfig, z.ID, MaxZones)
	}
	if len(z.Name) > NameCapacity {
		return fmt.Errorf("%w: zone name longer than %d bytes", ErrInvalidConfig, NameCapacity)
	}
	if strings.IndexByte(z.Name, 0) >= 0 {
		return fmt.Errorf("%w: zone name contains NUL", ErrInvalidConfig)
	}
	if z.Calibration.DryRaw >= z.Calibration.WetRaw {
		return fmt.Errorf("%w: zone %d calibration dry %d must be below wet %d",
			ErrInvalidConfig, z.ID, z.Calibration.DryRaw, z.Calibration.WetRaw)
	}
	if z.Thresholds.Low >= z.Thresholds.High {
		return fmt.Errorf("%w: zone %d low threshold %d must be below high %d",
			ErrInvalidConfig, z.ID, z.Thresholds.Low, z.Thresholds.High)
	}
	if z.Thresholds.High > 100 {
		return fmt.Errorf("%w: zone %d high threshold %d above 100%%", ErrInvalidConfig, z.ID, z.Thresholds.High)
	}
	if !z.Mode.Valid() {
		return fmt.Errorf("%w: zone %d mode %d", ErrInvalidConfig, z.ID, z.Mode)
	}
	if z.Schedule.StartHour > 23 || z.Schedule.StartMinute > 59 {
		return fmt.Errorf("%w: zone %d schedule start %02d:%02d", ErrInvalidConfig,
			z.ID, z.Schedule.StartHour, z.Schedule.StartMinute)
	}
	if z.Schedule.DurationMinutes > 24*60 {
		return fmt.Errorf("%w: zone %d schedule longer than a day", ErrInvalidConfig, z.ID)
	}
	if z.Schedule.Days > Everyday {
		return fmt.Errorf("%w: zone %d day mask 0x%02X", ErrInvalidConfig, z.ID, uint8(z.Schedule.Days))
	}
	if z.MaxDurationMinutes == 0 {
		return fmt.Errorf("%w: zone %d max duration must be positive", ErrInvalidConfig, z.ID)
	}
	return nil
}

// Validate checks the system record and every active zone.
func (s Settings) Validate() error {
	if err := s.System.Validate(); err != nil {
		return err
	}
	for i, z := range s.ActiveZones() {
		if int(z.ID) != i {
			return fmt.Errorf("%w: zone record %d carries id %d", ErrInvalidConfig, i, z.ID)
		}
		if err := z.Validate(); err != nil {
			return err
		}
	}
	return nil
}
