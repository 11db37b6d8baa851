// Package config holds the persisted irrigation configuration: the system
// record, the per-zone records, their fixed binary layout and the checksummed
// store that survives power loss.
package config

import (
	"fmt"
	"strings"
	"time"
)

// MaxZones is the number of zone records the store always carries,
// regardless of the active zone count.
const MaxZones = 8

// NameCapacity is the fixed, NUL-padded size of a zone name on disk.
const NameCapacity = 16

// Mode selects the decision strategy of a zone.
type Mode uint8

const (
	ModeMoisture Mode = iota // Moisture-only hysteresis
	ModeTime                 // Scheduled run once per day
	ModeHybrid               // Moisture hysteresis inside the schedule window
	ModeManual               // External toggle only
)

func (m Mode) String() string {
	switch m {
	case ModeMoisture:
		return "moisture"
	case ModeTime:
		return "time"
	case ModeHybrid:
		return "hybrid"
	case ModeManual:
		return "manual"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m <= ModeManual
}

// ParseMode converts a mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "moisture":
		return ModeMoisture, nil
	case "time":
		return ModeTime, nil
	case "hybrid":
		return ModeHybrid, nil
	case "manual":
		return ModeManual, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// TempUnit is the unit temperatures are displayed in.
type TempUnit uint8

const (
	Fahrenheit TempUnit = iota
	Celsius
)

func (u TempUnit) String() string {
	switch u {
	case Fahrenheit:
		return "F"
	case Celsius:
		return "C"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(u))
	}
}

// Display converts a Fahrenheit sensor temperature into the display unit.
func (u TempUnit) Display(fahrenheit float64) float64 {
	if u == Celsius {
		return (fahrenheit - 32) * 5 / 9
	}
	return fahrenheit
}

// DayMask is a days-of-week bitset. Bit 0 is Sunday, bit 6 is Saturday.
type DayMask uint8

// Everyday has all seven day bits set.
const Everyday DayMask = 0x7F

// Has reports whether the given weekday is enabled.
func (d DayMask) Has(day time.Weekday) bool {
	return d&(1<<uint(day)) != 0
}

// With returns d with the given weekday enabled.
func (d DayMask) With(day time.Weekday) DayMask {
	return d | 1<<uint(day)
}

func (d DayMask) String() string {
	names := [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}
	var days []string
	for i, n := range names {
		if d.Has(time.Weekday(i)) {
			days = append(days, n)
		}
	}
	if len(days) == 0 {
		return "none"
	}
	return strings.Join(days, ",")
}

// Calibration maps raw sensor readings onto 0-100% moisture.
type Calibration struct {
	DryRaw uint16 `yaml:"dry_raw" json:"dry_raw"`
	WetRaw uint16 `yaml:"wet_raw" json:"wet_raw"`
}

// Thresholds are the moisture hysteresis bounds in percent.
type Thresholds struct {
	Low  uint8 `yaml:"low" json:"low"`
	High uint8 `yaml:"high" json:"high"`
}

// Schedule is a daily watering window.
type Schedule struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	StartHour       uint8   `yaml:"start_hour" json:"start_hour"`
	StartMinute     uint8   `yaml:"start_minute" json:"start_minute"`
	DurationMinutes uint16  `yaml:"duration_minutes" json:"duration_minutes"`
	Days            DayMask `yaml:"days" json:"days"`
}

// ZoneConfig is the persisted configuration of one watering zone.
// ID is the zone's index in the store.
type ZoneConfig struct {
	ID                 uint8       `yaml:"id" json:"id"`
	Name               string      `yaml:"name" json:"name"`
	Enabled            bool        `yaml:"enabled" json:"enabled"`
	Calibration        Calibration `yaml:"calibration" json:"calibration"`
	Thresholds         Thresholds  `yaml:"thresholds" json:"thresholds"`
	Mode               Mode        `yaml:"mode" json:"mode"`
	Schedule           Schedule    `yaml:"schedule" json:"schedule"`
	MaxDurationMinutes uint16      `yaml:"max_duration_minutes" json:"max_duration_minutes"`
}

// MaxDuration returns the single-run ceiling as a duration.
func (z ZoneConfig) MaxDuration() time.Duration {
	return time.Duration(z.MaxDurationMinutes) * time.Minute
}

// SystemConfig is the persisted system-wide record.
type SystemConfig struct {
	ZoneCount               uint8    `yaml:"zone_count" json:"zone_count"`
	TempUnit                TempUnit `yaml:"temp_unit" json:"temp_unit"`
	RelayActiveLow          bool     `yaml:"relay_active_low" json:"relay_active_low"` // low signal level energizes a valve
	FreezeProtect           bool     `yaml:"freeze_protect" json:"freeze_protect"`
	FreezeThreshold         int16    `yaml:"freeze_threshold" json:"freeze_threshold"`
	TempSwitchThreshold     int16    `yaml:"temp_switch_threshold" json:"temp_switch_threshold"`
	TempAdjustLow           uint8    `yaml:"temp_adjust_low" json:"temp_adjust_low"`
	TempAdjustHigh          uint8    `yaml:"temp_adjust_high" json:"temp_adjust_high"`
	NTPEnabled              bool     `yaml:"ntp_enabled" json:"ntp_enabled"`
	TimezoneOffset          int16    `yaml:"timezone_offset" json:"timezone_offset"` // minutes east of UTC
	MaxDailyWateringMinutes uint16   `yaml:"max_daily_watering_minutes" json:"max_daily_watering_minutes"`
	SensorReadIntervalMs    uint32   `yaml:"sensor_read_interval_ms" json:"sensor_read_interval_ms"`
	Checksum                uint16   `yaml:"checksum" json:"checksum"`
}

// Location returns the fixed time zone described by TimezoneOffset.
func (c SystemConfig) Location() *time.Location {
	return time.FixedZone("local", int(c.TimezoneOffset)*60)
}

// SensorReadInterval returns the control loop period.
func (c SystemConfig) SensorReadInterval() time.Duration {
	return time.Duration(c.SensorReadIntervalMs) * time.Millisecond
}

// MaxDailyWatering returns the per-zone daily cap.
func (c SystemConfig) MaxDailyWatering() time.Duration {
	return time.Duration(c.MaxDailyWateringMinutes) * time.Minute
}

// Settings is the complete persisted configuration. It is a value type:
// copying it yields an independent snapshot.
type Settings struct {
	System SystemConfig         `yaml:"system" json:"system"`
	Zones  [MaxZones]ZoneConfig `yaml:"zones" json:"zones"`
}

// ActiveZones returns the zone records covered by ZoneCount.
func (s Settings) ActiveZones() []ZoneConfig {
	n := int(s.System.ZoneCount)
	if n > MaxZones {
		n = MaxZones
	}
	out := make([]ZoneConfig, n)
	copy(out, s.Zones[:n])
	return out
}
