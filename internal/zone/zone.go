// Package zone implements the per-zone watering state machine and the
// decision strategies behind each mode.
package zone

import (
	"strings"
	"time"

	"github.com/agsys/zone-controller/internal/config"
	"github.com/agsys/zone-controller/internal/schedule"
)

// Flags are the status conditions raised on a zone.
type Flags uint8

const (
	FlagSensorRead Flags = 1 << iota
	FlagCalibration
	FlagThreshold
	FlagDailyCap
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	if f == 0 {
		return "ok"
	}
	var parts []string
	for _, x := range []struct {
		flag Flags
		name string
	}{
		{FlagSensorRead, "sensor_read_error"},
		{FlagCalibration, "calibration_error"},
		{FlagThreshold, "threshold_error"},
		{FlagDailyCap, "daily_cap_reached"},
	} {
		if f.Has(x.flag) {
			parts = append(parts, x.name)
		}
	}
	return strings.Join(parts, ",")
}

// State is the runtime state of one zone. The zero value is an idle zone
// that has never been read.
type State struct {
	Raw           uint16
	RawValid      bool
	Moisture      uint8
	MoistureValid bool

	On    bool
	Since time.Time // start of the current run

	LastWatered time.Time
	Flags       Flags

	wateredToday time.Duration // closed runs since the last daily reset
	meterFrom    time.Time     // start of the open run's metered span, zero for a pulse
}

// Start opens the valve at now.
func (s *State) Start(now time.Time) {
	if s.On {
		return
	}
	s.On = true
	s.Since = now
	s.meterFrom = now
	s.LastWatered = now
}

// Pulse opens the valve for line maintenance. A pulse is not watering: it
// leaves LastWatered and the daily total alone.
func (s *State) Pulse(now time.Time) {
	if s.On {
		return
	}
	s.On = true
	s.Since = now
	s.meterFrom = time.Time{}
}

func (s *State) metered() bool {
	return s.On && !s.meterFrom.IsZero()
}

// Stop closes the valve at now and books the run time.
func (s *State) Stop(now time.Time) {
	if !s.On {
		return
	}
	if s.metered() {
		if d := now.Sub(s.meterFrom); d > 0 {
			s.wateredToday += d
		}
	}
	s.On = false
	s.Since = time.Time{}
	s.meterFrom = time.Time{}
}

// Elapsed returns the length of the current run.
func (s *State) Elapsed(now time.Time) time.Duration {
	if !s.On {
		return 0
	}
	return now.Sub(s.Since)
}

// WateredToday returns the total watering time since the last daily reset,
// including the open run.
func (s *State) WateredToday(now time.Time) time.Duration {
	total := s.wateredToday
	if s.metered() {
		if d := now.Sub(s.meterFrom); d > 0 {
			total += d
		}
	}
	return total
}

// ResetDay zeroes the daily counter at midnight. A run still open at
// midnight is metered from midnight onward.
func (s *State) ResetDay(midnight time.Time) {
	s.wateredToday = 0
	if s.metered() {
		s.meterFrom = midnight
	}
	s.Flags &^= FlagDailyCap
}

// Reset returns the zone to its boot state, keeping LastWatered.
func (s *State) Reset() {
	*s = State{LastWatered: s.LastWatered}
}

// Env is the per-tick environment shared by all zones.
type Env struct {
	Now         time.Time // local time
	Temperature float64   // °F
	TempValid   bool
}

// Evaluate runs the zone's strategy and returns the desired valve state
// before safety vetting. It updates the moisture and configuration status
// flags on st. Disabled zones and zones with invalid calibration or
// thresholds always evaluate to off.
func Evaluate(cfg config.ZoneConfig, sys config.SystemConfig, st *State, env Env) bool {
	st.Flags &^= FlagCalibration | FlagThreshold
	if !cfg.Enabled {
		return false
	}

	if st.RawValid {
		pct, err := MoisturePercent(st.Raw, cfg.Calibration)
		if err != nil {
			st.Flags |= FlagCalibration
			st.MoistureValid = false
			return false
		}
		st.Moisture = pct
		st.MoistureValid = true
	} else if cfg.Calibration.WetRaw <= cfg.Calibration.DryRaw {
		st.Flags |= FlagCalibration
		return false
	}

	needsMoisture := cfg.Mode == config.ModeMoisture || cfg.Mode == config.ModeHybrid
	if needsMoisture {
		if cfg.Thresholds.Low >= cfg.Thresholds.High {
			st.Flags |= FlagThreshold
			return false
		}
		if !st.MoistureValid {
			return false
		}
	}

	in := Input{
		Now:         env.Now,
		Moisture:    st.Moisture,
		On:          st.On,
		Since:       st.Since,
		LastWatered: st.LastWatered,
		InWindow:    schedule.InWindow(cfg.Schedule, env.Now),
		WindowStart: schedule.WindowStart(cfg.Schedule, env.Now),
		Thresholds:  EffectiveThresholds(cfg.Thresholds, sys, env.Temperature, env.TempValid),
		Schedule:    cfg.Schedule,
	}
	return StrategyFor(cfg.Mode).Decide(in)
}
