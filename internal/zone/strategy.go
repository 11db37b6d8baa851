package zone

import (
	"time"

	"github.com/agsys/zone-controller/internal/config"
	"github.com/agsys/zone-controller/internal/schedule"
)

// Input is everything a strategy may look at when deciding the desired
// valve state for one tick.
type Input struct {
	Now         time.Time // local time
	Moisture    uint8
	On          bool
	Since       time.Time // start of the current run when On
	LastWatered time.Time
	InWindow    bool
	WindowStart time.Time // start of the window containing Now, zero outside
	Thresholds  config.Thresholds // temperature-adjusted
	Schedule    config.Schedule
}

// Strategy decides whether a zone's valve should be open.
type Strategy interface {
	Decide(in Input) bool
}

// Moisture waters between the low and high thresholds with hysteresis.
type Moisture struct{}

func (Moisture) Decide(in Input) bool {
	switch {
	case in.Moisture <= in.Thresholds.Low:
		return true
	case in.Moisture >= in.Thresholds.High:
		return false
	default:
		return in.On
	}
}

// Time runs once per calendar day for the scheduled duration. The day is
// the one the window opened on, so a window running past midnight is not
// started a second time after the date changes.
type Time struct{}

func (Time) Decide(in Input) bool {
	if in.On {
		return in.Now.Sub(in.Since) < time.Duration(in.Schedule.DurationMinutes)*time.Minute
	}
	if !in.InWindow {
		return false
	}
	return in.LastWatered.Before(schedule.DayStart(in.WindowStart, in.Now.Location()))
}

// Hybrid applies moisture hysteresis only inside the schedule window.
type Hybrid struct{}

func (Hybrid) Decide(in Input) bool {
	if !in.InWindow {
		return false
	}
	return Moisture{}.Decide(in)
}

// Manual never changes state on its own.
type Manual struct{}

func (Manual) Decide(in Input) bool {
	return in.On
}

// StrategyFor returns the strategy for a mode. Unknown modes get Manual,
// which cannot open a closed valve.
func StrategyFor(m config.Mode) Strategy {
	switch m {
	case config.ModeMoisture:
		return Moisture{}
	case config.ModeTime:
		return Time{}
	case config.ModeHybrid:
		return Hybrid{}
	default:
		return Manual{}
	}
}
