// Package safety vets desired valve states against the hard ceilings that no
// strategy may exceed: freeze protection, maximum run length and the daily cap.
package safety

import (
	"time"

	"go.uber.org/zap"

	"github.com/agsys/zone-controller/internal/config"
)

// Trip identifies which limit forced a zone off.
type Trip int

const (
	TripNone Trip = iota
	TripFreeze
	TripMaxDuration
	TripDailyCap
)

func (t Trip) String() string {
	switch t {
	case TripNone:
		return "none"
	case TripFreeze:
		return "freeze"
	case TripMaxDuration:
		return "max_duration"
	case TripDailyCap:
		return "daily_cap"
	default:
		return "unknown"
	}
}

// Request is one zone's desired state together with the runtime facts the
// governor needs.
type Request struct {
	Zone         int
	Desired      bool
	Running      bool
	Since        time.Time
	WateredToday time.Duration
	MaxRun       time.Duration
}

// Verdict is the governor's answer for one zone.
type Verdict struct {
	On   bool
	Trip Trip
}

// Governor applies the safety checks. It holds no state of its own.
type Governor struct {
	log *zap.Logger
}

// NewGovernor creates a governor that logs trips to log.
func NewGovernor(log *zap.Logger) *Governor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Governor{log: log.Named("safety")}
}

// Freeze reports whether freeze protection must hold every zone off. With
// protection enabled an unknown temperature is treated as freezing.
func Freeze(sys config.SystemConfig, temp float64, valid bool) bool {
	if !sys.FreezeProtect {
		return false
	}
	return !valid || temp < float64(sys.FreezeThreshold)
}

// Vet applies, in order, the freeze override, the single-run ceiling and
// the daily cap. The first check that trips decides the verdict.
func (g *Governor) Vet(r Request, sys config.SystemConfig, freezing bool, now time.Time) Verdict {
	if freezing {
		if r.Desired || r.Running {
			g.log.Debug("freeze protection holding zone off",
				zap.Int("zone", r.Zone), zap.Int16("threshold", sys.FreezeThreshold))
		}
		return Verdict{On: false, Trip: TripFreeze}
	}

	if r.Running && r.Desired && r.MaxRun > 0 && now.Sub(r.Since) > r.MaxRun {
		g.log.Debug("maximum run duration exceeded",
			zap.Int("zone", r.Zone),
			zap.Duration("elapsed", now.Sub(r.Since)),
			zap.Duration("max", r.MaxRun))
		return Verdict{On: false, Trip: TripMaxDuration}
	}

	if limit := sys.MaxDailyWatering(); limit > 0 && r.WateredToday >= limit {
		if r.Desired {
			g.log.Debug("daily watering cap reached",
				zap.Int("zone", r.Zone),
				zap.Duration("watered", r.WateredToday),
				zap.Duration("cap", limit))
		}
		return Verdict{On: false, Trip: TripDailyCap}
	}

	return Verdict{On: r.Desired}
}
