package zone

import (
	"errors"
	"fmt"

	"github.com/agsys/zone-controller/internal/config"
)

var (
	// ErrCalibration is returned when a zone's wet point is not above its dry point.
	ErrCalibration = errors.New("invalid calibration")

	// ErrThresholds is returned when a zone's low threshold is not below its high threshold.
	ErrThresholds = errors.New("invalid thresholds")
)

// MoisturePercent maps a raw sensor reading onto 0-100% using the zone's
// calibration. Readings are clamped to [DryRaw, WetRaw] so the endpoints map
// to exactly 0 and 100.
func MoisturePercent(raw uint16, cal config.Calibration) (uint8, error) {
	if cal.WetRaw <= cal.DryRaw {
		return 0, fmt.Errorf("%w: dry %d, wet %d", ErrCalibration, cal.DryRaw, cal.WetRaw)
	}
	switch {
	case raw <= cal.DryRaw:
		return 0, nil
	case raw >= cal.WetRaw:
		return 100, nil
	}
	span := uint32(cal.WetRaw - cal.DryRaw)
	pct := (uint32(raw-cal.DryRaw)*100 + span/2) / span
	return uint8(pct), nil
}

// EffectiveThresholds raises both thresholds by the configured adjustments
// when the ambient temperature is at or above the hot-weather switch point.
// An unknown temperature leaves the thresholds unchanged.
func EffectiveThresholds(t config.Thresholds, sys config.SystemConfig, temp float64, tempValid bool) config.Thresholds {
	if !tempValid || temp < float64(sys.TempSwitchThreshold) {
		return t
	}
	return config.Thresholds{
		Low:  clampPercent(int(t.Low) + int(sys.TempAdjustLow)),
		High: clampPercent(int(t.High) + int(sys.TempAdjustHigh)),
	}
}

func clampPercent(v int) uint8 {
	if v > 100 {
		return 100
	}
	return uint8(v)
}
