package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agsys/zone-controller/internal/config"
	"github.com/agsys/zone-controller/internal/safety"
	"github.com/agsys/zone-controller/internal/schedule"
	"github.com/agsys/zone-controller/internal/storage"
	"github.com/agsys/zone-controller/internal/zone"
)

// CalPoint selects which calibration point a capture records.
type CalPoint int

const (
	CalDry CalPoint = iota
	CalWet
)

func (p CalPoint) String() string {
	if p == CalWet {
		return "wet"
	}
	return "dry"
}

// do submits fn to the loop and waits for its result. fn runs on the loop
// goroutine between ticks. Once submitted, fn runs even if ctx is cancelled
// while waiting for the reply.
func (e *Engine) do(ctx context.Context, fn func(now time.Time) error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) checkZone(i int) error {
	if i < 0 || i >= config.MaxZones {
		return fmt.Errorf("%w: %d", ErrUnknownZone, i)
	}
	return nil
}

func (e *Engine) checkActive(i int) error {
	if err := e.checkZone(i); err != nil {
		return err
	}
	if i >= e.active() {
		return fmt.Errorf("%w: zone %d is not active", ErrUnknownZone, i)
	}
	return nil
}

// GetZoneConfig returns a copy of the configuration of zone i.
func (e *Engine) GetZoneConfig(ctx context.Context, i int) (config.ZoneConfig, error) {
	var z config.ZoneConfig
	err := e.do(ctx, func(time.Time) error {
		if err := e.checkZone(i); err != nil {
			return err
		}
		z = e.settings.Zones[i]
		return nil
	})
	return z, err
}

// SetZoneConfig validates z, applies it and persists it. An invalid record
// is rejected unchanged. A persist failure is returned but the new
// configuration stays in effect.
func (e *Engine) SetZoneConfig(ctx context.Context, z config.ZoneConfig) error {
	return e.do(ctx, func(time.Time) error {
		if err := e.checkZone(int(z.ID)); err != nil {
			return err
		}
		if err := z.Validate(); err != nil {
			return err
		}
		e.settings.Zones[z.ID] = z
		e.held[z.ID] = false
		e.log.Info("zone configuration updated",
			zap.Uint8("zone", z.ID),
			zap.String("name", z.Name),
			zap.Stringer("mode", z.Mode),
			zap.Bool("enabled", z.Enabled))

		if err := e.store.SaveZone(z); err != nil {
			e.log.Error("failed to persist zone configuration", zap.Uint8("zone", z.ID), zap.Error(err))
			return err
		}
		return nil
	})
}

// GetSystemConfig returns a copy of the system record.
func (e *Engine) GetSystemConfig(ctx context.Context) (config.SystemConfig, error) {
	var sys config.SystemConfig
	err := e.do(ctx, func(time.Time) error {
		sys = e.settings.System
		return nil
	})
	return sys, err
}

// SetSystemConfig validates sys, applies it and persists the store. Zones
// beyond a reduced zone count are closed on the next tick.
func (e *Engine) SetSystemConfig(ctx context.Context, sys config.SystemConfig) error {
	return e.do(ctx, func(now time.Time) error {
		if int(sys.ZoneCount) > e.relay.Zones() {
			return fmt.Errorf("%w: zone count %d exceeds %d relay lines",
				config.ErrInvalidConfig, sys.ZoneCount, e.relay.Zones())
		}
		next := e.settings
		next.System = sys
		if err := next.Validate(); err != nil {
			return err
		}

		prev := e.settings.System
		e.settings = next
		if prev.RelayActiveLow != sys.RelayActiveLow {
			if err := e.relay.SetActiveLow(sys.RelayActiveLow); err != nil {
				e.log.Error("failed to re-drive relays", zap.Error(err))
			}
		}
		if prev.TimezoneOffset != sys.TimezoneOffset {
			e.nextMidnight = schedule.NextMidnight(now, e.loc())
		}
		e.log.Info("system configuration updated",
			zap.Uint8("zone_count", sys.ZoneCount),
			zap.Bool("freeze_protect", sys.FreezeProtect),
			zap.Int16("timezone_offset", sys.TimezoneOffset))

		if err := e.store.Save(&e.settings); err != nil {
			e.log.Error("failed to persist system configuration", zap.Error(err))
			return err
		}
		return nil
	})
}

// StartZone opens zone i on manual request. The safety interlocks still
// apply: a start is refused while freezing or once the daily cap is
// reached. The zone's strategy decides again from the next tick.
func (e *Engine) StartZone(ctx context.Context, i int) error {
	return e.do(ctx, func(now time.Time) error {
		if err := e.checkActive(i); err != nil {
			return err
		}
		if e.winterize != nil {
			return ErrWinterizing
		}
		cfg := e.settings.Zones[i]
		if !cfg.Enabled {
			return fmt.Errorf("%w: %d", ErrZoneDisabled, i)
		}
		if cfg.Calibration.WetRaw <= cfg.Calibration.DryRaw {
			return fmt.Errorf("zone %d: %w", i, zone.ErrCalibration)
		}

		st := &e.zones[i]
		sys := e.settings.System
		if safety.Freeze(sys, e.ambient.Temperature, e.ambient.Valid) {
			return fmt.Errorf("%w: freeze protection", ErrSafetyLocked)
		}
		if limit := sys.MaxDailyWatering(); limit > 0 && st.WateredToday(now) >= limit {
			return fmt.Errorf("%w: daily cap reached", ErrSafetyLocked)
		}
		if st.On {
			return nil
		}
		e.held[i] = false
		return e.setZone(i, true, storage.SourceManual, "manual start", now)
	})
}

// StopZone closes zone i on manual request. An automatic zone stays off
// until its strategy stops asking for water.
func (e *Engine) StopZone(ctx context.Context, i int) error {
	return e.do(ctx, func(now time.Time) error {
		if err := e.checkZone(i); err != nil {
			return err
		}
		if !e.zones[i].On {
			return nil
		}
		if err := e.setZone(i, false, storage.SourceManual, "manual stop", now); err != nil {
			return err
		}
		e.held[i] = true
		return nil
	})
}

// Winterize pulses every enabled active zone in turn to clear the lines.
// Automatic decisions are suspended until the sequence completes or is
// cancelled.
func (e *Engine) Winterize(ctx context.Context) error {
	return e.do(ctx, func(now time.Time) error {
		if e.winterize != nil {
			return ErrWinterizing
		}
		return e.startWinterize(now)
	})
}

// CancelWinterize stops a winterize sequence in progress.
func (e *Engine) CancelWinterize(ctx context.Context) error {
	return e.do(ctx, func(now time.Time) error {
		e.cancelWinterize(now, "cancelled")
		return nil
	})
}

// FactoryReset closes every valve, restores and persists the factory
// configuration and clears all zone runtime state.
func (e *Engine) FactoryReset(ctx context.Context) error {
	return e.do(ctx, func(now time.Time) error {
		e.cancelWinterize(now, "factory reset")
		for i := range e.zones {
			if e.zones[i].On {
				e.setZone(i, false, storage.SourceSystem, "factory reset", now)
			}
		}

		set, err := e.store.FactoryReset()
		e.settings = set
		for i := range e.zones {
			e.zones[i] = zone.State{}
			e.held[i] = false
			e.runIDs[i] = ""
		}
		if rerr := e.relay.SetActiveLow(set.System.RelayActiveLow); rerr != nil {
			e.log.Error("failed to re-drive relays", zap.Error(rerr))
		}
		if e.history != nil {
			if herr := e.history.ClearRuntime(); herr != nil {
				e.log.Warn("failed to clear zone runtime", zap.Error(herr))
			}
		}
		e.nextMidnight = schedule.NextMidnight(now, e.loc())
		e.sampler.Forget()

		if err != nil {
			e.log.Error("failed to persist factory configuration", zap.Error(err))
			return err
		}
		e.log.Info("factory reset complete")
		return nil
	})
}

// CaptureCalibration records the current raw reading of zone i as its dry
// or wet calibration point and persists the zone.
func (e *Engine) CaptureCalibration(ctx context.Context, i int, point CalPoint) (config.ZoneConfig, error) {
	var out config.ZoneConfig
	err := e.do(ctx, func(time.Time) error {
		if err := e.checkActive(i); err != nil {
			return err
		}
		st := e.zones[i]
		if !st.RawValid {
			return fmt.Errorf("%w: zone %d", ErrNoReading, i)
		}

		z := e.settings.Zones[i]
		if point == CalWet {
			z.Calibration.WetRaw = st.Raw
		} else {
			z.Calibration.DryRaw = st.Raw
		}
		if err := z.Validate(); err != nil {
			return err
		}

		e.settings.Zones[i] = z
		out = z
		e.log.Info("calibration captured",
			zap.Int("zone", i),
			zap.Stringer("point", point),
			zap.Uint16("raw", st.Raw))

		if err := e.store.SaveZone(z); err != nil {
			e.log.Error("failed to persist calibration", zap.Int("zone", i), zap.Error(err))
			return err
		}
		return nil
	})
	return out, err
}

// Snapshot returns a consistent copy of the configuration and zone states.
func (e *Engine) Snapshot(ctx context.Context) (Status, error) {
	var s Status
	err := e.do(ctx, func(now time.Time) error {
		s = e.status(now)
		return nil
	})
	return s, err
}
