// Package engine runs the irrigation control loop. A single goroutine owns
// the zone states and the configuration; every external operation is
// submitted as a request and applied by that goroutine between ticks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agsys/zone-controller/internal/actuator"
	"github.com/agsys/zone-controller/internal/config"
	"github.com/agsys/zone-controller/internal/notify"
	"github.com/agsys/zone-controller/internal/safety"
	"github.com/agsys/zone-controller/internal/schedule"
	"github.com/agsys/zone-controller/internal/sensor"
	"github.com/agsys/zone-controller/internal/storage"
	"github.com/agsys/zone-controller/internal/zone"
)

var (
	ErrUnknownZone  = errors.New("unknown zone")
	ErrZoneDisabled = errors.New("zone disabled")
	ErrSafetyLocked = errors.New("blocked by safety interlock")
	ErrWinterizing  = errors.New("winterize in progress")
	ErrNoReading    = errors.New("no sensor reading available")
	ErrStopped      = errors.New("engine stopped")
)

// Config holds engine configuration
type Config struct {
	// TickInterval overrides the system record's sensor read interval
	// when positive.
	TickInterval     time.Duration
	SensorTimeout    time.Duration
	WinterizePulse   time.Duration
	ReadingInterval  time.Duration // 0 disables the reading log
	ReadingRetention time.Duration
	PublishInterval  time.Duration
	PublishBatch     int
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		SensorTimeout:    2 * time.Second,
		WinterizePulse:   2 * time.Minute,
		ReadingInterval:  15 * time.Minute,
		ReadingRetention: 90 * 24 * time.Hour,
		PublishInterval:  10 * time.Second,
		PublishBatch:     50,
	}
}

// History is the persistent event log. *storage.DB implements it.
type History interface {
	InsertValveEvent(e *storage.ValveEvent) (int64, error)
	InsertReading(r *storage.MoistureReading) (int64, error)
	InsertSafetyTrip(t *storage.SafetyTrip) (int64, error)
	PruneReadings(before time.Time) (int64, error)
	SetLastWatered(zone uint8, at time.Time) error
	GetZoneRuntimes() ([]*storage.ZoneRuntime, error)
	ClearRuntime() error
	GetUnpublishedValveEvents(limit int) ([]*storage.ValveEvent, error)
	MarkValveEventPublished(id int64) error
	GetUnpublishedSafetyTrips(limit int) ([]*storage.SafetyTrip, error)
	MarkSafetyTripPublished(id int64) error
}

// Deps are the collaborators of the engine. Store, Sensors and Driver are
// required; the rest are optional.
type Deps struct {
	Store     *config.Store
	Sensors   sensor.Adapter
	Driver    actuator.Driver
	History   History
	Publisher notify.Publisher
	Logger    *zap.Logger
	Clock     func() time.Time
}

type request struct {
	fn    func(now time.Time) error
	reply chan error
}

// Engine is the single-owner irrigation controller
type Engine struct {
	cfg        Config
	store      *config.Store
	sampler    *sensor.Sampler
	relay      *actuator.Relay
	gov        *safety.Governor
	history    History
	pub        notify.Publisher
	publishing bool
	log        *zap.Logger
	now        func() time.Time

	// Owned by the loop goroutine.
	settings     config.Settings
	zones        [config.MaxZones]zone.State
	runIDs       [config.MaxZones]string
	held         [config.MaxZones]bool // zone kept off until its strategy stops asking
	ambient      sensor.Ambient
	freezing     bool
	sensorFailed bool
	nextMidnight time.Time
	lastReadings time.Time
	winterize    *winterizer
	interval     time.Duration

	requests chan request
	outbox   chan any
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New loads the configuration, forces every valve closed and restores the
// persisted per-zone runtime.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Sensors == nil || deps.Driver == nil {
		return nil, errors.New("engine requires a store, sensors and a driver")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	publishing := deps.Publisher != nil
	if !publishing {
		deps.Publisher = notify.Nop{}
	}
	def := DefaultConfig()
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = def.PublishInterval
	}
	if cfg.PublishBatch <= 0 {
		cfg.PublishBatch = def.PublishBatch
	}
	if cfg.WinterizePulse <= 0 {
		cfg.WinterizePulse = def.WinterizePulse
	}

	e := &Engine{
		cfg:        cfg,
		store:      deps.Store,
		sampler:    sensor.NewSampler(deps.Sensors, cfg.SensorTimeout),
		gov:        safety.NewGovernor(deps.Logger),
		history:    deps.History,
		pub:        deps.Publisher,
		publishing: publishing,
		log:        deps.Logger.Named("engine"),
		now:        deps.Clock,
		requests:   make(chan request),
		outbox:     make(chan any, 64),
		done:       make(chan struct{}),
	}

	res, err := e.store.Load()
	if err != nil {
		e.log.Error("failed to persist recovered configuration", zap.Error(err))
	}
	if res.Recovered {
		e.log.Warn("configuration was corrupt, factory defaults restored", zap.Error(res.Cause))
	}
	if len(res.RepairedZones) > 0 {
		e.log.Warn("zone records restored to defaults", zap.Ints("zones", res.RepairedZones))
	}
	e.settings = res.Settings

	e.relay = actuator.NewRelay(deps.Driver, e.settings.System.RelayActiveLow)
	if err := e.relay.AllOff(); err != nil {
		return nil, fmt.Errorf("failed to close valves: %w", err)
	}
	if n := int(e.settings.System.ZoneCount); n > e.relay.Zones() {
		e.log.Warn("zone count exceeds relay lines, extra zones stay off",
			zap.Int("zone_count", n), zap.Int("lines", e.relay.Zones()))
	}

	if e.history != nil {
		runtimes, err := e.history.GetZoneRuntimes()
		if err != nil {
			e.log.Warn("failed to load zone runtime", zap.Error(err))
		}
		for _, rt := range runtimes {
			if int(rt.ZoneID) < config.MaxZones {
				e.zones[rt.ZoneID].LastWatered = rt.LastWatered
			}
		}
	}

	e.nextMidnight = schedule.NextMidnight(e.now(), e.loc())
	e.interval = e.tickInterval()

	e.log.Info("engine initialized",
		zap.Int("zones", e.active()),
		zap.Duration("interval", e.interval),
		zap.Bool("relay_active_low", e.settings.System.RelayActiveLow))
	return e, nil
}

func (e *Engine) loc() *time.Location {
	return e.settings.System.Location()
}

// active returns the number of zones under control: the configured zone
// count, bounded by the relay bank.
func (e *Engine) active() int {
	n := int(e.settings.System.ZoneCount)
	if z := e.relay.Zones(); n > z {
		n = z
	}
	return n
}

func (e *Engine) tickInterval() time.Duration {
	if e.cfg.TickInterval > 0 {
		return e.cfg.TickInterval
	}
	if iv := e.settings.System.SensorReadInterval(); iv > 0 {
		return iv
	}
	return config.DefaultSensorReadIntervalMs * time.Millisecond
}

// Run runs the control loop until ctx is cancelled. Every valve is closed
// before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stop()

	if e.publishing {
		e.wg.Add(1)
		go e.publishLoop(ctx)
		defer e.wg.Wait()
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tick(ctx, e.now())
	for {
		select {
		case <-ctx.Done():
			e.shutdown(e.now())
			return nil
		case <-ticker.C:
			e.tick(ctx, e.now())
		case req := <-e.requests:
			req.reply <- req.fn(e.now())
		}
		if iv := e.tickInterval(); iv != e.interval {
			e.log.Info("tick interval changed", zap.Duration("from", e.interval), zap.Duration("to", iv))
			e.interval = iv
			ticker.Reset(iv)
		}
	}
}

func (e *Engine) stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// shutdown closes every open valve.
func (e *Engine) shutdown(now time.Time) {
	e.cancelWinterize(now, "shutdown")
	for i := range e.zones {
		if e.zones[i].On {
			e.setZone(i, false, storage.SourceSystem, "shutdown", now)
		}
	}
	if err := e.relay.AllOff(); err != nil {
		e.log.Error("failed to close valves on shutdown", zap.Error(err))
	}
	e.log.Info("engine stopped")
}

// Close releases the relay driver. Call after Run has returned.
func (e *Engine) Close() error {
	return e.relay.Close()
}

// tick runs one control cycle: daily rollover, sampling, freeze check,
// strategies, governor, commit and bookkeeping.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	e.rollover(now)
	e.sample(ctx)

	if e.winterize != nil {
		e.stepWinterize(now)
		return
	}

	sys := e.settings.System
	freezing := safety.Freeze(sys, e.ambient.Temperature, e.ambient.Valid)
	if freezing != e.freezing {
		if freezing {
			e.log.Warn("freeze protection engaged",
				zap.Float64("temperature", e.ambient.Temperature),
				zap.Bool("temperature_known", e.ambient.Valid),
				zap.Int16("threshold", sys.FreezeThreshold))
		} else {
			e.log.Info("freeze protection released", zap.Float64("temperature", e.ambient.Temperature))
		}
		e.freezing = freezing
	}

	env := zone.Env{
		Now:         now.In(e.loc()),
		Temperature: e.ambient.Temperature,
		TempValid:   e.ambient.Valid,
	}

	active := e.active()
	for i := range e.zones {
		st := &e.zones[i]
		if i >= active {
			if st.On {
				e.setZone(i, false, storage.SourceSystem, "zone inactive", now)
			}
			continue
		}

		cfg := e.settings.Zones[i]
		desired := zone.Evaluate(cfg, sys, st, env)
		if !desired {
			e.held[i] = false
		}
		if e.held[i] {
			desired = false
		}

		v := e.gov.Vet(safety.Request{
			Zone:         i,
			Desired:      desired,
			Running:      st.On,
			Since:        st.Since,
			WateredToday: st.WateredToday(now),
			MaxRun:       cfg.MaxDuration(),
		}, sys, freezing, now)

		if v.On != st.On {
			// A zone its strategy is already closing is not a trip, except
			// under freeze where the override is what holds it off.
			tripped := st.On && v.Trip != safety.TripNone && (desired || v.Trip == safety.TripFreeze)
			elapsed := st.Elapsed(now)
			if tripped {
				e.setZone(i, false, storage.SourceSafety, v.Trip.String(), now)
				e.recordTrip(i, v.Trip, elapsed, now)
				if v.Trip == safety.TripMaxDuration {
					e.held[i] = true
				}
			} else {
				e.setZone(i, v.On, storage.SourceAuto, e.reason(cfg, st, v.On), now)
			}
		}

		if limit := sys.MaxDailyWatering(); limit > 0 && st.WateredToday(now) >= limit {
			st.Flags |= zone.FlagDailyCap
		}
	}

	e.logReadings(now)
}

func (e *Engine) reason(cfg config.ZoneConfig, st *zone.State, on bool) string {
	switch {
	case !cfg.Enabled:
		return "zone disabled"
	case st.Flags.Has(zone.FlagCalibration):
		return "invalid calibration"
	case st.Flags.Has(zone.FlagThreshold):
		return "invalid thresholds"
	}
	switch cfg.Mode {
	case config.ModeMoisture, config.ModeHybrid:
		if st.MoistureValid {
			return fmt.Sprintf("moisture %d%%", st.Moisture)
		}
		return cfg.Mode.String() + " no reading"
	case config.ModeTime:
		if on {
			return "schedule window"
		}
		return "schedule complete"
	default:
		return cfg.Mode.String()
	}
}

// rollover resets the daily counters once local midnight has passed.
func (e *Engine) rollover(now time.Time) {
	if now.Before(e.nextMidnight) {
		return
	}
	midnight := e.nextMidnight
	for i := range e.zones {
		e.zones[i].ResetDay(midnight)
		e.held[i] = false
	}
	e.nextMidnight = schedule.NextMidnight(now, e.loc())
	e.log.Info("daily watering counters reset", zap.Time("midnight", midnight))

	if e.history != nil && e.cfg.ReadingRetention > 0 {
		n, err := e.history.PruneReadings(now.Add(-e.cfg.ReadingRetention))
		if err != nil {
			e.log.Warn("failed to prune readings", zap.Error(err))
		} else if n > 0 {
			e.log.Info("pruned old readings", zap.Int64("count", n))
		}
	}
}

// sample reads the sensors and updates the per-zone raw readings.
func (e *Engine) sample(ctx context.Context) {
	rd := e.sampler.Read(ctx)
	if rd.Err != nil && !e.sensorFailed {
		e.log.Warn("sensor read failed, reusing last good values", zap.Error(rd.Err))
	} else if rd.Err == nil && e.sensorFailed {
		e.log.Info("sensor reads recovered")
	}
	e.sensorFailed = rd.Err != nil

	for i := range e.zones {
		st := &e.zones[i]
		z := rd.Zones[i]
		st.Raw = z.Raw
		st.RawValid = z.Valid
		if z.Fresh {
			st.Flags &^= zone.FlagSensorRead
		} else if i < e.active() {
			st.Flags |= zone.FlagSensorRead
		}
	}
	e.ambient = rd.Ambient
}

// setZone commits a valve change. A driver failure leaves the logical
// state untouched so the next tick retries.
func (e *Engine) setZone(i int, on bool, source, reason string, now time.Time) error {
	st := &e.zones[i]
	if st.On == on {
		return nil
	}
	if err := e.relay.SetZone(i, on); err != nil {
		e.log.Error("failed to drive valve", zap.Int("zone", i), zap.Bool("on", on), zap.Error(err))
		return err
	}

	switch {
	case on && source == storage.SourceWinterize:
		st.Pulse(now)
		e.runIDs[i] = uuid.NewString()
	case on:
		st.Start(now)
		e.runIDs[i] = uuid.NewString()
		if e.history != nil {
			if err := e.history.SetLastWatered(uint8(i), now); err != nil {
				e.log.Warn("failed to persist last watered", zap.Int("zone", i), zap.Error(err))
			}
		}
	default:
		st.Stop(now)
	}
	runID := e.runIDs[i]
	if !on {
		e.runIDs[i] = ""
	}

	e.log.Info("valve changed",
		zap.Int("zone", i),
		zap.String("name", e.settings.Zones[i].Name),
		zap.Bool("on", on),
		zap.String("source", source),
		zap.String("reason", reason),
		zap.String("run_id", runID))

	ev := &storage.ValveEvent{
		RunID:     runID,
		ZoneID:    uint8(i),
		PrevState: !on,
		NewState:  on,
		Source:    source,
		Reason:    reason,
		Timestamp: now,
	}
	if e.history != nil {
		if _, err := e.history.InsertValveEvent(ev); err != nil {
			e.log.Warn("failed to record valve event", zap.Error(err))
		}
	} else {
		e.enqueue(notify.Transition{
			Timestamp: now, Zone: i, On: on, Source: source, Reason: reason, RunID: runID,
		})
	}
	return nil
}

func (e *Engine) recordTrip(i int, trip safety.Trip, elapsed time.Duration, now time.Time) {
	e.log.Warn("safety limit tripped",
		zap.Int("zone", i),
		zap.String("trip", trip.String()),
		zap.Duration("elapsed", elapsed))

	if e.history != nil {
		if _, err := e.history.InsertSafetyTrip(&storage.SafetyTrip{
			ZoneID: uint8(i), Trip: trip.String(), Elapsed: elapsed, Timestamp: now,
		}); err != nil {
			e.log.Warn("failed to record safety trip", zap.Error(err))
		}
		return
	}
	e.enqueue(notify.Trip{Timestamp: now, Zone: i, Trip: trip.String(), Elapsed: elapsed})
}

// logReadings stores a moisture sample per active zone at the configured interval.
func (e *Engine) logReadings(now time.Time) {
	if e.history == nil || e.cfg.ReadingInterval <= 0 {
		return
	}
	if !e.lastReadings.IsZero() && now.Sub(e.lastReadings) < e.cfg.ReadingInterval {
		return
	}
	e.lastReadings = now

	for i, st := range e.zones[:e.active()] {
		if !st.RawValid || !st.MoistureValid || st.Flags.Has(zone.FlagSensorRead) {
			continue
		}
		if _, err := e.history.InsertReading(&storage.MoistureReading{
			ZoneID:      uint8(i),
			Raw:         st.Raw,
			Percent:     st.Moisture,
			Temperature: e.ambient.Temperature,
			Humidity:    e.ambient.Humidity,
			Timestamp:   now,
		}); err != nil {
			e.log.Warn("failed to record reading", zap.Int("zone", i), zap.Error(err))
			return
		}
	}
}
