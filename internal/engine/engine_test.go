package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agsys/zone-controller/internal/actuator"
	"github.com/agsys/zone-controller/internal/config"
	"github.com/agsys/zone-controller/internal/notify"
	"github.com/agsys/zone-controller/internal/sensor"
	"github.com/agsys/zone-controller/internal/storage"
	"github.com/agsys/zone-controller/internal/zone"
)

// Wednesday morning.
var t0 = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

// Raw readings against the factory calibration of 125/550.
const (
	rawDry = 200 // 18%
	rawMid = 400 // 65%
	rawWet = 500 // 88%
)

type setup struct {
	cfg       Config
	settings  config.Settings
	lines     int
	publisher bool
	logger    *zap.Logger
	runtime   map[uint8]time.Time
}

type option func(*setup)

func withSettings(fn func(*config.Settings)) option {
	return func(s *setup) { fn(&s.settings) }
}

func withConfig(fn func(*Config)) option {
	return func(s *setup) { fn(&s.cfg) }
}

func withLines(n int) option {
	return func(s *setup) { s.lines = n }
}

func withPublisher() option {
	return func(s *setup) { s.publisher = true }
}

func withLogger(l *zap.Logger) option {
	return func(s *setup) { s.logger = l }
}

func withLastWatered(z uint8, at time.Time) option {
	return func(s *setup) { s.runtime[z] = at }
}

type harness struct {
	t       *testing.T
	e       *Engine
	dev     *config.MemDevice
	sensors *sensor.Fake
	drv     *actuator.FakeDriver
	db      *storage.DB
	pub     *notify.Fake
	now     time.Time
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	s := setup{
		cfg:      DefaultConfig(),
		settings: config.Defaults(),
		lines:    config.MaxZones,
		logger:   zap.NewNop(),
		runtime:  map[uint8]time.Time{},
	}
	s.cfg.TickInterval = time.Minute
	s.cfg.ReadingInterval = 0
	for _, o := range opts {
		o(&s)
	}

	h := &harness{
		t:       t,
		dev:     config.NewMemDevice(),
		sensors: sensor.NewFake(rawMid, 70),
		drv:     actuator.NewFakeDriver(s.lines, true),
		now:     t0,
	}
	require.NoError(t, config.NewStore(h.dev, zap.NewNop()).Save(&s.settings))

	db, err := storage.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	h.db = db
	for z, at := range s.runtime {
		require.NoError(t, db.SetLastWatered(z, at))
	}

	deps := Deps{
		Store:   config.NewStore(h.dev, s.logger),
		Sensors: h.sensors,
		Driver:  h.drv,
		History: db,
		Logger:  s.logger,
		Clock:   func() time.Time { return h.now },
	}
	if s.publisher {
		h.pub = notify.NewFake()
		deps.Publisher = h.pub
	}

	h.e, err = New(s.cfg, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) tick() {
	h.e.tick(context.Background(), h.now)
}

// at moves the clock to t0+d and runs one tick.
func (h *harness) at(d time.Duration) {
	h.now = t0.Add(d)
	h.tick()
}

// exec runs a control-surface call with the test goroutine standing in for
// the loop.
func (h *harness) exec(call func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := <-h.e.requests
		req.reply <- req.fn(h.now)
	}()
	call()
	<-done
}

func (h *harness) on(i int) bool {
	return h.e.zones[i].On
}

// energized reads the relay line; the factory relays are active-low.
func (h *harness) energized(i int) bool {
	return !h.drv.Level(i)
}

func (h *harness) events(z int) []*storage.ValveEvent {
	h.t.Helper()
	events, err := h.db.GetValveEvents(z, 100)
	require.NoError(h.t, err)
	return events
}

func TestNewClosesValvesAndRestoresDefaults(t *testing.T) {
	dev := config.NewMemDevice()
	drv := actuator.NewFakeDriver(4, false)

	e, err := New(DefaultConfig(), Deps{
		Store:   config.NewStore(dev, zap.NewNop()),
		Sensors: sensor.NewFake(rawMid, 70),
		Driver:  drv,
	})
	require.NoError(t, err)

	assert.Equal(t, config.Defaults(), e.settings)
	for i := 0; i < 4; i++ {
		assert.True(t, drv.Level(i), "line %d must idle high with active-low relays", i)
	}
	assert.Equal(t, 4, e.active())
	assert.Equal(t, 5*time.Second, e.interval)

	res, err := config.NewStore(dev, zap.NewNop()).Load()
	require.NoError(t, err)
	assert.False(t, res.Recovered, "defaults must have been persisted")
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestMoistureHysteresisCycle(t *testing.T) {
	h := newHarness(t)
	h.sensors.SetRaw(0, rawDry)

	h.at(0)
	require.True(t, h.on(0))
	assert.True(t, h.energized(0))
	assert.False(t, h.on(1), "zones inside the band stay idle")
	assert.Equal(t, uint8(18), h.e.zones[0].Moisture)

	h.sensors.SetRaw(0, rawMid)
	h.at(time.Minute)
	assert.True(t, h.on(0), "inside the band the zone holds its state")

	h.sensors.SetRaw(0, rawWet)
	h.at(2 * time.Minute)
	assert.False(t, h.on(0))
	assert.False(t, h.energized(0))

	events := h.events(0)
	require.Len(t, events, 2)
	assert.Equal(t, storage.SourceAuto, events[0].Source)
	assert.False(t, events[0].NewState)
	assert.True(t, events[1].NewState)
	assert.Equal(t, "moisture 18%", events[1].Reason)
	assert.NotEmpty(t, events[1].RunID)
	assert.Equal(t, events[1].RunID, events[0].RunID, "start and stop share a run id")
}

func TestTemperatureAdjustedThresholds(t *testing.T) {
	h := newHarness(t)
	// 45% sits inside 40..70 but below the hot-weather low of 46.
	h.sensors.SetRaw(0, 316)
	h.sensors.SetAmbient(95, 20)

	h.at(0)
	assert.True(t, h.on(0))

	h.sensors.SetAmbient(80, 20)
	h.sensors.SetRaw(1, 316)
	h.at(time.Minute)
	assert.False(t, h.on(1), "without heat the base low threshold applies")
}

func TestFreezeForcesOffWithinOneTick(t *testing.T) {
	h := newHarness(t)
	h.sensors.SetRaw(0, rawDry)

	h.at(0)
	require.True(t, h.on(0))

	h.sensors.SetAmbient(30, 80)
	h.at(time.Minute)
	assert.False(t, h.on(0))
	assert.True(t, h.e.freezing)

	events := h.events(0)
	require.NotEmpty(t, events)
	assert.Equal(t, storage.SourceSafety, events[0].Source)
	assert.Equal(t, "freeze", events[0].Reason)

	trips, err := h.db.GetSafetyTrips(10)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "freeze", trips[0].Trip)
	assert.Equal(t, time.Minute, trips[0].Elapsed)

	h.sensors.SetAmbient(50, 80)
	h.at(2 * time.Minute)
	assert.True(t, h.on(0), "freeze does not hold the zone once released")
}

func TestUnknownTemperatureFailsSafe(t *testing.T) {
	h := newHarness(t)
	h.sensors.FailAmbient()
	h.sensors.SetRaw(0, rawDry)

	h.at(0)
	assert.False(t, h.on(0))
	assert.True(t, h.e.freezing)

	sys := h.e.settings.System
	sys.FreezeProtect = false
	h.exec(func() { require.NoError(t, h.e.SetSystemConfig(context.Background(), sys)) })
	h.at(time.Minute)
	assert.True(t, h.on(0), "without freeze protection temperature is not needed")
}

func TestMaxDurationTripsAndHolds(t *testing.T) {
	h := newHarness(t, withSettings(func(s *config.Settings) {
		s.Zones[0].MaxDurationMinutes = 60
	}))
	h.sensors.SetRaw(0, rawDry)

	h.at(0)
	require.True(t, h.on(0))

	h.at(60 * time.Minute)
	assert.True(t, h.on(0), "exactly the maximum is still allowed")

	h.at(61 * time.Minute)
	assert.False(t, h.on(0), "first tick past the maximum forces the zone off")

	trips, err := h.db.GetSafetyTrips(10)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "max_duration", trips[0].Trip)
	assert.Equal(t, 61*time.Minute, trips[0].Elapsed)

	h.at(62 * time.Minute)
	assert.False(t, h.on(0), "still dry, but held until the strategy stops asking")
	assert.True(t, h.e.held[0])

	h.sensors.SetRaw(0, rawMid)
	h.at(63 * time.Minute)
	assert.False(t, h.e.held[0])

	h.sensors.SetRaw(0, rawDry)
	h.at(64 * time.Minute)
	assert.True(t, h.on(0))
}

func TestDailyCapBlocksUntilMidnight(t *testing.T) {
	h := newHarness(t, withSettings(func(s *config.Settings) {
		s.System.MaxDailyWateringMinutes = 30
		s.Zones[0].MaxDurationMinutes = 60
	}))
	h.sensors.SetRaw(0, rawDry)

	h.at(0)
	require.True(t, h.on(0))

	h.at(29 * time.Minute)
	assert.True(t, h.on(0))

	h.at(30 * time.Minute)
	assert.False(t, h.on(0))
	assert.True(t, h.e.zones[0].Flags.Has(zone.FlagDailyCap))

	h.at(5 * time.Hour)
	assert.False(t, h.on(0), "cap holds for the rest of the day")

	h.exec(func() {
		assert.ErrorIs(t, h.e.StartZone(context.Background(), 0), ErrSafetyLocked)
	})

	// 00:01 the next day
	h.at(18*time.Hour + time.Minute)
	assert.True(t, h.on(0))
	assert.False(t, h.e.zones[0].Flags.Has(zone.FlagDailyCap))
}

func TestStrategyStopIsNotASafetyTrip(t *testing.T) {
	h := newHarness(t, withSettings(func(s *config.Settings) {
		s.System.MaxDailyWateringMinutes = 30
		s.Zones[0].MaxDurationMinutes = 60
	}))
	h.sensors.SetRaw(0, rawDry)
	h.at(0)
	require.True(t, h.on(0))

	// The zone is wet on the same tick the daily cap is reached.
	h.sensors.SetRaw(0, rawWet)
	h.at(30 * time.Minute)
	assert.False(t, h.on(0))
	assert.True(t, h.e.zones[0].Flags.Has(zone.FlagDailyCap))

	ev := h.events(0)[0]
	assert.Equal(t, storage.SourceAuto, ev.Source)
	assert.Equal(t, "moisture 88%", ev.Reason)

	trips, err := h.db.GetSafetyTrips(10)
	require.NoError(t, err)
	assert.Empty(t, trips)
}

func TestTimeModeRunsOncePerDay(t *testing.T) {
	h := newHarness(t, withSettings(func(s *config.Settings) {
		z := &s.Zones[0]
		z.Mode = config.ModeTime
		z.Schedule = config.Schedule{Enabled: true, StartHour: 6, DurationMinutes: 15, Days: config.Everyday}
	}))

	h.at(-time.Minute)
	assert.False(t, h.on(0))

	h.at(0)
	assert.True(t, h.on(0))

	h.at(14 * time.Minute)
	assert.True(t, h.on(0))

	h.at(15 * time.Minute)
	assert.False(t, h.on(0))
	assert.Equal(t, "schedule complete", h.events(0)[0].Reason)

	h.at(16 * time.Minute)
	assert.False(t, h.on(0), "one run per day")

	h.at(24 * time.Hour)
	assert.True(t, h.on(0))
}

func TestTimeModeWindowPastMidnightRunsOnce(t *testing.T) {
	h := newHarness(t, withSettings(func(s *config.Settings) {
		z := &s.Zones[0]
		z.Mode = config.ModeTime
		z.Schedule = config.Schedule{Enabled: true, StartHour: 23, StartMinute: 30, DurationMinutes: 60, Days: config.Everyday}
	}))
	// t0 is 06:00, so 23:30 is t0+17h30m.
	window := 17*time.Hour + 30*time.Minute

	h.at(window)
	require.True(t, h.on(0))

	h.at(window + 10*time.Minute)
	h.exec(func() { require.NoError(t, h.e.StopZone(context.Background(), 0)) })
	h.at(window + 11*time.Minute)
	assert.False(t, h.on(0), "stopped by hand")

	// 00:05, still inside the window that opened yesterday.
	h.at(window + 35*time.Minute)
	assert.False(t, h.on(0), "the same window does not start again after midnight")
	h.at(window + 59*time.Minute)
	assert.False(t, h.on(0))

	h.at(window + 24*time.Hour)
	assert.True(t, h.on(0), "next night's window")
}

func TestLastWateredSurvivesRestart(t *testing.T) {
	h := newHarness(t,
		withLastWatered(0, t0),
		withSettings(func(s *config.Settings) {
			z := &s.Zones[0]
			z.Mode = config.ModeTime
			z.Schedule = config.Schedule{Enabled: true, StartHour: 6, DurationMinutes: 15, Days: config.Everyday}
		}))

	assert.True(t, h.e.zones[0].LastWatered.Equal(t0))

	h.at(5 * time.Minute)
	assert.False(t, h.on(0), "already watered today before the restart")
}

func TestSensorFailureKeepsLastGood(t *testing.T) {
	h := newHarness(t)
	h.sensors.SetRaw(0, rawDry)

	h.at(0)
	require.True(t, h.on(0))

	h.sensors.SetError(errors.New("i2c nack"))
	h.at(time.Minute)
	assert.True(t, h.on(0))
	assert.True(t, h.e.zones[0].Flags.Has(zone.FlagSensorRead))
	assert.Equal(t, "sensor_read_error", h.e.status(h.now).Zones[0].Status)

	h.sensors.SetError(nil)
	h.at(2 * time.Minute)
	assert.False(t, h.e.zones[0].Flags.Has(zone.FlagSensorRead))
}

func TestRelayFailureRetriesNextTick(t *testing.T) {
	h := newHarness(t)
	h.sensors.SetRaw(0, rawDry)
	h.drv.FailLine(0, errors.New("line busy"))

	h.at(0)
	assert.False(t, h.on(0), "logical state follows the hardware")
	assert.Empty(t, h.events(0))

	h.drv.FailLine(0, nil)
	h.at(time.Minute)
	assert.True(t, h.on(0))
	assert.True(t, h.energized(0))
}

func TestInvalidCalibrationForcesIdle(t *testing.T) {
	h := newHarness(t)
	h.sensors.SetRaw(0, rawDry)
	h.at(0)
	require.True(t, h.on(0))

	h.e.settings.Zones[0].Calibration = config.Calibration{DryRaw: 500, WetRaw: 500}
	h.at(time.Minute)
	assert.False(t, h.on(0))
	assert.True(t, h.e.zones[0].Flags.Has(zone.FlagCalibration))
	assert.Equal(t, "invalid calibration", h.events(0)[0].Reason)

	h.exec(func() {
		assert.ErrorIs(t, h.e.StartZone(context.Background(), 0), zone.ErrCalibration)
	})
}

func TestStartStopZone(t *testing.T) {
	h := newHarness(t, withSettings(func(s *config.Settings) {
		s.Zones[1].Mode = config.ModeManual
		s.Zones[2].Enabled = false
	}))
	h.at(0)
	ctx := context.Background()

	h.exec(func() { require.NoError(t, h.e.StartZone(ctx, 1)) })
	assert.True(t, h.on(1))
	assert.True(t, h.energized(1))

	h.at(time.Minute)
	assert.True(t, h.on(1), "manual zones keep their state")

	h.exec(func() { require.NoError(t, h.e.StopZone(ctx, 1)) })
	assert.False(t, h.on(1))

	events := h.events(1)
	require.Len(t, events, 2)
	assert.Equal(t, storage.SourceManual, events[0].Source)
	assert.Equal(t, "manual stop", events[0].Reason)
	assert.Equal(t, "manual start", events[1].Reason)

	h.exec(func() { assert.ErrorIs(t, h.e.StartZone(ctx, 2), ErrZoneDisabled) })
	h.exec(func() { assert.ErrorIs(t, h.e.StartZone(ctx, 6), ErrUnknownZone) })
	h.exec(func() { assert.ErrorIs(t, h.e.StartZone(ctx, 9), ErrUnknownZone) })

	h.sensors.SetAmbient(20, 50)
	h.at(2 * time.Minute)
	h.exec(func() { assert.ErrorIs(t, h.e.StartZone(ctx, 1), ErrSafetyLocked) })
}

func TestManualStartIsStillCapped(t *testing.T) {
	h := newHarness(t, withSettings(func(s *config.Settings) {
		s.Zones[1].Mode = config.ModeManual
		s.Zones[1].MaxDurationMinutes = 10
	}))
	h.at(0)
	h.exec(func() { require.NoError(t, h.e.StartZone(context.Background(), 1)) })

	h.at(10 * time.Minute)
	assert.True(t, h.on(1))
	h.at(11 * time.Minute)
	assert.False(t, h.on(1))
	assert.Equal(t, "max_duration", h.events(1)[0].Reason)
}

func TestStopZoneHoldsAutomaticZone(t *testing.T) {
	h := newHarness(t)
	h.sensors.SetRaw(0, rawDry)
	h.at(0)
	require.True(t, h.on(0))

	h.exec(func() { require.NoError(t, h.e.StopZone(context.Background(), 0)) })
	h.at(time.Minute)
	assert.False(t, h.on(0), "still dry but stopped by hand")

	h.exec(func() { require.NoError(t, h.e.StartZone(context.Background(), 0)) })
	h.at(2 * time.Minute)
	assert.True(t, h.on(0))
}

func TestSetZoneConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var bad config.ZoneConfig
	var err error
	h.exec(func() { bad, err = h.e.GetZoneConfig(ctx, 0) })
	require.NoError(t, err)
	bad.Thresholds = config.Thresholds{Low: 70, High: 40}
	h.exec(func() { assert.ErrorIs(t, h.e.SetZoneConfig(ctx, bad), config.ErrInvalidConfig) })
	assert.Equal(t, uint8(40), h.e.settings.Zones[0].Thresholds.Low, "rejected writes change nothing")

	good := h.e.settings.Zones[0]
	good.Name = "Orchard"
	good.Thresholds = config.Thresholds{Low: 30, High: 60}
	h.exec(func() { require.NoError(t, h.e.SetZoneConfig(ctx, good)) })
	assert.Equal(t, good, h.e.settings.Zones[0])

	res, err := config.NewStore(h.dev, zap.NewNop()).Load()
	require.NoError(t, err)
	assert.Equal(t, good, res.Settings.Zones[0])

	h.exec(func() {
		_, err := h.e.GetZoneConfig(ctx, config.MaxZones)
		assert.ErrorIs(t, err, ErrUnknownZone)
	})
}

func TestSetZoneConfigPersistFailureKeepsMemory(t *testing.T) {
	h := newHarness(t)
	h.dev.WriteError = errors.New("eio")

	z := h.e.settings.Zones[0]
	z.Name = "Beds"
	h.exec(func() {
		assert.ErrorIs(t, h.e.SetZoneConfig(context.Background(), z), config.ErrPersistWrite)
	})
	assert.Equal(t, "Beds", h.e.settings.Zones[0].Name)
}

func TestSetSystemConfig(t *testing.T) {
	h := newHarness(t, withLines(4))
	ctx := context.Background()
	h.sensors.SetRaw(3, rawDry)
	h.at(0)
	require.True(t, h.on(3))

	sys := h.e.settings.System
	sys.ZoneCount = 6
	h.exec(func() { assert.ErrorIs(t, h.e.SetSystemConfig(ctx, sys), config.ErrInvalidConfig) })

	sys.ZoneCount = 3
	sys.RelayActiveLow = false
	h.exec(func() { require.NoError(t, h.e.SetSystemConfig(ctx, sys)) })
	assert.True(t, h.drv.Level(3), "re-driven with the new polarity, zone 3 is still on")

	h.at(time.Minute)
	assert.False(t, h.on(3), "zones beyond the zone count are closed")
	assert.False(t, h.drv.Level(3))
	assert.Equal(t, storage.SourceSystem, h.events(3)[0].Source)

	var got config.SystemConfig
	h.exec(func() {
		var err error
		got, err = h.e.GetSystemConfig(ctx)
		require.NoError(t, err)
	})
	assert.Equal(t, uint8(3), got.ZoneCount)
	assert.Equal(t, got.ComputeChecksum(), got.Checksum)
}

func TestSetSystemConfigChangesInterval(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.TickInterval = 0 }))
	sys := h.e.settings.System
	sys.SensorReadIntervalMs = 1000
	h.exec(func() { require.NoError(t, h.e.SetSystemConfig(context.Background(), sys)) })
	assert.Equal(t, time.Second, h.e.tickInterval())
}

func TestWinterize(t *testing.T) {
	h := newHarness(t,
		withConfig(func(c *Config) { c.WinterizePulse = 2 * time.Minute }),
		withSettings(func(s *config.Settings) { s.Zones[2].Enabled = false }))
	h.sensors.SetAmbient(20, 50)
	h.at(0)
	ctx := context.Background()

	h.exec(func() { require.NoError(t, h.e.Winterize(ctx)) })
	assert.True(t, h.on(0), "winterize ignores freeze protection")
	h.exec(func() { assert.ErrorIs(t, h.e.Winterize(ctx), ErrWinterizing) })
	h.exec(func() { assert.ErrorIs(t, h.e.StartZone(ctx, 1), ErrWinterizing) })

	h.at(time.Minute)
	assert.True(t, h.on(0))
	st := h.e.status(h.now)
	require.NotNil(t, st.Winterize)
	assert.Equal(t, 0, st.Winterize.Zone)
	assert.Equal(t, []int{1, 3}, st.Winterize.Remaining)

	h.at(2 * time.Minute)
	assert.False(t, h.on(0))
	assert.True(t, h.on(1))

	h.at(4 * time.Minute)
	assert.False(t, h.on(1))
	assert.False(t, h.on(2), "disabled zones are skipped")
	assert.True(t, h.on(3))

	h.at(6 * time.Minute)
	assert.False(t, h.on(3))
	assert.Nil(t, h.e.winterize)

	all := h.events(-1)
	assert.Len(t, all, 6)
	for _, ev := range all {
		assert.Equal(t, storage.SourceWinterize, ev.Source)
	}
}

func TestWinterizeIsNotWatering(t *testing.T) {
	h := newHarness(t,
		withConfig(func(c *Config) { c.WinterizePulse = 2 * time.Minute }),
		withSettings(func(s *config.Settings) {
			z := &s.Zones[0]
			z.Mode = config.ModeTime
			z.Schedule = config.Schedule{Enabled: true, StartHour: 6, DurationMinutes: 15, Days: config.Everyday}
		}))

	// 05:00
	h.at(-time.Hour)
	h.exec(func() { require.NoError(t, h.e.Winterize(context.Background())) })
	require.True(t, h.on(0))
	for d := -time.Hour + 2*time.Minute; d <= -time.Hour+8*time.Minute; d += 2 * time.Minute {
		h.at(d)
	}
	require.Nil(t, h.e.winterize)

	assert.Zero(t, h.e.zones[0].WateredToday(h.now))
	assert.True(t, h.e.zones[0].LastWatered.IsZero())
	runtimes, err := h.db.GetZoneRuntimes()
	require.NoError(t, err)
	assert.Empty(t, runtimes)

	h.at(0)
	assert.True(t, h.on(0), "the scheduled run still happens after winterizing")
	assert.Equal(t, "schedule window", h.events(0)[0].Reason)
}

func TestCancelWinterize(t *testing.T) {
	h := newHarness(t)
	h.at(0)
	h.exec(func() { require.NoError(t, h.e.Winterize(context.Background())) })
	require.True(t, h.on(0))

	h.exec(func() { require.NoError(t, h.e.CancelWinterize(context.Background())) })
	assert.False(t, h.on(0))
	assert.Nil(t, h.e.winterize)
	assert.Equal(t, "cancelled", h.events(0)[0].Reason)
}

func TestFactoryReset(t *testing.T) {
	h := newHarness(t, withSettings(func(s *config.Settings) {
		s.Zones[0].Name = "Orchard"
		s.Zones[0].Mode = config.ModeManual
	}))
	h.at(0)
	ctx := context.Background()
	h.exec(func() { require.NoError(t, h.e.StartZone(ctx, 0)) })
	require.True(t, h.on(0))

	h.exec(func() { require.NoError(t, h.e.FactoryReset(ctx)) })
	assert.False(t, h.on(0))
	assert.False(t, h.energized(0))
	assert.Equal(t, config.Defaults(), h.e.settings)
	assert.True(t, h.e.zones[0].LastWatered.IsZero())
	assert.Equal(t, storage.SourceSystem, h.events(0)[0].Source)

	rt, err := h.db.GetZoneRuntimes()
	require.NoError(t, err)
	assert.Empty(t, rt)

	res, err := config.NewStore(h.dev, zap.NewNop()).Load()
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), res.Settings)
}

func TestCaptureCalibration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sensors.SetRaw(0, 180)
	h.at(0)

	var z config.ZoneConfig
	h.exec(func() {
		var err error
		z, err = h.e.CaptureCalibration(ctx, 0, CalDry)
		require.NoError(t, err)
	})
	assert.Equal(t, uint16(180), z.Calibration.DryRaw)
	assert.Equal(t, uint16(550), z.Calibration.WetRaw)

	res, err := config.NewStore(h.dev, zap.NewNop()).Load()
	require.NoError(t, err)
	assert.Equal(t, uint16(180), res.Settings.Zones[0].Calibration.DryRaw)

	h.sensors.SetRaw(0, 100)
	h.at(time.Minute)
	h.exec(func() {
		_, err := h.e.CaptureCalibration(ctx, 0, CalWet)
		assert.ErrorIs(t, err, config.ErrInvalidConfig, "wet below dry is rejected")
	})
	assert.Equal(t, uint16(550), h.e.settings.Zones[0].Calibration.WetRaw)

	h.sensors.FailZone(1)
	h.e.sampler.Forget()
	h.at(2 * time.Minute)
	h.exec(func() {
		_, err := h.e.CaptureCalibration(ctx, 1, CalWet)
		assert.ErrorIs(t, err, ErrNoReading)
	})
}

func TestReadingsAreLogged(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.ReadingInterval = 15 * time.Minute }))
	h.at(0)
	h.at(5 * time.Minute)
	h.at(15 * time.Minute)

	readings, err := h.db.GetReadings(0, 10)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, uint16(rawMid), readings[0].Raw)
	assert.Equal(t, uint8(65), readings[0].Percent)
	assert.Equal(t, 70.0, readings[0].Temperature)

	none, err := h.db.GetReadings(5, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "inactive zones are not logged")
}

func TestSyncHistoryPublishesInOrder(t *testing.T) {
	h := newHarness(t, withPublisher())
	h.sensors.SetRaw(0, rawDry)
	h.at(0)
	h.sensors.SetAmbient(30, 50)
	h.at(time.Minute)

	h.e.syncHistory()
	tr := h.pub.TransitionsSnapshot()
	require.Len(t, tr, 2)
	assert.True(t, tr[0].On)
	assert.False(t, tr[1].On)
	assert.Equal(t, storage.SourceSafety, tr[1].Source)
	require.Len(t, h.pub.TripsSnapshot(), 1)

	pending, err := h.db.GetUnpublishedValveEvents(10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	h.pub.SetError(errors.New("broker down"))
	h.sensors.SetAmbient(60, 50)
	h.at(2 * time.Minute)
	h.e.syncHistory()
	pending, err = h.db.GetUnpublishedValveEvents(10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "kept for the next attempt")

	h.pub.SetError(nil)
	h.e.syncHistory()
	assert.Len(t, h.pub.TransitionsSnapshot(), 3)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, withSettings(func(s *config.Settings) { s.System.TempUnit = config.Celsius }))
	h.sensors.SetRaw(0, rawDry)
	h.sensors.SetAmbient(212, 40)
	h.at(0)
	h.at(10 * time.Minute)

	var st Status
	h.exec(func() {
		var err error
		st, err = h.e.Snapshot(context.Background())
		require.NoError(t, err)
	})
	assert.Equal(t, 100.0, st.Temperature)
	assert.Len(t, st.Zones, config.MaxZones)
	assert.True(t, st.Zones[0].On)
	assert.True(t, st.Zones[0].Energized)
	assert.False(t, st.Zones[1].Energized)
	assert.Equal(t, 10*time.Minute, st.Zones[0].Elapsed)
	assert.Equal(t, 10*time.Minute, st.Zones[0].WateredToday)
	assert.True(t, st.Zones[3].Active)
	assert.False(t, st.Zones[4].Active)
	assert.Equal(t, "ok", st.Zones[1].Status)
}

func TestSafetyTripIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := newHarness(t,
		withLogger(zap.New(core)),
		withSettings(func(s *config.Settings) { s.Zones[2].MaxDurationMinutes = 5 }))
	h.sensors.SetRaw(2, rawDry)
	h.at(0)
	h.at(6 * time.Minute)

	tripped := logs.FilterMessage("safety limit tripped").All()
	require.Len(t, tripped, 1)
	assert.Equal(t, zapcore.WarnLevel, tripped[0].Level)
	assert.Equal(t, int64(2), tripped[0].ContextMap()["zone"])
	assert.Equal(t, "max_duration", tripped[0].ContextMap()["trip"])
}

func TestRunClosesValvesOnShutdown(t *testing.T) {
	h := newHarness(t, withPublisher(), withConfig(func(c *Config) {
		c.TickInterval = 10 * time.Millisecond
		c.PublishInterval = 10 * time.Millisecond
	}))
	h.sensors.SetRaw(0, rawDry)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := h.e.Snapshot(ctx)
		return err == nil && st.Zones[0].On
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.pub.TransitionsSnapshot()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	for i := 0; i < config.MaxZones; i++ {
		assert.True(t, h.drv.Level(i), "line %d left energized", i)
	}
	assert.Equal(t, "shutdown", h.events(0)[0].Reason)

	_, err := h.e.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	require.NoError(t, h.e.Close())
	assert.True(t, h.drv.Closed)
}
