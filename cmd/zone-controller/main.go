// Zone Controller
// Main entry point for the irrigation zone controller service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/agsys/zone-controller/internal/actuator"
	"github.com/agsys/zone-controller/internal/config"
	"github.com/agsys/zone-controller/internal/engine"
	"github.com/agsys/zone-controller/internal/logging"
	"github.com/agsys/zone-controller/internal/notify"
	"github.com/agsys/zone-controller/internal/sensor"
	"github.com/agsys/zone-controller/internal/storage"
)

const version = "0.1.0"

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "zone-controller",
		Short: "Irrigation zone controller",
		Long:  "Multi-zone irrigation controller. Decides per zone when to open its valve from soil moisture, schedules and safety limits.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Zone Controller v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/zone-controller/controller.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, "zone-controller")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	dev, err := config.OpenFile(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}
	defer dev.Close()
	store := config.NewStore(dev, log)

	// The relay polarity is needed before the engine exists so the lines
	// can be requested at their released level.
	boot, err := store.Load()
	if err != nil {
		log.Error("failed to persist recovered configuration", zap.Error(err))
	}
	activeLow := boot.Settings.System.RelayActiveLow

	var drv actuator.Driver
	if cfg.Hardware.Fake {
		drv = actuator.NewFakeDriver(config.MaxZones, activeLow)
		log.Warn("using fake relay driver")
	} else {
		drv, err = actuator.NewGPIO(cfg.Hardware.GPIOChip, cfg.Hardware.Pins, activeLow)
		if err != nil {
			return fmt.Errorf("failed to open relay lines: %w", err)
		}
	}

	var history *storage.DB
	if cfg.Database.Path != "" {
		history, err = storage.Open(cfg.Database.Path)
		if err != nil {
			drv.Close()
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer history.Close()
	}

	var pub notify.Publisher
	if cfg.MQTT.Broker != "" {
		m, err := notify.NewMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Prefix)
		if err != nil {
			log.Warn("event publishing disabled", zap.Error(err))
		} else {
			pub = m
			defer m.Close()
		}
	}

	sensors, closeSensors, err := openSensors(cfg, log)
	if err != nil {
		drv.Close()
		return err
	}
	defer closeSensors()

	engineCfg := engine.DefaultConfig()
	engineCfg.TickInterval = msToDuration(cfg.Timing.Tick)
	if cfg.Timing.SensorTimeout > 0 {
		engineCfg.SensorTimeout = msToDuration(cfg.Timing.SensorTimeout)
	}
	if cfg.Timing.WinterizePulse > 0 {
		engineCfg.WinterizePulse = secondsToDuration(cfg.Timing.WinterizePulse)
	}
	if cfg.Timing.PublishInterval > 0 {
		engineCfg.PublishInterval = secondsToDuration(cfg.Timing.PublishInterval)
	}
	engineCfg.ReadingInterval = secondsToDuration(cfg.Database.ReadingInterval)
	engineCfg.ReadingRetention = time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour

	deps := engine.Deps{
		Store:     store,
		Sensors:   sensors,
		Driver:    drv,
		Publisher: pub,
		Logger:    log,
	}
	if history != nil {
		deps.History = history
	}

	eng, err := engine.New(engineCfg, deps)
	if err != nil {
		drv.Close()
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go handleSignals(ctx, eng, log)

	if pub != nil {
		if err := pub.PublishSystem(notify.SystemEvent{Timestamp: time.Now(), Event: "STARTUP", Retained: true}); err != nil {
			log.Warn("failed to publish startup", zap.Error(err))
		}
	}

	log.Info("starting zone controller", zap.String("version", version))
	runErr := eng.Run(ctx)
	log.Info("shutting down")

	if pub != nil {
		if err := pub.PublishSystem(notify.SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "signal", Retained: true}); err != nil {
			log.Warn("failed to publish shutdown", zap.Error(err))
		}
	}
	if err := eng.Close(); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}

	log.Info("shutdown complete")
	return runErr
}

// openSensors builds the sensor adapter named by the service config.
func openSensors(cfg *Config, log *zap.Logger) (sensor.Adapter, func(), error) {
	switch cfg.Sensors.Source {
	case "mqtt":
		feed, err := sensor.NewMQTTFeed(cfg.MQTT.Broker, cfg.MQTT.ClientID+"-sensors", cfg.MQTT.Prefix,
			secondsToDuration(cfg.Sensors.MaxAge), log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start sensor feed: %w", err)
		}
		return feed, func() { feed.Close() }, nil
	case "fake":
		log.Warn("using fake sensors")
		return sensor.NewFake(400, 70), func() {}, nil
	default:
		log.Warn("no sensors configured, moisture zones will stay idle")
		return sensor.Nop{}, func() {}, nil
	}
}

// handleSignals maps maintenance signals onto the control surface:
// SIGUSR1 starts a winterize sequence, SIGUSR2 logs a status snapshot.
func handleSignals(ctx context.Context, eng *engine.Engine, log *zap.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sig:
			rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			switch s {
			case syscall.SIGUSR1:
				if err := eng.Winterize(rctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("winterize refused", zap.Error(err))
				}
			case syscall.SIGUSR2:
				logStatus(rctx, eng, log)
			}
			cancel()
		}
	}
}

func logStatus(ctx context.Context, eng *engine.Engine, log *zap.Logger) {
	st, err := eng.Snapshot(ctx)
	if err != nil {
		log.Warn("failed to take snapshot", zap.Error(err))
		return
	}
	var errs error
	for _, z := range st.Zones {
		if !z.Active {
			continue
		}
		log.Info("zone status",
			zap.Uint8("zone", z.ID),
			zap.String("name", z.Name),
			zap.Stringer("mode", z.Mode),
			zap.Bool("on", z.On),
			zap.Uint8("moisture", z.Moisture),
			zap.Bool("moisture_valid", z.MoistureValid),
			zap.Duration("watered_today", z.WateredToday),
			zap.String("status", z.Status))
		if z.Status != "ok" {
			errs = multierr.Append(errs, fmt.Errorf("zone %d: %s", z.ID, z.Status))
		}
	}
	log.Info("system status",
		zap.Float64("temperature", st.Temperature),
		zap.Stringer("unit", st.Settings.System.TempUnit),
		zap.Bool("freezing", st.Freezing),
		zap.Bool("winterizing", st.Winterize != nil),
		zap.Errors("conditions", multierr.Errors(errs)))
}
