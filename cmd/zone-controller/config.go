package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the configuration file structure
type Config struct {
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Database struct {
		Path            string `yaml:"path"`
		ReadingInterval int    `yaml:"reading_interval"` // seconds, 0 disables
		RetentionDays   int    `yaml:"retention_days"`
	} `yaml:"database"`

	Timing struct {
		Tick            int `yaml:"tick_ms"` // overrides the stored sensor read interval
		SensorTimeout   int `yaml:"sensor_timeout_ms"`
		WinterizePulse  int `yaml:"winterize_pulse"` // seconds
		PublishInterval int `yaml:"publish_interval"`
	} `yaml:"timing"`

	Hardware struct {
		Fake     bool   `yaml:"fake"`
		GPIOChip string `yaml:"gpio_chip"`
		Pins     []int  `yaml:"pins"`
	} `yaml:"hardware"`

	Sensors struct {
		Source string `yaml:"source"`  // mqtt, fake or none
		MaxAge int    `yaml:"max_age"` // seconds
	} `yaml:"sensors"`

	MQTT struct {
		Broker   string `yaml:"broker"`
		ClientID string `yaml:"client_id"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"mqtt"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Store.Path = "/var/lib/zone-controller/config.img"
	cfg.Database.Path = "/var/lib/zone-controller/history.db"
	cfg.Database.ReadingInterval = 15 * 60
	cfg.Database.RetentionDays = 90
	cfg.Timing.SensorTimeout = 2000
	cfg.Timing.WinterizePulse = 120
	cfg.Timing.PublishInterval = 10
	cfg.Hardware.GPIOChip = "gpiochip0"
	cfg.Hardware.Pins = []int{5, 6, 13, 19, 26, 16, 20, 21}
	cfg.Sensors.Source = "none"
	cfg.Sensors.MaxAge = 300
	cfg.MQTT.ClientID = "zone-controller"
	cfg.MQTT.Prefix = "irrigation"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

// loadConfig reads path over the defaults. A missing file yields the
// defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if !c.Hardware.Fake && len(c.Hardware.Pins) == 0 {
		return fmt.Errorf("hardware.pins is required unless hardware.fake is set")
	}
	switch c.Sensors.Source {
	case "mqtt":
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required for the mqtt sensor source")
		}
	case "fake", "none":
	default:
		return fmt.Errorf("unknown sensors.source %q", c.Sensors.Source)
	}
	return nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
