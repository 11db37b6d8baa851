package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/zones.img
hardware:
  pins: [17, 27]
mqtt:
  broker: tcp://localhost:1883
  prefix: garden
timing:
  tick_ms: 1000
logging:
  format: console
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/zones.img", cfg.Store.Path)
	assert.Equal(t, []int{17, 27}, cfg.Hardware.Pins)
	assert.Equal(t, "garden", cfg.MQTT.Prefix)
	assert.Equal(t, 1000, cfg.Timing.Tick)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level, "unset keys keep their default")
	assert.Equal(t, 120, cfg.Timing.WinterizePulse)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"mqtt sensors without broker", "sensors:\n  source: mqtt\n"},
		{"unknown sensor source", "sensors:\n  source: serial\n"},
		{"no pins on real hardware", "sensors:\n  source: none\nhardware:\n  pins: []\n"},
		{"bad yaml", "store: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFakeHardware(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "hardware:\n  fake: true\n  pins: []\nsensors:\n  source: fake\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Hardware.Fake)
}

func TestParseZone(t *testing.T) {
	z, err := parseZone("3")
	require.NoError(t, err)
	assert.Equal(t, 2, z)

	for _, bad := range []string{"0", "9", "x"} {
		_, err := parseZone(bad)
		assert.Error(t, err, bad)
	}
}
