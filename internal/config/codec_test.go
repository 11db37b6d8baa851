package config

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16CheckValue(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), crc16([]byte("123456789")))
}

func TestSystemConfigRoundTrip(t *testing.T) {
	sys := DefaultSystem()
	sys.ZoneCount = 6
	sys.TempUnit = Celsius
	sys.FreezeThreshold = -4
	sys.TimezoneOffset = -300
	sys.SensorReadIntervalMs = 2500

	data := sys.Encode()
	require.Len(t, data, SystemRecordSize)

	decoded, err := DecodeSystemConfig(data)
	require.NoError(t, err)

	sys.Checksum = sys.ComputeChecksum()
	assert.Equal(t, sys, *decoded)
}

func TestSystemConfigLayout(t *testing.T) {
	sys := DefaultSystem()
	data := sys.Encode()

	assert.Equal(t, byte(LayoutVersion), data[0])
	assert.Equal(t, byte(DefaultZoneCount), data[1])
	assert.Equal(t, byte(1), data[3], "relay active low")
	assert.Equal(t, uint16(DefaultFreezeThreshold), binary.LittleEndian.Uint16(data[8:10]))
	assert.Equal(t, uint16(DefaultMaxDailyWateringMinutes), binary.LittleEndian.Uint16(data[14:16]))
	assert.Equal(t, uint32(DefaultSensorReadIntervalMs), binary.LittleEndian.Uint32(data[16:20]))
	assert.Equal(t, crc16(data[:22]), binary.LittleEndian.Uint16(data[22:24]))
}

func TestDecodeSystemConfigRejectsCorruption(t *testing.T) {
	sys := DefaultSystem()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flipped bit", func(b []byte) []byte { b[6] ^= 0x01; return b }},
		{"bad checksum", func(b []byte) []byte { b[22]++; return b }},
		{"truncated", func(b []byte) []byte { return b[:10] }},
		{"zero zones", func(b []byte) []byte { return resign(b, 1, 0) }},
		{"too many zones", func(b []byte) []byte { return resign(b, 1, MaxZones+1) }},
		{"unknown version", func(b []byte) []byte { return resign(b, 0, LayoutVersion+1) }},
		{"all zeroes", func(b []byte) []byte { return make([]byte, SystemRecordSize) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSystemConfig(tt.mutate(sys.Encode()))
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

// resign sets one byte and recomputes a valid checksum.
func resign(b []byte, off int, v byte) []byte {
	b[off] = v
	binary.LittleEndian.PutUint16(b[checksumOffset:], crc16(b[:checksumOffset]))
	return b
}

func TestZoneConfigRoundTrip(t *testing.T) {
	z := DefaultZone(3)
	z.Name = "Back Lawn"
	z.Mode = ModeHybrid
	z.Schedule = Schedule{Enabled: true, StartHour: 23, StartMinute: 30, DurationMinutes: 90, Days: DayMask(0).With(1).With(5)}
	z.MaxDurationMinutes = 45

	data := z.Encode()
	require.Len(t, data, ZoneRecordSize)

	decoded, err := DecodeZoneConfig(data)
	require.NoError(t, err)
	assert.Equal(t, z, *decoded)
}

func TestZoneConfigNameFillsCapacity(t *testing.T) {
	z := DefaultZone(0)
	z.Name = "0123456789abcdef"

	decoded, err := DecodeZoneConfig(z.Encode())
	require.NoError(t, err)
	assert.Equal(t, z.Name, decoded.Name)
}

func TestDecodeZoneConfigRejectsUnknownMode(t *testing.T) {
	z := DefaultZone(1)
	data := z.Encode()
	data[24] = 9

	_, err := DecodeZoneConfig(data)
	assert.ErrorIs(t, err, ErrCorrupt)
}
