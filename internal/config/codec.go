package config

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// LayoutVersion identifies the on-disk record layout.
const LayoutVersion = 1

// Record sizes and offsets of the persisted image.
//
// System record (24 bytes):
//
//	0 version | 1 zoneCount | 2 tempUnit | 3 relayActiveLow | 4 freezeProtect |
//	5 ntpEnabled | 6 tempAdjustLow | 7 tempAdjustHigh | 8 freezeThreshold i16 |
//	10 tempSwitchThreshold i16 | 12 timezoneOffset i16 | 14 maxDailyMinutes u16 |
//	16 sensorReadIntervalMs u32 | 20 reserved u16 | 22 checksum u16
//
// Zone record (40 bytes):
//
//	0 id | 1 enabled | 2 name [16] | 18 dryRaw u16 | 20 wetRaw u16 | 22 low |
//	23 high | 24 mode | 25 schedEnabled | 26 startHour | 27 startMinute |
//	28 durationMinutes u16 | 30 days | 31 reserved | 32 maxDurationMinutes u16 |
//	34 reserved [6]
//
// All multi-byte fields are little-endian.
const (
	SystemRecordSize = 24
	ZoneRecordSize   = 40
	ImageSize        = SystemRecordSize + MaxZones*ZoneRecordSize

	checksumOffset = 22
)

// ZoneOffset returns the byte offset of the zone record at index i.
func ZoneOffset(i int) int64 {
	return int64(SystemRecordSize + i*ZoneRecordSize)
}

// ComputeChecksum returns the CRC-16 of the encoded record, excluding the
// checksum field itself.
func (c *SystemConfig) ComputeChecksum() uint16 {
	buf := c.encodeFields()
	return crc16(buf[:checksumOffset])
}

// Encode serializes the system record. The stored checksum is always
// recomputed from the encoded fields.
func (c *SystemConfig) Encode() []byte {
	buf := c.encodeFields()
	binary.LittleEndian.PutUint16(buf[checksumOffset:], crc16(buf[:checksumOffset]))
	return buf
}

func (c *SystemConfig) encodeFields() []byte {
	buf := make([]byte, SystemRecordSize)
	buf[0] = LayoutVersion
	buf[1] = c.ZoneCount
	buf[2] = uint8(c.TempUnit)
	buf[3] = boolByte(c.RelayActiveLow)
	buf[4] = boolByte(c.FreezeProtect)
	buf[5] = boolByte(c.NTPEnabled)
	buf[6] = c.TempAdjustLow
	buf[7] = c.TempAdjustHigh
	binary.LittleEndian.PutUint16(buf[8:10], uint16(c.FreezeThreshold))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(c.TempSwitchThreshold))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(c.TimezoneOffset))
	binary.LittleEndian.PutUint16(buf[14:16], c.MaxDailyWateringMinutes)
	binary.LittleEndian.PutUint32(buf[16:20], c.SensorReadIntervalMs)
	return buf
}

// DecodeSystemConfig parses and verifies a system record. A record whose
// checksum, version or zone count is wrong yields an error wrapping ErrCorrupt.
func DecodeSystemConfig(data []byte) (*SystemConfig, error) {
	if len(data) < SystemRecordSize {
		return nil, fmt.Errorf("%w: system record too short: %d bytes", ErrCorrupt, len(data))
	}
	stored := binary.LittleEndian.Uint16(data[checksumOffset : checksumOffset+2])
	if sum := crc16(data[:checksumOffset]); sum != stored {
		return nil, fmt.Errorf("%w: checksum 0x%04X, computed 0x%04X", ErrCorrupt, stored, sum)
	}
	if data[0] != LayoutVersion {
		return nil, fmt.Errorf("%w: layout version %d", ErrCorrupt, data[0])
	}
	c := &SystemConfig{
		ZoneCount:               data[1],
		TempUnit:                TempUnit(data[2]),
		RelayActiveLow:          data[3] != 0,
		FreezeProtect:           data[4] != 0,
		NTPEnabled:              data[5] != 0,
		TempAdjustLow:           data[6],
		TempAdjustHigh:          data[7],
		FreezeThreshold:         int16(binary.LittleEndian.Uint16(data[8:10])),
		TempSwitchThreshold:     int16(binary.LittleEndian.Uint16(data[10:12])),
		TimezoneOffset:          int16(binary.LittleEndian.Uint16(data[12:14])),
		MaxDailyWateringMinutes: binary.LittleEndian.Uint16(data[14:16]),
		SensorReadIntervalMs:    binary.LittleEndian.Uint32(data[16:20]),
		Checksum:                stored,
	}
	if c.ZoneCount < 1 || int(c.ZoneCount) > MaxZones {
		return nil, fmt.Errorf("%w: zone count %d outside [1, %d]", ErrCorrupt, c.ZoneCount, MaxZones)
	}
	return c, nil
}

// Encode serializes a zone record. Names are truncated to NameCapacity
// bytes and NUL-padded.
func (z *ZoneConfig) Encode() []byte {
	buf := make([]byte, ZoneRecordSize)
	buf[0] = z.ID
	buf[1] = boolByte(z.Enabled)
	copy(buf[2:2+NameCapacity], z.Name)
	binary.LittleEndian.PutUint16(buf[18:20], z.Calibration.DryRaw)
	binary.LittleEndian.PutUint16(buf[20:22], z.Calibration.WetRaw)
	buf[22] = z.Thresholds.Low
	buf[23] = z.Thresholds.High
	buf[24] = uint8(z.Mode)
	buf[25] = boolByte(z.Schedule.Enabled)
	buf[26] = z.Schedule.StartHour
	buf[27] = z.Schedule.StartMinute
	binary.LittleEndian.PutUint16(buf[28:30], z.Schedule.DurationMinutes)
	buf[30] = uint8(z.Schedule.Days)
	binary.LittleEndian.PutUint16(buf[32:34], z.MaxDurationMinutes)
	return buf
}

// DecodeZoneConfig parses a zone record. An unknown mode tag yields an
// error wrapping ErrCorrupt.
func DecodeZoneConfig(data []byte) (*ZoneConfig, error) {
	if len(data) < ZoneRecordSize {
		return nil, fmt.Errorf("%w: zone record too short: %d bytes", ErrCorrupt, len(data))
	}
	name := data[2 : 2+NameCapacity]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	z := &ZoneConfig{
		ID:      data[0],
		Enabled: data[1] != 0,
		Name:    string(name),
		Calibration: Calibration{
			DryRaw: binary.LittleEndian.Uint16(data[18:20]),
			WetRaw: binary.LittleEndian.Uint16(data[20:22]),
		},
		Thresholds: Thresholds{
			Low:  data[22],
			High: data[23],
		},
		Mode: Mode(data[24]),
		Schedule: Schedule{
			Enabled:         data[25] != 0,
			StartHour:       data[26],
			StartMinute:     data[27],
			DurationMinutes: binary.LittleEndian.Uint16(data[28:30]),
			Days:            DayMask(data[30]),
		},
		MaxDurationMinutes: binary.LittleEndian.Uint16(data[32:34]),
	}
	if !z.Mode.Valid() {
		return nil, fmt.Errorf("%w: zone %d mode tag %d", ErrCorrupt, z.ID, data[24])
	}
	return z, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// crc16 is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
