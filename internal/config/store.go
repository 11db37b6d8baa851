package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Device is the byte-addressable medium the store persists to, such as an
// EEPROM image or a flash-backed file.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// LoadResult describes what Load found on the device.
type LoadResult struct {
	Settings Settings

	// Recovered is set when the system record was corrupt and the whole
	// configuration was regenerated from defaults.
	Recovered bool

	// Cause is the integrity failure that triggered recovery.
	Cause error

	// RepairedZones lists zone records that failed to decode and were
	// replaced with their defaults.
	RepairedZones []int
}

// Store persists Settings to a Device using the fixed record layout.
type Store struct {
	dev Device
	log *zap.Logger
}

// NewStore creates a store on top of dev.
func NewStore(dev Device, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{dev: dev, log: log.Named("config")}
}

// Load reads and verifies the persisted configuration. A corrupt system
// record, or a zone count outside [1, MaxZones], regenerates the complete
// factory configuration and persists it immediately. The returned result is
// always usable; a non-nil error only reports that persisting the recovered
// configuration failed.
func (s *Store) Load() (LoadResult, error) {
	buf := make([]byte, ImageSize)
	if _, err := s.dev.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return s.recover(fmt.Errorf("%w: read image: %v", ErrCorrupt, err))
	}

	sys, err := DecodeSystemConfig(buf[:SystemRecordSize])
	if err != nil {
		return s.recover(err)
	}

	res := LoadResult{Settings: Settings{System: *sys}}
	for i := 0; i < MaxZones; i++ {
		off := ZoneOffset(i)
		z, err := DecodeZoneConfig(buf[off : off+ZoneRecordSize])
		if err == nil && int(z.ID) != i {
			err = fmt.Errorf("%w: record %d carries zone id %d", ErrCorrupt, i, z.ID)
		}
		if err != nil {
			s.log.Warn("zone record corrupt, restoring defaults",
				zap.Int("zone", i), zap.Error(err))
			res.Settings.Zones[i] = DefaultZone(uint8(i))
			res.RepairedZones = append(res.RepairedZones, i)
			continue
		}
		res.Settings.Zones[i] = *z
	}

	var persistErr error
	for _, i := range res.RepairedZones {
		if err := s.SaveZone(res.Settings.Zones[i]); err != nil {
			persistErr = err
		}
	}
	return res, persistErr
}

func (s *Store) recover(cause error) (LoadResult, error) {
	s.log.Warn("configuration corrupt, regenerating factory defaults", zap.Error(cause))
	res := LoadResult{
		Settings:  Defaults(),
		Recovered: true,
		Cause:     cause,
	}
	if err := s.saveAll(&res.Settings); err != nil {
		return res, err
	}
	return res, nil
}

// Save recomputes the checksum, writes the system record and then every
// active zone record. The computed checksum is stored back into set.
func (s *Store) Save(set *Settings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return s.save(set, int(set.System.ZoneCount))
}

// saveAll writes every zone record, used after factory regeneration.
func (s *Store) saveAll(set *Settings) error {
	return s.save(set, MaxZones)
}

func (s *Store) save(set *Settings, zones int) error {
	set.System.Checksum = set.System.ComputeChecksum()
	if _, err := s.dev.WriteAt(set.System.Encode(), 0); err != nil {
		return fmt.Errorf("%w: failed to write system record: %v", ErrPersistWrite, err)
	}
	for i := 0; i < zones; i++ {
		if _, err := s.dev.WriteAt(set.Zones[i].Encode(), ZoneOffset(i)); err != nil {
			return fmt.Errorf("%w: failed to write zone %d: %v", ErrPersistWrite, i, err)
		}
	}
	if err := s.dev.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync: %v", ErrPersistWrite, err)
	}
	s.log.Debug("configuration saved", zap.Int("zones", zones))
	return nil
}

// SaveZone persists a single zone record without rewriting the store.
func (s *Store) SaveZone(z ZoneConfig) error {
	if int(z.ID) >= MaxZones {
		return fmt.Errorf("%w: zone id %d", ErrInvalidConfig, z.ID)
	}
	if _, err := s.dev.WriteAt(z.Encode(), ZoneOffset(int(z.ID))); err != nil {
		return fmt.Errorf("%w: failed to write zone %d: %v", ErrPersistWrite, z.ID, err)
	}
	if err := s.dev.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync: %v", ErrPersistWrite, err)
	}
	return nil
}

// FactoryReset regenerates and persists the default configuration.
func (s *Store) FactoryReset() (Settings, error) {
	set := Defaults()
	s.log.Info("factory reset")
	return set, s.saveAll(&set)
}

// FileDevice is a Device backed by a fixed-size image file.
type FileDevice struct {
	f *os.File
}

// OpenFile opens or creates the image at path, growing it to ImageSize.
// A freshly created image is all zeroes and fails its checksum, so the
// first Load writes factory defaults.
func OpenFile(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open config image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat config image: %w", err)
	}
	if info.Size() < ImageSize {
		if err := f.Truncate(ImageSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size config image: %w", err)
		}
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *FileDevice) Sync() error                              { return d.f.Sync() }

// Close closes the image file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

// MemDevice is an in-memory Device for tests and simulation.
type MemDevice struct {
	mu   sync.Mutex
	data []byte

	// WriteError, if set, is returned by WriteAt.
	WriteError error
	Writes     int
}

// NewMemDevice returns a zeroed image.
func NewMemDevice() *MemDevice {
	return &MemDevice{data: make([]byte, ImageSize)}
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WriteError != nil {
		return 0, d.WriteError
	}
	if end := off + int64(len(p)); end > int64(len(d.data)) {
		return 0, fmt.Errorf("write past end of image: %d > %d", end, len(d.data))
	}
	d.Writes++
	return copy(d.data[off:], p), nil
}

func (d *MemDevice) Sync() error { return nil }

// Bytes returns a copy of the image.
func (d *MemDevice) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.data))
	copy(out, d.data)
	return out
}

// Poke overwrites image bytes directly, bypassing WriteError.
func (d *MemDevice) Poke(off int64, p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.data[off:], p)
}
