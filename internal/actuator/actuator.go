// Package actuator drives the zone valves. The relay bank translates the
// logical "energize" decision into a line level, applying the active-low
// convention at this boundary only.
package actuator

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Driver sets raw output levels on a bank of lines.
type Driver interface {
	// SetLevel drives line i high (true) or low (false).
	SetLevel(i int, high bool) error

	// Lines returns the number of lines the driver controls.
	Lines() int

	// Close releases the lines.
	Close() error
}

// Relay is a bank of valve relays on top of a Driver.
type Relay struct {
	mu        sync.Mutex
	drv       Driver
	activeLow bool
	on        []bool
}

// NewRelay wraps drv. With activeLow set a low level energizes the relay.
func NewRelay(drv Driver, activeLow bool) *Relay {
	return &Relay{drv: drv, activeLow: activeLow, on: make([]bool, drv.Lines())}
}

func (r *Relay) level(energize bool) bool {
	return energize != r.activeLow
}

// SetZone energizes or releases the relay of zone i.
func (r *Relay) SetZone(i int, energize bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.on) {
		return fmt.Errorf("zone %d outside relay bank of %d", i, len(r.on))
	}
	if err := r.drv.SetLevel(i, r.level(energize)); err != nil {
		return fmt.Errorf("failed to set relay %d: %w", i, err)
	}
	r.on[i] = energize
	return nil
}

// SetActiveLow changes the relay convention and re-drives every line so
// the physical state keeps matching the logical one.
func (r *Relay) SetActiveLow(activeLow bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeLow == activeLow {
		return nil
	}
	r.activeLow = activeLow
	for i, on := range r.on {
		if err := r.drv.SetLevel(i, r.level(on)); err != nil {
			return fmt.Errorf("failed to re-drive relay %d: %w", i, err)
		}
	}
	return nil
}

// AllOff releases every relay, attempting all lines even if some fail.
func (r *Relay) AllOff() error {
	var err error
	for i := 0; i < r.Zones(); i++ {
		err = multierr.Append(err, r.SetZone(i, false))
	}
	return err
}

// Zones returns the number of relays in the bank.
func (r *Relay) Zones() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.on)
}

// IsOn reports the last commanded logical state of zone i.
func (r *Relay) IsOn(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return i >= 0 && i < len(r.on) && r.on[i]
}

// Close releases every relay and then the driver.
func (r *Relay) Close() error {
	return multierr.Combine(r.AllOff(), r.drv.Close())
}
