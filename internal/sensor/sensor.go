// Package sensor samples soil moisture and ambient conditions through a
// hardware abstraction. The real adapters live outside the decision logic;
// the fake adapter allows testing without hardware.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agsys/zone-controller/internal/config"
)

// ErrTimeout is returned when an adapter does not answer within the deadline.
var ErrTimeout = errors.New("sensor read timed out")

// Sample is one round of raw readings from an adapter.
type Sample struct {
	Raw      [config.MaxZones]uint16
	RawValid [config.MaxZones]bool

	Temperature  float64 // °F
	Humidity     float64 // %RH
	AmbientValid bool
}

// Adapter reads the sensors. Implementations may fail transiently and may
// mark individual zones invalid without failing the whole sample.
type Adapter interface {
	Sample(ctx context.Context) (Sample, error)
}

// ZoneReading is the sampler's view of one zone.
type ZoneReading struct {
	Raw   uint16
	Valid bool // a good reading exists, possibly from an earlier sample
	Fresh bool // the reading came from this sample
}

// Ambient is the sampler's view of the ambient sensor.
type Ambient struct {
	Temperature float64
	Humidity    float64
	Valid       bool
	Fresh       bool
}

// Reading is the result of one sampling round with last-good substitution
// already applied.
type Reading struct {
	Zones   [config.MaxZones]ZoneReading
	Ambient Ambient
	Err     error
}

// Sampler bounds every adapter call by a timeout and keeps the last good
// value of every channel. It is owned by a single goroutine.
type Sampler struct {
	adapter Adapter
	timeout time.Duration

	zones   [config.MaxZones]ZoneReading
	ambient Ambient

	// pending is an adapter call abandoned on timeout and not yet returned.
	pending chan result
}

// NewSampler wraps adapter. A non-positive timeout disables the deadline.
func NewSampler(adapter Adapter, timeout time.Duration) *Sampler {
	return &Sampler{adapter: adapter, timeout: timeout}
}

type result struct {
	sample Sample
	err    error
}

// Read samples the adapter. Channels that failed this round keep their last
// good value with Fresh unset; Reading.Err reports the adapter failure.
func (s *Sampler) Read(ctx context.Context) Reading {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	// A late answer to an abandoned call is stale; drop it.
	if s.pending != nil {
		select {
		case <-s.pending:
			s.pending = nil
		default:
		}
	}

	// Adapters that ignore ctx must not stall the loop. While one call is
	// still hung no new one is started, so at most one goroutine is parked
	// in the adapter.
	if s.pending == nil {
		ch := make(chan result, 1)
		go func() {
			smp, err := s.adapter.Sample(ctx)
			ch <- result{smp, err}
		}()
		s.pending = ch
	}

	var res result
	select {
	case res = <-s.pending:
		s.pending = nil
	case <-ctx.Done():
		res.err = fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}

	for i := range s.zones {
		s.zones[i].Fresh = false
	}
	s.ambient.Fresh = false

	if res.err != nil {
		return s.snapshot(fmt.Errorf("failed to sample sensors: %w", res.err))
	}

	for i := range s.zones {
		if res.sample.RawValid[i] {
			s.zones[i] = ZoneReading{Raw: res.sample.Raw[i], Valid: true, Fresh: true}
		}
	}
	if res.sample.AmbientValid {
		s.ambient = Ambient{
			Temperature: res.sample.Temperature,
			Humidity:    res.sample.Humidity,
			Valid:       true,
			Fresh:       true,
		}
	}
	return s.snapshot(nil)
}

func (s *Sampler) snapshot(err error) Reading {
	return Reading{Zones: s.zones, Ambient: s.ambient, Err: err}
}

// Forget drops the last good values, e.g. after a factory reset.
func (s *Sampler) Forget() {
	s.zones = [config.MaxZones]ZoneReading{}
	s.ambient = Ambient{}
}
