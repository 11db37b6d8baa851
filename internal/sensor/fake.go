package sensor

import (
	"context"
	"errors"
	"sync"
)

// Fake is a scriptable Adapter for tests and bench runs. It is safe for
// concurrent use.
type Fake struct {
	mu     sync.Mutex
	sample Sample

	// SampleError, if set, is returned by Sample.
	SampleError error

	// block, if non-nil, makes Sample wait until it is closed.
	block chan struct{}

	Calls int
}

// NewFake returns an adapter with every zone reading raw and a mild
// ambient temperature.
func NewFake(raw uint16, temperature float64) *Fake {
	f := &Fake{}
	for i := range f.sample.Raw {
		f.sample.Raw[i] = raw
		f.sample.RawValid[i] = true
	}
	f.sample.Temperature = temperature
	f.sample.Humidity = 50
	f.sample.AmbientValid = true
	return f
}

// SetRaw scripts the raw reading of zone i.
func (f *Fake) SetRaw(i int, raw uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sample.Raw[i] = raw
	f.sample.RawValid[i] = true
}

// FailZone marks zone i invalid in subsequent samples.
func (f *Fake) FailZone(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sample.RawValid[i] = false
}

// SetAmbient scripts the ambient sensor.
func (f *Fake) SetAmbient(temperature, humidity float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sample.Temperature = temperature
	f.sample.Humidity = humidity
	f.sample.AmbientValid = true
}

// FailAmbient marks the ambient sensor invalid in subsequent samples.
func (f *Fake) FailAmbient() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sample.AmbientValid = false
}

// SetError makes Sample fail with err; nil restores normal operation.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SampleError = err
}

// Block makes Sample hang, ignoring its context, until the returned
// function is called.
func (f *Fake) Block() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.block = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.block = nil
			f.mu.Unlock()
			close(ch)
		})
	}
}

// CallCount returns the number of Sample calls so far.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// Sample returns the scripted values.
func (f *Fake) Sample(_ context.Context) (Sample, error) {
	f.mu.Lock()
	f.Calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SampleError != nil {
		return Sample{}, f.SampleError
	}
	return f.sample, nil
}

var errNoSensors = errors.New("no sensors configured")

// Nop is an Adapter with no sensors attached. Every sample fails, so zones
// that need moisture stay idle and freeze protection fails safe.
type Nop struct{}

func (Nop) Sample(context.Context) (Sample, error) {
	return Sample{}, errNoSensors
}

var (
	_ Adapter = (*Fake)(nil)
	_ Adapter = Nop{}
)
