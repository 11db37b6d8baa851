package notify

import "sync"

// Fake records published events for test assertions.
type Fake struct {
	mu sync.Mutex

	Transitions []Transition
	Trips       []Trip
	System      []SystemEvent

	// PublishError, if set, is returned by every publish call.
	PublishError error

	Closed bool
}

// NewFake creates a Fake.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) PublishTransition(t Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Transitions = append(f.Transitions, t)
	return nil
}

func (f *Fake) PublishTrip(t Trip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Trips = append(f.Trips, t)
	return nil
}

func (f *Fake) PublishSystem(e SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.System = append(f.System, e)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// SetError makes every publish fail with err; nil restores delivery.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PublishError = err
}

// TransitionsSnapshot returns a copy of the recorded transitions.
func (f *Fake) TransitionsSnapshot() []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transition(nil), f.Transitions...)
}

// TripsSnapshot returns a copy of the recorded trips.
func (f *Fake) TripsSnapshot() []Trip {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Trip(nil), f.Trips...)
}

var (
	_ Publisher = (*Fake)(nil)
	_ Publisher = (*MQTT)(nil)
	_ Publisher = Nop{}
)
