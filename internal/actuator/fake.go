package actuator

import (
	"fmt"
	"sync"
)

// FakeDriver records line levels for test assertions.
type FakeDriver struct {
	mu     sync.Mutex
	levels []bool

	// History contains every SetLevel call in order.
	History []LevelChange

	// SetError, if set, is returned by SetLevel for the given line.
	SetError map[int]error

	Closed bool
}

// LevelChange is one recorded SetLevel call.
type LevelChange struct {
	Line int
	High bool
}

// NewFakeDriver creates a driver with n lines, all initially at idle.
func NewFakeDriver(n int, idle bool) *FakeDriver {
	f := &FakeDriver{levels: make([]bool, n), SetError: map[int]error{}}
	for i := range f.levels {
		f.levels[i] = idle
	}
	return f
}

func (f *FakeDriver) SetLevel(i int, high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SetError[i]; err != nil {
		return err
	}
	if i < 0 || i >= len(f.levels) {
		return fmt.Errorf("line %d not requested", i)
	}
	f.levels[i] = high
	f.History = append(f.History, LevelChange{Line: i, High: high})
	return nil
}

func (f *FakeDriver) Lines() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.levels)
}

// Level returns the current level of line i.
func (f *FakeDriver) Level(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[i]
}

// FailLine makes SetLevel on line i return err; nil clears it.
func (f *FakeDriver) FailLine(i int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.SetError, i)
		return
	}
	f.SetError[i] = err
}

func (f *FakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
