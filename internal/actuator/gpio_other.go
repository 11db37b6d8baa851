//go:build !linux

package actuator

import "errors"

// GPIO is not available on non-Linux platforms.
type GPIO struct{}

// NewGPIO returns an error on non-Linux platforms.
func NewGPIO(chip string, pins []int, idle bool) (*GPIO, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

func (g *GPIO) SetLevel(i int, high bool) error { return errors.New("gpio: not supported") }
func (g *GPIO) Lines() int                      { return 0 }
func (g *GPIO) Close() error                    { return nil }
