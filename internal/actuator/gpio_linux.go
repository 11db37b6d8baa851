//go:build linux

package actuator

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
)

// GPIO drives relay lines through the Linux GPIO character device.
type GPIO struct {
	chip  *gpiocdev.Chip
	lines []*gpiocdev.Line
}

// NewGPIO requests pins on chip as outputs, initially driven to idle.
// Pass the released level of the relay convention as idle so no valve
// opens while the bank is being set up.
func NewGPIO(chip string, pins []int, idle bool) (*GPIO, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("failed to open gpio chip %s: %w", chip, err)
	}

	g := &GPIO{chip: c}
	for _, pin := range pins {
		l, err := c.RequestLine(pin, gpiocdev.AsOutput(levelValue(idle)))
		if err != nil {
			cerr := g.Close()
			return nil, multierr.Append(fmt.Errorf("failed to request pin %d: %w", pin, err), cerr)
		}
		g.lines = append(g.lines, l)
	}
	return g, nil
}

func levelValue(high bool) int {
	if high {
		return 1
	}
	return 0
}

// SetLevel drives line i.
func (g *GPIO) SetLevel(i int, high bool) error {
	if i < 0 || i >= len(g.lines) {
		return fmt.Errorf("line %d not requested", i)
	}
	return g.lines[i].SetValue(levelValue(high))
}

// Lines returns the number of requested lines.
func (g *GPIO) Lines() int { return len(g.lines) }

// Close returns every line to an input and releases the chip.
func (g *GPIO) Close() error {
	var err error
	for i, l := range g.lines {
		if rerr := l.Reconfigure(gpiocdev.AsInput); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to reconfigure line %d: %w", i, rerr))
		}
		if cerr := l.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close line %d: %w", i, cerr))
		}
	}
	g.lines = nil
	if g.chip != nil {
		if cerr := g.chip.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close chip: %w", cerr))
		}
		g.chip = nil
	}
	return err
}
