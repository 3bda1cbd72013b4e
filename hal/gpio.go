package hal

import (
	"fmt"
	"sync"

	"github.com/spihlava/SovelmaOS/errors"
)

// GPIO is a bank of digital lines. Pins are numbered from zero; the
// kernel grants them as individual pin objects carrying the pin number.
type GPIO struct {
	mu     sync.Mutex
	levels []bool
}

func NewGPIO(lines int) *GPIO {
	if lines < 0 {
		lines = 0
	}
	return &GPIO{levels: make([]bool, lines)}
}

func (g *GPIO) Lines() int { return len(g.levels) }

// Set drives pin to the given level.
func (g *GPIO) Set(pin uint32, high bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int(pin) >= len(g.levels) {
		return errors.NotFound("gpio", fmt.Sprintf("pin %d", pin))
	}
	g.levels[pin] = high
	return nil
}

// Get reads pin's current level.
func (g *GPIO) Get(pin uint32) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int(pin) >= len(g.levels) {
		return false, errors.NotFound("gpio", fmt.Sprintf("pin %d", pin))
	}
	return g.levels[pin], nil
}

// Toggle inverts pin and returns the level it now holds.
func (g *GPIO) Toggle(pin uint32) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int(pin) >= len(g.levels) {
		return false, errors.NotFound("gpio", fmt.Sprintf("pin %d", pin))
	}
	g.levels[pin] = !g.levels[pin]
	return g.levels[pin], nil
}

// Snapshot copies every line's level for inspection.
func (g *GPIO) Snapshot() []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]bool, len(g.levels))
	copy(out, g.levels)
	return out
}
