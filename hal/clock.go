package hal

import (
	"sync"
	"time"

	"github.com/spihlava/SovelmaOS/hostcall"
)

// WallClock reads the host's real time.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// ManualClock moves only when told to. Tests use it to make timer
// expiry deterministic.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward and returns the new reading.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

var (
	_ hostcall.Clock = WallClock{}
	_ hostcall.Clock = (*ManualClock)(nil)
)
