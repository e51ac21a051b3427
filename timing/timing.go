// Package timing measures named intervals against an injectable clock.
package timing

import (
	"sync"
	"time"
)

// Clock is a source of monotonic time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System is the process monotonic clock.
var System Clock = systemClock{}

// Sample is a labelled interval. The zero value is not usable; call Start.
type Sample struct {
	Label string

	clock   Clock
	start   time.Time
	elapsed time.Duration
	running bool
}

// Start begins a new sample on clock.
func Start(clock Clock, label string) *Sample {
	if clock == nil {
		clock = System
	}

	return &Sample{
		Label:   label,
		clock:   clock,
		start:   clock.Now(),
		running: true,
	}
}

// Stop finalizes the sample and returns the accumulated duration. Calling
// Stop on a stopped sample returns the same duration.
func (s *Sample) Stop() time.Duration {
	if s.running {
		s.elapsed += s.clock.Now().Sub(s.start)
		s.running = false
	}

	return s.elapsed
}

// Resume continues accumulating into a stopped sample.
func (s *Sample) Resume() {
	if s.running {
		return
	}

	s.start = s.clock.Now()
	s.running = true
}

// Elapsed returns the accumulated duration, including the running interval.
func (s *Sample) Elapsed() time.Duration {
	if s.running {
		return s.elapsed + s.clock.Now().Sub(s.start)
	}

	return s.elapsed
}

// Running reports whether the sample has not been stopped.
func (s *Sample) Running() bool { return s.running }

// ManualClock is a Clock that only moves when told to. It is safe for
// concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock frozen at an arbitrary fixed instant.
func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Unix(1_700_000_000, 0)}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}
