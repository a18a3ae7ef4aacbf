package crossbar

import "time"

// Ticks is a monotonic clock reading expressed in nanoseconds. It is
// never wall-clock time: only differences between two Ticks values are
// meaningful.
type Ticks int64

// Millis converts a Ticks duration (the result of subtracting two Ticks
// readings) into a float64 number of milliseconds, for statistics
// snapshots.
func (t Ticks) Millis() float64 {
	return float64(t) / float64(time.Millisecond)
}

// Clock is the monotonic time source the pipeline stamps envelopes and
// measures latency/service times with. It is injected into the CrossBar
// at construction (per the "never ambient singletons" design note)
// rather than read from a package-level global.
type Clock interface {
	// Now returns a monotonic reading suitable for subtraction against
	// other readings from the same Clock.
	Now() Ticks
}

// SystemClock is the default Clock, backed by the runtime's monotonic
// clock via time.Now(); Go's time.Time carries a monotonic reading
// whenever it is constructed by time.Now(), so subtracting two such
// values never observes wall-clock adjustments.
type SystemClock struct {
	epoch time.Time
}

// NewSystemClock returns a Clock anchored to the moment it was created.
func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

// Now implements Clock.
func (c *SystemClock) Now() Ticks {
	return Ticks(time.Since(c.epoch))
}
