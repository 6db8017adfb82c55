package alert

import "time"

// Clock abstracts the time sources used by the alert engine so they can
// be driven by tests.
type Clock interface {
	// Now returns the wall clock with the monotonic reading stripped.
	Now() time.Time
	// Monotonic returns the time elapsed on a clock that is not affected
	// by wall clock changes.
	Monotonic() time.Duration
	// After waits for d on the monotonic clock and then sends the time.
	After(d time.Duration) <-chan time.Time
}

type realClock struct {
	epoch time.Time
}

// NewRealClock returns a Clock backed by the time package.
func NewRealClock() Clock {
	return &realClock{epoch: time.Now()}
}

func (c *realClock) Now() time.Time {
	// Round to strip monotonic clock reading, so comparisons against it
	// reflect what the wall clock actually says.
	return time.Now().Round(0)
}

func (c *realClock) Monotonic() time.Duration {
	return time.Since(c.epoch)
}

func (c *realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
