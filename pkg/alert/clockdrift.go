package alert

import (
	"sync"
	"time"

	"github.com/charlie0129/powerwatch/pkg/types"
)

const defaultClockDriftThreshold = 15 * time.Second

// ClockBaseline pairs a wall clock observation with the monotonic reading
// taken at the same moment.
type ClockBaseline = types.ClockBaseline

// ClockJump describes the difference between the wall clock that elapsed
// monotonic time implies and the wall clock actually observed.
type ClockJump struct {
	Expected time.Time
	Actual   time.Time
	// Drift is Actual - Expected. Positive means the clock moved forward.
	Drift time.Duration
}

func (j ClockJump) Forward() bool {
	return j.Drift >= 0
}

// Magnitude is the absolute drift.
func (j ClockJump) Magnitude() time.Duration {
	if j.Drift < 0 {
		return -j.Drift
	}
	return j.Drift
}

// DateChanged reports whether the calendar date differs between the
// expected and actual wall clock.
func (j ClockJump) DateChanged() bool {
	ey, em, ed := j.Expected.Date()
	ay, am, ad := j.Actual.Date()
	return ey != ay || em != am || ed != ad
}

// ClockDriftDetector classifies clock change notifications, suppressing
// small corrections such as NTP slews.
type ClockDriftDetector struct {
	clock Clock

	mu        sync.Mutex
	threshold time.Duration
	baseline  ClockBaseline
}

func NewClockDriftDetector(clock Clock, threshold time.Duration) *ClockDriftDetector {
	if clock == nil {
		clock = NewRealClock()
	}
	if threshold <= 0 {
		threshold = defaultClockDriftThreshold
	}
	d := &ClockDriftDetector{
		clock:     clock,
		threshold: threshold,
	}
	d.Refresh()
	return d
}

// SetThreshold changes the significance threshold for later evaluations.
func (d *ClockDriftDetector) SetThreshold(threshold time.Duration) {
	if threshold <= 0 {
		threshold = defaultClockDriftThreshold
	}
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()
}

// Refresh resets the baseline to the current clocks without evaluating.
func (d *ClockDriftDetector) Refresh() {
	d.mu.Lock()
	d.baseline = ClockBaseline{
		ObservedWallClock: d.clock.Now(),
		MonotonicMark:     d.clock.Monotonic(),
	}
	d.mu.Unlock()
}

// Baseline returns the current baseline.
func (d *ClockDriftDetector) Baseline() ClockBaseline {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baseline
}

// OnClockSignal evaluates drift after the OS reported a clock change.
func (d *ClockDriftDetector) OnClockSignal() (ClockJump, bool) {
	return d.evaluate()
}

// OnPeriodicCheck evaluates drift from a periodic timer.
func (d *ClockDriftDetector) OnPeriodicCheck() (ClockJump, bool) {
	return d.evaluate()
}

// evaluate compares the wall clock against the baseline advanced by the
// elapsed monotonic time. The baseline is always refreshed afterwards.
func (d *ClockDriftDetector) evaluate() (ClockJump, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	actual := d.clock.Now()
	mono := d.clock.Monotonic()

	expected := d.baseline.ObservedWallClock.Add(mono - d.baseline.MonotonicMark)
	jump := ClockJump{
		Expected: expected,
		Actual:   actual,
		Drift:    actual.Sub(expected),
	}

	d.baseline = ClockBaseline{
		ObservedWallClock: actual,
		MonotonicMark:     mono,
	}

	return jump, jump.Magnitude() >= d.threshold
}
