package alert

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/powerwatch/pkg/power"
)

// Action is what the caller should do after a power signal was classified.
type Action int

const (
	ActionNone Action = iota
	ActionNotifyToWall
	ActionNotifyToBattery
)

func (a Action) String() string {
	switch a {
	case ActionNotifyToWall:
		return "NotifyToWall"
	case ActionNotifyToBattery:
		return "NotifyToBattery"
	default:
		return "None"
	}
}

// PowerStateTracker debounces raw power source signals into directed
// transitions. It does no I/O.
type PowerStateTracker struct {
	log logrus.FieldLogger

	mu              sync.Mutex
	last            power.Source
	batteryPresent  bool
	warnedNoBattery bool
}

func NewPowerStateTracker(log logrus.FieldLogger) *PowerStateTracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PowerStateTracker{log: log}
}

// SetBatteryPresent records the result of battery detection. It re-arms the
// one-time "no battery" warning.
func (t *PowerStateTracker) SetBatteryPresent(present bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batteryPresent = present
	t.warnedNoBattery = false
}

func (t *PowerStateTracker) BatteryPresent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batteryPresent
}

// Reset forgets the last acted-upon source.
func (t *PowerStateTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = power.Unknown
}

// Seed sets the last acted-upon source without producing an action.
func (t *PowerStateTracker) Seed(src power.Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = src
}

// Last returns the last acted-upon source.
func (t *PowerStateTracker) Last() power.Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// OnPowerSignal classifies a raw "power source changed to src" signal.
func (t *PowerStateTracker) OnPowerSignal(src power.Source) Action {
	t.mu.Lock()
	defer t.mu.Unlock()

	log := t.log.WithFields(logrus.Fields{
		"signal": src.String(),
		"last":   t.last.String(),
	})

	if src == power.Unknown {
		log.Debug("unable to classify power signal, ignored")
		return ActionNone
	}

	if !t.batteryPresent {
		if !t.warnedNoBattery {
			t.warnedNoBattery = true
			log.Warn("power source change was signalled but no battery is present, changes in power state will not be reported")
		}
		return ActionNone
	}

	if src == t.last {
		log.Debug("power source unchanged, signal ignored")
		return ActionNone
	}

	t.last = src
	if src == power.Battery {
		return ActionNotifyToBattery
	}
	return ActionNotifyToWall
}
