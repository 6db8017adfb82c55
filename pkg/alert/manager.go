package alert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/powerwatch/pkg/events"
	"github.com/charlie0129/powerwatch/pkg/power"
)

// ReminderKeyOnBattery is the condition key of the "still on battery" reminders.
const ReminderKeyOnBattery = "on-battery"

const (
	sendTimeout     = 45 * time.Second
	shutdownTimeout = 10 * time.Second
)

var (
	ErrInvalidOptions = errors.New("invalid alert options")
	ErrInvalidState   = errors.New("invalid manager state for this operation")
)

// Dispatcher delivers a notification. Implementations log their own
// failures; the returned error is informational.
type Dispatcher interface {
	Send(ctx context.Context, subject, body string) error
}

// Publisher receives manager events. *events.EventHub implements it.
type Publisher interface {
	Publish(name string, payload any)
}

// State is the lifecycle state of the Manager.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	default:
		return "Stopped"
	}
}

// Options are the tunables of the alert engine.
type Options struct {
	ReminderInterval       time.Duration
	ClockDriftThreshold    time.Duration
	HeartbeatInterval      time.Duration
	CancelTimeout          time.Duration
	MaxConsecutiveFailures int
	DumpDiagnostics        bool
	CrossValidateSignals   bool
	// Hostname is used in notification texts. Empty means os.Hostname.
	Hostname string
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ReminderInterval:    10 * time.Minute,
		ClockDriftThreshold: defaultClockDriftThreshold,
		HeartbeatInterval:   defaultHeartbeatInterval,
		CancelTimeout:       defaultCancelTimeout,
		DumpDiagnostics:     true,
	}
}

func (o Options) Validate() error {
	switch {
	case o.ReminderInterval <= 0:
		return fmt.Errorf("%w: reminder interval must be positive, got %s", ErrInvalidOptions, o.ReminderInterval)
	case o.ClockDriftThreshold <= 0:
		return fmt.Errorf("%w: clock drift threshold must be positive, got %s", ErrInvalidOptions, o.ClockDriftThreshold)
	case o.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat interval must be positive, got %s", ErrInvalidOptions, o.HeartbeatInterval)
	case o.CancelTimeout <= 0:
		return fmt.Errorf("%w: cancel timeout must be positive, got %s", ErrInvalidOptions, o.CancelTimeout)
	case o.MaxConsecutiveFailures < 0:
		return fmt.Errorf("%w: max consecutive failures must not be negative, got %d", ErrInvalidOptions, o.MaxConsecutiveFailures)
	}
	return nil
}

// Status is a snapshot of the manager for the control API.
type Status struct {
	State          string         `json:"state"`
	PowerSource    power.Source   `json:"powerSource"`
	BatteryPresent bool           `json:"batteryPresent"`
	Sessions       []SessionInfo  `json:"sessions"`
	Heartbeat      HeartbeatState `json:"heartbeat"`
	ClockBaseline  ClockBaseline  `json:"clockBaseline"`
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

func WithLogger(log logrus.FieldLogger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

func WithClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

func WithPublisher(p Publisher) ManagerOption {
	return func(m *Manager) { m.pub = p }
}

// Manager turns power and clock signals into notifications.
type Manager struct {
	log        logrus.FieldLogger
	clock      Clock
	pub        Publisher
	dispatcher Dispatcher
	prober     power.Prober

	mu    sync.Mutex
	state State
	opts  Options

	// transitionMu serializes power transitions together with the reminder
	// session lifecycle they drive. It only covers bookkeeping; notices are
	// sent after it is released, in the order lastNotice chains them.
	transitionMu sync.Mutex
	batterySince time.Time
	lastNotice   chan struct{}

	power     *PowerStateTracker
	drift     *ClockDriftDetector
	heartbeat *HeartbeatTracker
	reminders *ReminderScheduler
}

func NewManager(opts Options, dispatcher Dispatcher, prober power.Prober, mopts ...ManagerOption) *Manager {
	m := &Manager{
		log:        logrus.StandardLogger(),
		dispatcher: dispatcher,
		prober:     prober,
		opts:       opts,
	}
	for _, o := range mopts {
		o(m)
	}
	if m.clock == nil {
		m.clock = NewRealClock()
	}
	if m.opts.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			m.opts.Hostname = h
		}
	}

	m.power = NewPowerStateTracker(m.log.WithField("component", "power"))
	m.drift = NewClockDriftDetector(m.clock, opts.ClockDriftThreshold)
	m.reminders = NewReminderScheduler(m.log.WithField("component", "reminder"), m.clock)
	m.heartbeat = NewHeartbeatTracker(m.log.WithField("component", "heartbeat"), opts.HeartbeatInterval)
	m.heartbeat.OnTick = m.onHeartbeatTick
	m.heartbeat.DumpEachTick = true
	m.heartbeat.Dump = func() {
		if m.prober != nil && m.options().DumpDiagnostics {
			m.prober.Dump(m.log.WithField("component", "diagnostics"))
		}
	}

	return m
}

func (m *Manager) options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// SetOptions replaces the options. The drift threshold applies at once;
// the reminder interval applies to the next session; the heartbeat and
// cancellation policy apply at the next Start or Continue.
func (m *Manager) SetOptions(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if opts.Hostname == "" {
		opts.Hostname = m.opts.Hostname
	}
	m.opts = opts
	m.mu.Unlock()

	m.drift.SetThreshold(opts.ClockDriftThreshold)
	m.log.Debug("alert options updated")
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	m.stateChanged(from, to)
}

// enterState moves to the target state if the current state is one of
// from. It returns the state observed and whether the move happened.
func (m *Manager) enterState(to State, from ...State) (State, bool) {
	m.mu.Lock()
	cur := m.state
	ok := false
	for _, f := range from {
		if cur == f {
			ok = true
			break
		}
	}
	if ok {
		m.state = to
	}
	m.mu.Unlock()

	if ok {
		m.stateChanged(cur, to)
	}
	return cur, ok
}

func (m *Manager) stateChanged(from, to State) {
	if from == to {
		return
	}
	m.log.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("manager state changed")
	m.publish(events.ManagerState, events.ManagerStateEvent{
		From: from.String(),
		To:   to.String(),
		Ts:   time.Now().Unix(),
	})
}

// Start starts the manager. Calling it while already started is a no-op.
// Invalid options are returned as an error and leave the manager stopped.
func (m *Manager) Start() error {
	opts := m.options()
	if err := opts.Validate(); err != nil {
		return err
	}
	if st, ok := m.enterState(StateStarting, StateStopped); !ok {
		m.log.WithField("state", st.String()).Debug("manager already started, ignoring Start")
		return nil
	}

	m.log.WithFields(logrus.Fields{
		"reminderInterval":       opts.ReminderInterval,
		"clockDriftThreshold":    opts.ClockDriftThreshold,
		"heartbeatInterval":      opts.HeartbeatInterval,
		"cancelTimeout":          opts.CancelTimeout,
		"maxConsecutiveFailures": opts.MaxConsecutiveFailures,
		"dumpDiagnostics":        opts.DumpDiagnostics,
		"crossValidateSignals":   opts.CrossValidateSignals,
		"hostname":               opts.Hostname,
	}).Info("starting alert manager")

	present := m.detectBattery()
	m.power.SetBatteryPresent(present)
	m.power.Reset()

	m.reminders.SetPolicy(opts.CancelTimeout, opts.MaxConsecutiveFailures)
	m.drift.SetThreshold(opts.ClockDriftThreshold)
	m.drift.Refresh()

	m.heartbeat.SetInterval(opts.HeartbeatInterval)
	m.heartbeat.Start()

	if _, ok := m.enterState(StateRunning, StateStarting); !ok {
		// Stopped while starting.
		m.heartbeat.Stop()
		return nil
	}
	m.seedPowerSource()

	return nil
}

func (m *Manager) detectBattery() bool {
	if m.prober == nil {
		m.log.Warn("no power prober configured, assuming no battery")
		return false
	}
	present, err := m.prober.BatteryPresent()
	if err != nil {
		m.log.WithError(err).Warn("battery detection failed")
	}
	if present {
		m.log.Info("battery was found")
	} else {
		m.log.Warn("no battery was found, so changes in power state will not be reported")
	}
	return present
}

// seedPowerSource reads the current power source so state does not depend
// on the first OS signal. Starting on battery kicks off the reminders.
func (m *Manager) seedPowerSource() {
	if m.prober == nil || !m.power.BatteryPresent() {
		return
	}
	src, err := m.prober.Source()
	if err != nil {
		m.log.WithError(err).Warn("failed to read current power source")
		return
	}
	m.log.WithField("source", src.String()).Info("current power source")

	switch src {
	case power.Battery:
		m.handlePowerSignal(power.Battery)
	case power.Wall:
		m.power.Seed(power.Wall)
	}
}

// Stop cancels reminders and stops the heartbeat. It is safe to call in
// any state.
func (m *Manager) Stop() {
	if _, ok := m.enterState(StateStopping, StateStarting, StateRunning, StatePaused); !ok {
		return
	}
	m.log.Info("stopping alert manager")

	// Signal handlers re-check the state under transitionMu, so once it has
	// been taken here no further session can be launched.
	m.transitionMu.Lock()
	m.batterySince = time.Time{}
	m.transitionMu.Unlock()

	if !m.reminders.CancelAll() {
		m.log.Warn("some reminder sessions did not stop in time")
	}
	if !m.flushNotices(m.options().CancelTimeout) {
		m.log.Warn("some power notices were still being sent when the manager stopped")
	}

	m.heartbeat.Stop()
	m.setState(StateStopped)
}

// Pause stops reminders and ignores signals until Continue.
func (m *Manager) Pause() error {
	if st, ok := m.enterState(StatePaused, StateRunning); !ok {
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, st)
	}

	m.transitionMu.Lock()
	m.batterySince = time.Time{}
	m.transitionMu.Unlock()

	if !m.reminders.Cancel(ReminderKeyOnBattery) {
		m.log.Warn("on-battery reminders did not stop in time")
	}

	m.log.Info("alert manager paused")
	return nil
}

// Continue resumes a paused manager and re-seeds the power state, which
// restarts the reminders if the host is on battery.
func (m *Manager) Continue() error {
	if st := m.State(); st != StatePaused {
		return fmt.Errorf("%w: cannot continue while %s", ErrInvalidState, st)
	}

	opts := m.options()
	m.reminders.SetPolicy(opts.CancelTimeout, opts.MaxConsecutiveFailures)
	m.power.Reset()
	m.drift.Refresh()

	if st, ok := m.enterState(StateRunning, StatePaused); !ok {
		return fmt.Errorf("%w: cannot continue while %s", ErrInvalidState, st)
	}
	m.log.Info("alert manager continued")
	m.seedPowerSource()
	return nil
}

func (m *Manager) running() bool {
	return m.State() == StateRunning
}

// NotifyPowerToWall handles a "power source changed to wall" signal.
func (m *Manager) NotifyPowerToWall() {
	m.NotifyPowerSourceChanged(power.Wall)
}

// NotifyPowerToBattery handles a "power source changed to battery" signal.
func (m *Manager) NotifyPowerToBattery() {
	m.NotifyPowerSourceChanged(power.Battery)
}

// NotifyPowerSourceChanged handles a raw power source signal. Notices are
// sent in the background, in signal order; it does not wait for delivery.
func (m *Manager) NotifyPowerSourceChanged(src power.Source) {
	if !m.running() {
		m.log.WithField("signal", src.String()).Debug("manager not running, power signal ignored")
		return
	}

	if m.options().CrossValidateSignals && m.prober != nil {
		probed, err := m.prober.Source()
		switch {
		case err != nil:
			m.log.WithError(err).Debug("cross-validation read failed, trusting signal")
		case probed != power.Unknown && probed != src:
			m.log.WithFields(logrus.Fields{
				"signal": src.String(),
				"probed": probed.String(),
			}).Warn("power signal disagrees with current reading, using the reading")
			src = probed
		}
	}

	m.handlePowerSignal(src)
}

func (m *Manager) handlePowerSignal(src power.Source) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	// The signal may have been in flight while the manager was stopped or
	// paused.
	if !m.running() {
		m.log.WithField("signal", src.String()).Debug("manager no longer running, power signal dropped")
		return
	}

	from := m.power.Last()
	action := m.power.OnPowerSignal(src)

	switch action {
	case ActionNotifyToBattery:
		if !m.onBattery() {
			m.power.Seed(from)
			return
		}
	case ActionNotifyToWall:
		m.onWall()
	default:
		return
	}

	m.publish(events.PowerChanged, events.PowerChangedEvent{
		From: from.String(),
		To:   src.String(),
		Ts:   time.Now().Unix(),
	})
}

// noticeSlot reserves the next place in the order of power notices. wait
// blocks until the notice before it was sent; done lets the next one go.
// It must be called with transitionMu held.
func (m *Manager) noticeSlot() (wait func(), done func()) {
	prev := m.lastNotice
	cur := make(chan struct{})
	m.lastNotice = cur

	var once sync.Once
	wait = func() {
		if prev != nil && !awaitClosed(prev, sendTimeout) {
			m.log.Warn("previous power notice is taking too long, sending out of order")
		}
	}
	done = func() {
		once.Do(func() { close(cur) })
	}
	return wait, done
}

// flushNotices waits up to timeout for queued power notices to be sent.
func (m *Manager) flushNotices(timeout time.Duration) bool {
	m.transitionMu.Lock()
	last := m.lastNotice
	m.transitionMu.Unlock()
	if last == nil {
		return true
	}
	return awaitClosed(last, timeout)
}

// onBattery launches the on-battery reminders, whose worker sends the
// "changed to battery" notice. It reports whether the condition is being
// reported. It must be called with transitionMu held.
func (m *Manager) onBattery() bool {
	opts := m.options()
	since := m.clock.Now()
	interval := opts.ReminderInterval

	m.log.Warn("power changed to battery")

	first := powerToBatteryMessage(opts.Hostname, since)
	wait, done := m.noticeSlot()
	initial := func(_ context.Context) error {
		defer done()
		wait()
		return m.sendDetached(first)
	}

	repeat := func(ctx context.Context, resend int) error {
		msg := batteryReminderMessage(opts.Hostname, resend, interval, since)
		err := m.send(ctx, msg)
		ev := events.ReminderSentEvent{
			Key:     ReminderKeyOnBattery,
			Session: SessionIDFromContext(ctx),
			Resend:  resend,
			Ts:      time.Now().Unix(),
		}
		if err != nil {
			ev.Error = err.Error()
		}
		m.publish(events.ReminderSent, ev)
		return err
	}

	if _, ok := m.reminders.Launch(ReminderKeyOnBattery, first.Subject, initial, repeat, interval); !ok {
		done()
		if !m.reminders.IsRunning(ReminderKeyOnBattery) {
			m.log.WithField("severity", "critical").Error("failed to start on-battery reminders, the next battery signal will retry")
			return false
		}
		m.log.Info("on-battery reminders already running")
	}
	m.batterySince = since
	return true
}

// onWall cancels the on-battery reminders and queues the "changed to wall"
// notice behind them. It must be called with transitionMu held.
func (m *Manager) onWall() {
	opts := m.options()
	stopped := m.reminders.RequestCancel(ReminderKeyOnBattery)

	now := m.clock.Now()
	var onBatteryFor time.Duration
	if !m.batterySince.IsZero() {
		onBatteryFor = now.Sub(m.batterySince)
	}
	m.batterySince = time.Time{}

	m.log.Info("power changed to wall")
	msg := powerToWallMessage(opts.Hostname, now, onBatteryFor)

	wait, done := m.noticeSlot()
	go func() {
		defer done()
		if stopped != nil && !awaitClosed(stopped, opts.CancelTimeout) {
			m.log.Warn("on-battery reminders did not stop in time, the session is presumed leaked until it notices cancellation")
		}
		wait()
		_ = m.sendDetached(msg)
	}()
}

// NotifyClockChanged handles an OS "clock changed" signal.
func (m *Manager) NotifyClockChanged() {
	if !m.running() {
		m.log.Debug("manager not running, clock signal ignored")
		return
	}
	jump, significant := m.drift.OnClockSignal()
	if !significant {
		m.log.WithField("driftSeconds", jump.Drift.Seconds()).
			Debugf("an insignificant time change of %s was detected, ignored", jump.Magnitude().Round(time.Millisecond))
		return
	}
	m.reportClockJump(jump)
}

func (m *Manager) onHeartbeatTick() {
	st := m.heartbeat.State()
	m.publish(events.Heartbeat, events.HeartbeatEvent{
		Ticks:          st.TicksElapsed,
		ElapsedMinutes: int(st.Elapsed.Minutes()),
		Ts:             time.Now().Unix(),
	})

	if !m.running() {
		return
	}
	jump, significant := m.drift.OnPeriodicCheck()
	if significant {
		m.reportClockJump(jump)
	}
}

func (m *Manager) reportClockJump(jump ClockJump) {
	opts := m.options()
	msg := clockChangedMessage(opts.Hostname, jump)

	m.log.WithFields(logrus.Fields{
		"expected":     jump.Expected,
		"actual":       jump.Actual,
		"driftSeconds": jump.Drift.Seconds(),
	}).Warn(msg.Body)

	m.publish(events.ClockChanged, events.ClockChangedEvent{
		Expected:     jump.Expected,
		Actual:       jump.Actual,
		DriftSeconds: jump.Drift.Seconds(),
		Message:      msg.Body,
		Ts:           time.Now().Unix(),
	})
	_ = m.sendDetached(msg)
}

// NotifyResumed handles the host waking up from sleep. Monotonic time may
// not have advanced while asleep, so the clock baseline is refreshed, and
// the power source is re-read in case it changed during sleep.
func (m *Manager) NotifyResumed() {
	m.drift.Refresh()
	if !m.running() || m.prober == nil {
		return
	}
	src, err := m.prober.Source()
	if err != nil {
		m.log.WithError(err).Warn("failed to read power source after resume")
		return
	}
	m.log.WithField("source", src.String()).Debug("power source after resume")
	m.handlePowerSignal(src)
}

// NotifyHostShutdown sends a best-effort shutdown notice. Failures are
// logged, never propagated.
func (m *Manager) NotifyHostShutdown() {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("severity", "critical").Errorf("panic while notifying host shutdown: %v", r)
		}
	}()

	st := m.State()
	if st == StateStopped || st == StateStopping {
		m.log.WithField("state", st.String()).Debug("manager not started, shutdown notice skipped")
		return
	}

	opts := m.options()
	msg := hostShutdownMessage(opts.Hostname, m.clock.Now())
	m.log.Warn("host is shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := m.send(ctx, msg)

	ev := events.NotificationSentEvent{Subject: msg.Subject, OK: err == nil, Ts: time.Now().Unix()}
	if err != nil {
		ev.Error = err.Error()
	}
	m.publish(events.HostShutdown, ev)
}

// SendTestNotification sends a test message and returns the delivery error.
func (m *Manager) SendTestNotification(ctx context.Context) error {
	opts := m.options()
	return m.send(ctx, testMessage(opts.Hostname, m.clock.Now()))
}

// sendDetached sends with its own timeout, so a notice is not aborted by
// the caller's cancellation.
func (m *Manager) sendDetached(msg Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return m.send(ctx, msg)
}

func (m *Manager) send(ctx context.Context, msg Message) error {
	if m.dispatcher == nil {
		m.log.WithField("subject", msg.Subject).Warn("no dispatcher configured, notification dropped")
		return nil
	}
	err := m.dispatcher.Send(ctx, msg.Subject, msg.Body)
	if err != nil {
		m.log.WithError(err).WithField("subject", msg.Subject).Warn("notification was not delivered")
	}
	return err
}

func (m *Manager) publish(name string, payload any) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(name, payload)
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	return Status{
		State:          m.State().String(),
		PowerSource:    m.power.Last(),
		BatteryPresent: m.power.BatteryPresent(),
		Sessions:       m.reminders.Sessions(),
		Heartbeat:      m.heartbeat.State(),
		ClockBaseline:  m.drift.Baseline(),
	}
}
