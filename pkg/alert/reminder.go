package alert

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/powerwatch/pkg/types"
)

const (
	defaultCancelTimeout = 15 * time.Second
)

// InitialAction runs once when a reminder session starts.
type InitialAction func(ctx context.Context) error

// RepeatAction runs every interval until the session is cancelled. resend
// starts at 1 and increments on every invocation.
type RepeatAction func(ctx context.Context, resend int) error

type sessionIDKey struct{}

// SessionIDFromContext returns the ID of the reminder session whose action
// is running with ctx.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// ReminderSession is one running periodic reminder for a condition key.
type ReminderSession struct {
	ID        string
	Key       string
	Subject   string
	StartedAt time.Time

	resends   atomic.Int64
	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	// prev is a cancelled session for the same key that had not exited
	// when this one was launched. Guarded by the scheduler's mu.
	prev *ReminderSession
}

// SessionInfo is a read-only snapshot of a ReminderSession.
type SessionInfo = types.SessionInfo

func (s *ReminderSession) info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		Key:         s.Key,
		Subject:     s.Subject,
		StartedAt:   s.StartedAt,
		ResendCount: int(s.resends.Load()),
		Cancelled:   s.cancelled.Load(),
	}
}

func (s *ReminderSession) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ReminderScheduler runs at most one cancellable periodic reminder per
// condition key.
//
// A session whose cancellation timed out stays tracked, flagged as
// cancelled, until its worker actually exits. A new session for the same
// key runs its initial action after a bounded wait for that worker, but its
// repeat loop only begins once the old worker is gone.
type ReminderScheduler struct {
	log   logrus.FieldLogger
	clock Clock

	policyMu      sync.RWMutex
	cancelTimeout time.Duration
	maxFailures   int

	mu       sync.Mutex
	sessions map[string]*ReminderSession
}

func NewReminderScheduler(log logrus.FieldLogger, clock Clock) *ReminderScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if clock == nil {
		clock = NewRealClock()
	}
	return &ReminderScheduler{
		log:           log,
		clock:         clock,
		cancelTimeout: defaultCancelTimeout,
		sessions:      make(map[string]*ReminderSession),
	}
}

// SetPolicy sets how long Cancel waits for a worker to exit, and after how
// many consecutive repeat failures a session gives up (0 means never).
// It affects sessions started afterwards.
func (s *ReminderScheduler) SetPolicy(cancelTimeout time.Duration, maxConsecutiveFailures int) {
	if cancelTimeout <= 0 {
		cancelTimeout = defaultCancelTimeout
	}
	if maxConsecutiveFailures < 0 {
		maxConsecutiveFailures = 0
	}
	s.policyMu.Lock()
	s.cancelTimeout = cancelTimeout
	s.maxFailures = maxConsecutiveFailures
	s.policyMu.Unlock()
}

func (s *ReminderScheduler) policy() (time.Duration, int) {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.cancelTimeout, s.maxFailures
}

// Start starts a session for key unless one is already running. initial
// runs before Start returns; repeat then runs every interval until the
// session is cancelled. It returns false when no session was started.
func (s *ReminderScheduler) Start(key, subject string, initial InitialAction, repeat RepeatAction, interval time.Duration) bool {
	initialDone, ok := s.Launch(key, subject, initial, repeat, interval)
	if ok {
		<-initialDone
	}
	return ok
}

// Launch is Start without waiting for the initial action. The returned
// channel is closed once initial has run.
func (s *ReminderScheduler) Launch(key, subject string, initial InitialAction, repeat RepeatAction, interval time.Duration) (<-chan struct{}, bool) {
	log := s.log.WithFields(logrus.Fields{
		"key":     key,
		"subject": subject,
	})

	if interval <= 0 {
		log.Errorf("refusing to start reminder session with non-positive interval %s", interval)
		return nil, false
	}

	s.mu.Lock()
	prev, ok := s.sessions[key]
	if ok && !prev.cancelled.Load() {
		s.mu.Unlock()
		log.WithField("session", prev.ID).Debug("reminder session already running, not starting another one")
		return nil, false
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), sessionIDKey{}, id))
	sess := &ReminderSession{
		ID:        id,
		Key:       key,
		Subject:   subject,
		StartedAt: s.clock.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		prev:      prev,
	}
	s.sessions[key] = sess
	s.mu.Unlock()

	fields := logrus.Fields{
		"session":  sess.ID,
		"interval": interval,
	}
	if prev != nil {
		fields["previous"] = prev.ID
	}
	log.WithFields(fields).Info("reminder session started")

	initialDone := make(chan struct{})
	go s.run(ctx, sess, initial, repeat, interval, initialDone)
	return initialDone, true
}

func (s *ReminderScheduler) run(ctx context.Context, sess *ReminderSession, initial InitialAction, repeat RepeatAction, interval time.Duration, initialDone chan struct{}) {
	log := s.log.WithFields(logrus.Fields{
		"key":     sess.Key,
		"session": sess.ID,
	})

	defer func() {
		s.mu.Lock()
		if s.sessions[sess.Key] == sess {
			delete(s.sessions, sess.Key)
		}
		sess.prev = nil
		s.mu.Unlock()
		sess.cancel()
		close(sess.done)
		log.WithField("resends", sess.resends.Load()).Debug("reminder session exited")
	}()

	s.mu.Lock()
	prev := sess.prev
	s.mu.Unlock()

	timeout, maxFailures := s.policy()
	if prev != nil && !awaitClosed(prev.done, timeout) {
		log.WithField("previous", prev.ID).Warn("previous reminder session is still winding down, running the initial action anyway")
	}

	if initial != nil {
		if err := s.invoke(log, "initial", func() error { return initial(ctx) }); err != nil {
			log.WithError(err).Warn("initial reminder action failed, reminders will keep trying")
		}
	}
	close(initialDone)

	if prev != nil {
		// Repeats never overlap with the previous worker's in-flight action.
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		sess.prev = nil
		s.mu.Unlock()
	}

	failures := 0

	for resend := 1; ; resend++ {
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}

		// Both cases may be ready at once; never act after cancellation.
		if ctx.Err() != nil {
			return
		}

		sess.resends.Store(int64(resend))
		if repeat == nil {
			continue
		}

		err := s.invoke(log, "repeat", func() error { return repeat(ctx, resend) })
		if err == nil {
			failures = 0
			continue
		}

		failures++
		log.WithError(err).WithFields(logrus.Fields{
			"resend":              resend,
			"consecutiveFailures": failures,
		}).Warn("reminder action failed")

		if maxFailures > 0 && failures >= maxFailures {
			log.WithField("severity", "critical").Errorf("reminder action failed %d times in a row, giving up on this session", failures)
			return
		}
	}
}

// invoke runs fn, turning a panic into an error so a misbehaving action
// cannot take the worker down with it.
func (s *ReminderScheduler) invoke(log logrus.FieldLogger, phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"phase":    phase,
				"severity": "critical",
				"stack":    string(debug.Stack()),
			}).Errorf("reminder action panicked: %v", r)
			err = fmt.Errorf("reminder action panicked: %v", r)
		}
	}()
	return fn()
}

// requestCancel flags the session for key as cancelled without waiting for
// it. It returns nil when there is no session for key.
func (s *ReminderScheduler) requestCancel(key string) *ReminderSession {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sess.cancelled.Store(true)
	sess.cancel()
	return sess
}

// RequestCancel asks the session for key to stop and returns at once. The
// returned channel is closed when its worker has exited; it is nil when no
// session exists for key.
func (s *ReminderScheduler) RequestCancel(key string) <-chan struct{} {
	sess := s.requestCancel(key)
	if sess == nil {
		return nil
	}
	return sess.done
}

// Cancel requests the session for key to stop and waits, bounded by the
// cancel timeout, for its worker to exit. It returns true when no worker
// for key is left running. On timeout the session stays tracked until it
// exits on its own, and false is returned.
func (s *ReminderScheduler) Cancel(key string) bool {
	sess := s.requestCancel(key)
	if sess == nil {
		return true
	}

	log := s.log.WithFields(logrus.Fields{
		"key":     key,
		"session": sess.ID,
	})

	requestedAt := time.Now()
	timeout, _ := s.policy()
	if awaitClosed(sess.done, timeout) {
		log.WithField("waited", time.Since(requestedAt).String()).Info("reminder session cancelled")
		return true
	}

	log.Warnf("reminder session did not stop within %s, it will exit after its in-flight action returns", timeout)
	return false
}

// CancelAll cancels every session concurrently. It returns true when all of
// them exited within the cancel timeout.
func (s *ReminderScheduler) CancelAll() bool {
	s.mu.Lock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var (
		wg    sync.WaitGroup
		allOK atomic.Bool
	)
	allOK.Store(true)
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			if !s.Cancel(k) {
				allOK.Store(false)
			}
		}(k)
	}
	wg.Wait()
	return allOK.Load()
}

// awaitClosed waits up to timeout of real time for ch to be closed.
func awaitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// IsRunning reports whether a non-cancelled session exists for key.
func (s *ReminderScheduler) IsRunning(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	return ok && !sess.cancelled.Load()
}

// Sessions returns a snapshot of all tracked sessions ordered by key.
func (s *ReminderScheduler) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.info())
		for p := sess.prev; p != nil; p = p.prev {
			if !p.exited() {
				infos = append(infos, p.info())
			}
		}
	}
	s.mu.Unlock()

	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}
