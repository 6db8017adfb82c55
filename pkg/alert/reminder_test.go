package alert

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

var t0 = time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestScheduler() (*ReminderScheduler, *fakeClock) {
	log, _ := test.NewNullLogger()
	clock := newFakeClock(t0)
	return NewReminderScheduler(log, clock), clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectResend(t *testing.T, ch <-chan int, want int) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("resend = %d, want %d", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for resend %d", want)
	}
}

func expectNoResend(t *testing.T, ch <-chan int) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected resend %d", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReminderInitialRunsBeforeStartReturns(t *testing.T) {
	s, _ := newTestScheduler()
	defer s.CancelAll()

	var ran atomic.Bool
	var id string
	started := s.Start("k", "subject", func(ctx context.Context) error {
		ran.Store(true)
		id = SessionIDFromContext(ctx)
		return nil
	}, nil, time.Minute)

	if !started {
		t.Fatal("Start returned false")
	}
	if !ran.Load() {
		t.Fatal("initial action has not run when Start returned")
	}
	sessions := s.Sessions()
	if len(sessions) != 1 || sessions[0].ID != id || sessions[0].Key != "k" {
		t.Fatalf("sessions = %+v, want one session with id %q", sessions, id)
	}
}

func TestReminderStartTwiceKeepsOneWorker(t *testing.T) {
	s, _ := newTestScheduler()
	defer s.CancelAll()

	var initials atomic.Int32
	initial := func(context.Context) error {
		initials.Add(1)
		return nil
	}

	if !s.Start("k", "a", initial, nil, time.Minute) {
		t.Fatal("first Start returned false")
	}
	if s.Start("k", "b", initial, nil, time.Minute) {
		t.Fatal("second Start returned true")
	}
	if n := initials.Load(); n != 1 {
		t.Fatalf("initial action ran %d times, want 1", n)
	}
	if n := len(s.Sessions()); n != 1 {
		t.Fatalf("%d sessions tracked, want 1", n)
	}
	if !s.IsRunning("k") {
		t.Fatal("IsRunning = false")
	}

	// A different key is independent.
	if !s.Start("other", "c", nil, nil, time.Minute) {
		t.Fatal("Start for another key returned false")
	}
}

func TestReminderRejectsNonPositiveInterval(t *testing.T) {
	s, _ := newTestScheduler()
	if s.Start("k", "s", nil, nil, 0) {
		t.Fatal("Start with zero interval returned true")
	}
	if s.IsRunning("k") {
		t.Fatal("session is running")
	}
}

func TestReminderResendsEveryInterval(t *testing.T) {
	s, clock := newTestScheduler()
	defer s.CancelAll()

	resends := make(chan int, 10)
	s.Start("on-battery", "s", nil, func(_ context.Context, n int) error {
		resends <- n
		return nil
	}, 10*time.Minute)

	clock.BlockUntil(1)
	clock.Advance(10 * time.Minute)
	expectResend(t, resends, 1)

	clock.BlockUntil(1)
	clock.Advance(10 * time.Minute)
	expectResend(t, resends, 2)

	clock.BlockUntil(1)
	clock.Advance(5 * time.Minute)
	expectNoResend(t, resends)

	if got := s.Sessions()[0].ResendCount; got != 2 {
		t.Fatalf("ResendCount = %d, want 2", got)
	}
}

func TestReminderNoResendAfterCancel(t *testing.T) {
	s, clock := newTestScheduler()

	resends := make(chan int, 10)
	s.Start("k", "s", nil, func(_ context.Context, n int) error {
		resends <- n
		return nil
	}, 10*time.Minute)

	clock.BlockUntil(1)
	clock.Advance(5 * time.Minute)

	begin := time.Now()
	if !s.Cancel("k") {
		t.Fatal("Cancel returned false")
	}
	if took := time.Since(begin); took > time.Second {
		t.Fatalf("Cancel took %s", took)
	}
	if s.IsRunning("k") || len(s.Sessions()) != 0 {
		t.Fatal("session still tracked after Cancel")
	}

	clock.Advance(time.Hour)
	expectNoResend(t, resends)
}

func TestReminderCancelUnknownKey(t *testing.T) {
	s, _ := newTestScheduler()
	if !s.Cancel("missing") {
		t.Fatal("Cancel of unknown key returned false")
	}
}

func TestReminderFailuresDoNotStopSession(t *testing.T) {
	s, clock := newTestScheduler()
	defer s.CancelAll()

	resends := make(chan int, 10)
	s.Start("k", "s", func(context.Context) error {
		return errors.New("smtp down")
	}, func(_ context.Context, n int) error {
		resends <- n
		return errors.New("smtp down")
	}, time.Minute)

	for i := 1; i <= 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Minute)
		expectResend(t, resends, i)
	}
	if !s.IsRunning("k") {
		t.Fatal("session stopped after failures")
	}
}

func TestReminderRecoversPanics(t *testing.T) {
	s, clock := newTestScheduler()
	defer s.CancelAll()

	resends := make(chan int, 10)
	s.Start("k", "s", func(context.Context) error {
		panic("initial boom")
	}, func(_ context.Context, n int) error {
		resends <- n
		if n == 1 {
			panic("repeat boom")
		}
		return nil
	}, time.Minute)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	expectResend(t, resends, 1)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	expectResend(t, resends, 2)
}

func TestReminderGivesUpAfterMaxFailures(t *testing.T) {
	s, clock := newTestScheduler()
	s.SetPolicy(time.Second, 2)

	resends := make(chan int, 10)
	s.Start("k", "s", nil, func(_ context.Context, n int) error {
		resends <- n
		return errors.New("nope")
	}, time.Minute)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	expectResend(t, resends, 1)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	expectResend(t, resends, 2)

	waitFor(t, "session to give up", func() bool { return len(s.Sessions()) == 0 })
}

func TestReminderCancelTimeoutKeepsSessionTracked(t *testing.T) {
	s, clock := newTestScheduler()
	s.SetPolicy(50*time.Millisecond, 0)

	inFlight := make(chan struct{})
	release := make(chan struct{})
	s.Start("k", "s", nil, func(context.Context, int) error {
		close(inFlight)
		<-release
		return nil
	}, time.Minute)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	<-inFlight

	if s.Cancel("k") {
		t.Fatal("Cancel returned true while the action is stuck")
	}
	sessions := s.Sessions()
	if len(sessions) != 1 || !sessions[0].Cancelled {
		t.Fatalf("sessions = %+v, want one cancelled session", sessions)
	}
	if s.IsRunning("k") {
		t.Fatal("IsRunning = true for a cancelled session")
	}

	// A new session still reports its initial notice, but its repeats wait
	// for the old worker so the two never repeat side by side.
	var initials atomic.Int32
	resends := make(chan int, 10)
	if !s.Start("k", "s2", func(context.Context) error {
		initials.Add(1)
		return nil
	}, func(_ context.Context, n int) error {
		resends <- n
		return nil
	}, time.Minute) {
		t.Fatal("Start returned false while the previous worker is winding down")
	}
	if n := initials.Load(); n != 1 {
		t.Fatalf("initial action ran %d times, want 1", n)
	}
	if !s.IsRunning("k") || len(s.Sessions()) != 2 {
		t.Fatalf("sessions = %+v, want the new one and the leaked one", s.Sessions())
	}
	if n := clock.Waiters(); n != 0 {
		t.Fatalf("%d timers armed while the old worker is alive", n)
	}

	close(release)
	waitFor(t, "leaked session to exit", func() bool { return len(s.Sessions()) == 1 })

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	expectResend(t, resends, 1)
	s.CancelAll()
}

func TestReminderLaunchDoesNotWaitForInitial(t *testing.T) {
	s, _ := newTestScheduler()
	defer s.CancelAll()

	release := make(chan struct{})
	initialDone, ok := s.Launch("k", "s", func(context.Context) error {
		<-release
		return nil
	}, nil, time.Minute)
	if !ok {
		t.Fatal("Launch returned false")
	}
	if !s.IsRunning("k") {
		t.Fatal("session not registered when Launch returned")
	}
	if _, ok := s.Launch("k", "s", nil, nil, time.Minute); ok {
		t.Fatal("second Launch for a running key returned true")
	}

	select {
	case <-initialDone:
		t.Fatal("initial reported done while still blocked")
	default:
	}
	close(release)
	<-initialDone
}

func TestReminderRequestCancel(t *testing.T) {
	s, clock := newTestScheduler()

	if ch := s.RequestCancel("missing"); ch != nil {
		t.Fatal("RequestCancel of unknown key returned a channel")
	}

	resends := make(chan int, 10)
	s.Start("k", "s", nil, func(_ context.Context, n int) error {
		resends <- n
		return nil
	}, time.Minute)
	clock.BlockUntil(1)

	done := s.RequestCancel("k")
	if s.IsRunning("k") {
		t.Fatal("IsRunning = true right after RequestCancel")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}

	clock.Advance(time.Hour)
	expectNoResend(t, resends)
}

func TestReminderCancelAll(t *testing.T) {
	s, clock := newTestScheduler()
	for _, k := range []string{"a", "b", "c"} {
		s.Start(k, k, nil, nil, time.Minute)
	}
	clock.BlockUntil(3)

	if !s.CancelAll() {
		t.Fatal("CancelAll returned false")
	}
	if n := len(s.Sessions()); n != 0 {
		t.Fatalf("%d sessions left", n)
	}
}
