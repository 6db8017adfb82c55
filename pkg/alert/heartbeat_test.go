package alert

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestHeartbeatFirstTickDoesNotCount(t *testing.T) {
	log, hook := test.NewNullLogger()
	h := NewHeartbeatTracker(log, time.Hour)

	dumps, ticks := 0, 0
	h.Dump = func() { dumps++ }
	h.OnTick = func() { ticks++ }

	h.Start()
	defer h.Stop()

	st := h.State()
	if st.IsFirstTick || st.TicksElapsed != 0 || st.Elapsed != 0 {
		t.Fatalf("state after first tick = %+v", st)
	}
	if dumps != 1 || ticks != 0 {
		t.Fatalf("dumps = %d, ticks = %d after first tick", dumps, ticks)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Message != "heartbeat initialized" {
		t.Fatal("missing initialization log")
	}

	h.mu.Lock()
	gen := h.gen
	h.mu.Unlock()

	h.tick(gen)
	h.tick(gen)

	st = h.State()
	if st.TicksElapsed != 2 || st.Elapsed != 2*time.Hour {
		t.Fatalf("state after two ticks = %+v", st)
	}
	if dumps != 1 {
		t.Fatalf("dumps = %d without DumpEachTick, want 1", dumps)
	}
	if ticks != 2 {
		t.Fatalf("OnTick called %d times, want 2", ticks)
	}
	if hook.LastEntry().Message != "running for 120 minutes" {
		t.Fatalf("last log = %q", hook.LastEntry().Message)
	}
}

func TestHeartbeatDumpEachTick(t *testing.T) {
	log, _ := test.NewNullLogger()
	h := NewHeartbeatTracker(log, time.Minute)
	dumps := 0
	h.Dump = func() { dumps++ }
	h.DumpEachTick = true

	h.Start()
	defer h.Stop()

	h.mu.Lock()
	gen := h.gen
	h.mu.Unlock()
	h.tick(gen)

	if dumps != 2 {
		t.Fatalf("dumps = %d, want 2", dumps)
	}
}

func TestHeartbeatRestartReplacesTimer(t *testing.T) {
	log, _ := test.NewNullLogger()
	h := NewHeartbeatTracker(log, time.Hour)

	h.Start()
	h.mu.Lock()
	oldGen := h.gen
	oldCron := h.cron
	h.mu.Unlock()
	h.tick(oldGen)

	h.SetInterval(2 * time.Hour)
	h.Start()
	defer h.Stop()

	h.mu.Lock()
	newCron := h.cron
	h.mu.Unlock()
	if newCron == oldCron {
		t.Fatal("timer was not replaced")
	}
	if n := len(newCron.Entries()); n != 1 {
		t.Fatalf("%d scheduled entries, want 1", n)
	}

	if st := h.State(); st.TicksElapsed != 0 {
		t.Fatalf("state not reset on restart: %+v", st)
	}

	// Ticks from the replaced timer are ignored.
	h.tick(oldGen)
	if st := h.State(); st.TicksElapsed != 0 {
		t.Fatalf("stale tick counted: %+v", st)
	}
}

func TestHeartbeatStopWithoutStart(t *testing.T) {
	log, _ := test.NewNullLogger()
	h := NewHeartbeatTracker(log, 0)
	h.Stop()
	if h.Interval() != defaultHeartbeatInterval {
		t.Fatalf("interval = %s, want default", h.Interval())
	}
}
