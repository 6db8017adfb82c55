package alert

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/powerwatch/pkg/types"
)

const (
	defaultHeartbeatInterval = 20 * time.Minute
	heartbeatStopTimeout     = 5 * time.Second
)

// HeartbeatState is the progress of the heartbeat since it was last
// started. TicksElapsed counts ticks after the first one and Elapsed is
// TicksElapsed times the interval.
type HeartbeatState = types.HeartbeatState

// HeartbeatTracker periodically logs uptime. Every tick after the first one
// also calls OnTick, which the manager uses for periodic clock checks.
type HeartbeatTracker struct {
	log logrus.FieldLogger

	// Dump, when set, is called on the first tick, and on every later tick
	// if DumpEachTick is set.
	Dump         func()
	DumpEachTick bool
	OnTick       func()

	mu       sync.Mutex
	interval time.Duration
	active   time.Duration
	cron     *cron.Cron
	gen      uint64
	state    HeartbeatState
}

func NewHeartbeatTracker(log logrus.FieldLogger, interval time.Duration) *HeartbeatTracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &HeartbeatTracker{
		log:      log,
		interval: interval,
	}
}

// SetInterval changes the interval used by the next Start.
func (h *HeartbeatTracker) SetInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	h.mu.Lock()
	h.interval = interval
	h.mu.Unlock()
}

func (h *HeartbeatTracker) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// Start (re)starts the heartbeat. A running timer is replaced, never
// duplicated. The first tick runs before Start returns.
func (h *HeartbeatTracker) Start() {
	h.mu.Lock()
	old := h.cron
	h.gen++
	gen := h.gen
	h.state = HeartbeatState{IsFirstTick: true}

	cl := cronLogger{log: h.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(h.interval), cron.FuncJob(func() { h.tick(gen) }))
	h.cron = c
	h.active = h.interval
	interval := h.interval
	h.mu.Unlock()

	if old != nil {
		h.log.Debug("replacing running heartbeat timer")
		waitCron(old)
	}

	c.Start()
	h.log.WithField("interval", interval).Debug("heartbeat started")
	h.tick(gen)
}

// Stop stops the heartbeat. It is a no-op when not started.
func (h *HeartbeatTracker) Stop() {
	h.mu.Lock()
	c := h.cron
	h.cron = nil
	h.gen++
	h.mu.Unlock()

	if c == nil {
		return
	}
	waitCron(c)
	h.log.Debug("heartbeat stopped")
}

func waitCron(c *cron.Cron) {
	ctx := c.Stop()
	t := time.NewTimer(heartbeatStopTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// State returns a snapshot of the heartbeat progress.
func (h *HeartbeatTracker) State() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *HeartbeatTracker) tick(gen uint64) {
	h.mu.Lock()
	if gen != h.gen {
		// Tick from a replaced or stopped timer.
		h.mu.Unlock()
		return
	}
	first := h.state.IsFirstTick
	if first {
		h.state.IsFirstTick = false
	} else {
		h.state.TicksElapsed++
		h.state.Elapsed += h.active
	}
	h.state.LastTick = time.Now()
	st := h.state
	h.mu.Unlock()

	if first {
		h.log.Info("heartbeat initialized")
		if h.Dump != nil {
			h.Dump()
		}
		return
	}

	minutes := int(st.Elapsed.Minutes())
	h.log.WithFields(logrus.Fields{
		"ticks":          st.TicksElapsed,
		"elapsedMinutes": minutes,
	}).Infof("running for %d minutes", minutes)

	if h.Dump != nil && h.DumpEachTick {
		h.Dump()
	}
	if h.OnTick != nil {
		h.OnTick()
	}
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return fields
}
