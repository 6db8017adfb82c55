package types

import (
	"time"
)

// SessionInfo describes a running reminder session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Subject     string    `json:"subject"`
	StartedAt   time.Time `json:"startedAt"`
	ResendCount int       `json:"resendCount"`
	Cancelled   bool      `json:"cancelled"`
}

// HeartbeatState is the heartbeat progress since the manager started.
type HeartbeatState struct {
	TicksElapsed int           `json:"ticksElapsed"`
	Elapsed      time.Duration `json:"elapsed"`
	IsFirstTick  bool          `json:"isFirstTick"`
	LastTick     time.Time     `json:"lastTick"`
}

// ClockBaseline is the reference point for clock jump detection.
type ClockBaseline struct {
	ObservedWallClock time.Time     `json:"observedWallClock"`
	MonotonicMark     time.Duration `json:"monotonicMark"`
}

// Status is the body of GET /status.
type Status struct {
	Version        string         `json:"version"`
	State          string         `json:"state"`
	PowerSource    string         `json:"powerSource"`
	BatteryPresent bool           `json:"batteryPresent"`
	Sessions       []SessionInfo  `json:"sessions"`
	Heartbeat      HeartbeatState `json:"heartbeat"`
	ClockBaseline  ClockBaseline  `json:"clockBaseline"`
	HistoryEnabled bool           `json:"historyEnabled"`
	Subscribers    int            `json:"subscribers"`
	DroppedEvents  uint64         `json:"droppedEvents"`
	Batteries      []BatteryInfo  `json:"batteries,omitempty"`
}
