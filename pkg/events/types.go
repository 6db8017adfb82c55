package events

import (
	"encoding/json"
	"time"
)

// Event name constants
const (
	PowerChanged     = "power.changed"
	ClockChanged     = "clock.changed"
	ReminderSent     = "reminder.sent"
	Heartbeat        = "heartbeat"
	HostShutdown     = "host.shutdown"
	ManagerState     = "manager.state"
	NotificationSent = "notification.sent"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// PowerChangedEvent is the payload for power.changed.
type PowerChangedEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
	Ts   int64  `json:"ts"`
}

// ClockChangedEvent is the payload for clock.changed.
type ClockChangedEvent struct {
	Expected     time.Time `json:"expected"`
	Actual       time.Time `json:"actual"`
	DriftSeconds float64   `json:"driftSeconds"`
	Message      string    `json:"message"`
	Ts           int64     `json:"ts"`
}

// ReminderSentEvent is the payload for reminder.sent.
type ReminderSentEvent struct {
	Key     string `json:"key"`
	Session string `json:"session"`
	Resend  int    `json:"resend"`
	Error   string `json:"error,omitempty"`
	Ts      int64  `json:"ts"`
}

// HeartbeatEvent is the payload for heartbeat.
type HeartbeatEvent struct {
	Ticks          int   `json:"ticks"`
	ElapsedMinutes int   `json:"elapsedMinutes"`
	Ts             int64 `json:"ts"`
}

// ManagerStateEvent is the payload for manager.state.
type ManagerStateEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
	Ts   int64  `json:"ts"`
}

// NotificationSentEvent is the payload for notification.sent and host.shutdown.
type NotificationSentEvent struct {
	Subject string `json:"subject"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.PowerChangedEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
