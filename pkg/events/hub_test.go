package events

import (
	"testing"
	"time"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.Publish(PowerChanged, PowerChangedEvent{From: "wall", To: "battery", Ts: 1})

	select {
	case ev := <-ch:
		if ev.Name != PowerChanged {
			t.Fatalf("unexpected event name %q", ev.Name)
		}
		payload, err := DecodeAs[PowerChangedEvent](ev)
		if err != nil {
			t.Fatalf("DecodeAs failed: %v", err)
		}
		if payload.From != "wall" || payload.To != "battery" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	for i := 0; i < subscriberBuffer+5; i++ {
		h.Publish(Heartbeat, HeartbeatEvent{Ticks: i})
	}
	if got := h.Dropped(); got != 5 {
		t.Fatalf("Dropped() = %d, want 5", got)
	}
}

func TestNilHubIsSafe(t *testing.T) {
	var h *EventHub
	h.Publish(Heartbeat, HeartbeatEvent{})
	h.Close()
	if h.Subscribers() != 0 {
		t.Fatalf("nil hub should have no subscribers")
	}
}

func TestHubClose(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	h.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	// Unsubscribing after Close must not double-close.
	h.Unsubscribe(ch)
}
