package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charlie0129/powerwatch/pkg/events"
	"github.com/charlie0129/powerwatch/pkg/power"
)

// serveUnix serves h on a unix socket and returns its path.
func serveUnix(t *testing.T, h http.Handler) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pwc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "d.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = l
	srv.Start()
	t.Cleanup(srv.Close)
	return sock
}

func TestClientAPIs(t *testing.T) {
	var gotPower string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"version":"v1.2.3","state":"Running","powerSource":"battery","batteryPresent":true}`)
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `"v1.2.3"`)
	})
	mux.HandleFunc("GET /history", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `"history is disabled"`)
	})
	mux.HandleFunc("PUT /power", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotPower = string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `"ok"`)
	})
	mux.HandleFunc("POST /pause", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `"cannot pause while Paused"`)
	})

	c := NewClient(serveUnix(t, mux))
	ctx := context.Background()

	st, err := c.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != "Running" || st.PowerSource != "battery" || !st.BatteryPresent {
		t.Fatalf("status = %+v", st)
	}

	if v, err := c.GetVersion(ctx); err != nil || v != "v1.2.3" {
		t.Fatalf("version = %q, %v", v, err)
	}

	if _, err := c.GetHistory(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("history err = %v, want ErrNotFound", err)
	}

	if _, err := c.SetPowerSource(ctx, power.Wall); err != nil {
		t.Fatal(err)
	}
	if gotPower != `"wall"` {
		t.Fatalf("power payload = %s", gotPower)
	}

	_, err = c.Pause(ctx)
	if err == nil || !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "cannot pause while Paused") {
		t.Fatalf("pause err = %v", err)
	}
}

func TestDaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	if _, err := c.GetVersion(context.Background()); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("err = %v, want ErrDaemonNotRunning", err)
	}
}

func TestReadEvents(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"event:power.changed",
		`data:{"from":"wall","to":"battery","ts":1}`,
		"",
		"event: heartbeat",
		`data: {"ticks":2}`,
		"",
		"",
	}, "\n")

	out := make(chan events.Event, 4)
	if err := readEvents(context.Background(), bufio.NewScanner(strings.NewReader(stream)), out); err != nil {
		t.Fatal(err)
	}
	close(out)

	var got []events.Event
	for ev := range out {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events: %+v", len(got), got)
	}
	pc, err := events.DecodeAs[events.PowerChangedEvent](got[0])
	if err != nil || got[0].Name != events.PowerChanged || pc.To != "battery" {
		t.Fatalf("first event = %+v (%v)", got[0], err)
	}
	hb, err := events.DecodeAs[events.HeartbeatEvent](got[1])
	if err != nil || got[1].Name != events.Heartbeat || hb.Ticks != 2 {
		t.Fatalf("second event = %+v (%v)", got[1], err)
	}
}

func TestReadEventsDropsUnterminatedEvent(t *testing.T) {
	stream := "event:heartbeat\ndata:{\"ticks\":1}\n\nevent:heartbeat\ndata:{\"ticks\":2}\n"

	out := make(chan events.Event, 4)
	if err := readEvents(context.Background(), bufio.NewScanner(strings.NewReader(stream)), out); err != nil {
		t.Fatal(err)
	}
	close(out)

	var got []events.Event
	for ev := range out {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events: %+v", len(got), got)
	}
	if hb, err := events.DecodeAs[events.HeartbeatEvent](got[0]); err != nil || hb.Ticks != 1 {
		t.Fatalf("event = %+v (%v)", got[0], err)
	}
}

func TestSubscribeEvents(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event:clock.changed\ndata:{\"driftSeconds\":42}\n\n")
	})
	c := NewClient(serveUnix(t, h))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	evs, errc, err := c.SubscribeEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}

	ev, ok := <-evs
	if !ok || ev.Name != events.ClockChanged {
		t.Fatalf("event = %+v, ok = %v", ev, ok)
	}
	if _, ok := <-evs; ok {
		t.Fatal("stream did not end")
	}
	if err := <-errc; err != nil {
		t.Fatalf("err = %v", err)
	}
}
