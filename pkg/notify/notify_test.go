package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/charlie0129/powerwatch/pkg/config"
	"github.com/charlie0129/powerwatch/pkg/events"
	"github.com/charlie0129/powerwatch/pkg/history"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	name string
	sent []string
	err  error
}

func (f *fakeDispatcher) Name() string { return f.name }

func (f *fakeDispatcher) Send(_ context.Context, subject, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, subject)
	return f.err
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestMultiSendsToAllAndJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	a := &fakeDispatcher{name: "a", err: errA}
	b := &fakeDispatcher{name: "b"}

	err := Multi{a, b}.Send(context.Background(), "s", "b")
	if !errors.Is(err, errA) {
		t.Fatalf("err = %v, want it to wrap %v", err, errA)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("sent a=%d b=%d, want 1 each", a.count(), b.count())
	}

	if err := (Multi{b}).Send(context.Background(), "s", "b"); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestLogDispatcher(t *testing.T) {
	log, hook := test.NewNullLogger()
	d := &Log{Logger: log}
	if err := d.Send(context.Background(), "subj", "body"); err != nil {
		t.Fatal(err)
	}
	e := hook.LastEntry()
	if e == nil || e.Level != logrus.WarnLevel || e.Data["subject"] != "subj" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestRateLimited(t *testing.T) {
	next := &fakeDispatcher{name: "x"}
	r := NewRateLimited(next, 6)
	if r.Name() != "x" {
		t.Fatalf("name = %q", r.Name())
	}

	// The whole burst is available from the start.
	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := r.Send(ctx, "s", "b")
		cancel()
		if err != nil {
			t.Fatalf("send %d was held back: %v", i, err)
		}
	}

	// The burst is used up; the next token is 10s away.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Send(ctx, "s", "b"); err == nil {
		t.Fatal("third send was not limited")
	}
	if next.count() != 6 {
		t.Fatalf("next got %d sends, want 6", next.count())
	}

	r.SetRate(0)
	if err := r.Send(context.Background(), "s", "b"); err != nil {
		t.Fatalf("unlimited send: %v", err)
	}
}

type memAppender struct {
	mu      sync.Mutex
	records []history.Record
}

func (m *memAppender) Append(_ context.Context, r history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func TestRecording(t *testing.T) {
	log, _ := test.NewNullLogger()
	store := &memAppender{}
	hub := events.NewEventHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	next := &fakeDispatcher{name: "smtp", err: errors.New("refused")}
	r := NewRecording(next, store, hub, log)

	if err := r.Send(context.Background(), "subj", "body"); err == nil {
		t.Fatal("error was swallowed")
	}

	if len(store.records) != 1 {
		t.Fatalf("%d records", len(store.records))
	}
	rec := store.records[0]
	if rec.Channel != "smtp" || rec.OK || rec.Error != "refused" || rec.Subject != "subj" {
		t.Fatalf("record = %+v", rec)
	}

	select {
	case ev := <-ch:
		if ev.Name != events.NotificationSent {
			t.Fatalf("event = %s", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestSMTPRequiresAddresses(t *testing.T) {
	log, hook := test.NewNullLogger()

	s := NewSMTP(log, func() config.Email { return config.Email{RecipientAddress: "to@example.com"} })
	if err := s.Send(context.Background(), "s", "b"); !errors.Is(err, ErrMissingSender) {
		t.Fatalf("err = %v, want ErrMissingSender", err)
	}

	s = NewSMTP(log, func() config.Email { return config.Email{SenderAddress: "from@example.com"} })
	if err := s.Send(context.Background(), "s", "b"); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("err = %v, want ErrMissingRecipient", err)
	}

	if n := len(hook.AllEntries()); n != 2 {
		t.Fatalf("%d log entries, want one per failed send", n)
	}
	for _, e := range hook.AllEntries() {
		if e.Level != logrus.ErrorLevel {
			t.Fatalf("level = %s, want error", e.Level)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	e := config.Email{
		SenderAddress:    "alerts@example.com",
		RecipientName:    "Ops Team",
		RecipientAddress: "ops@example.com",
	}
	at := time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)
	msg := string(buildMessage(e, "Power changed to battery ⚡", "line one\nline two", at))

	for _, want := range []string{
		"From: \"alerts@example.com\" <alerts@example.com>\r\n",
		"To: \"Ops Team\" <ops@example.com>\r\n",
		"Subject: =?utf-8?q?Power_changed_to_battery_",
		"Date: Thu, 14 Mar 2024 09:30:00 +0000\r\n",
		"Content-Type: text/plain; charset=\"utf-8\"\r\n",
		"\r\n\r\nline one\r\nline two\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message does not contain %q:\n%s", want, msg)
		}
	}
}

// serveSMTP accepts one connection and speaks just enough SMTP for
// net/smtp. It returns the received DATA.
func serveSMTP(t *testing.T, ln net.Listener) <-chan string {
	t.Helper()
	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		w := func(s string) { _, _ = io.WriteString(conn, s+"\r\n") }
		w("220 localhost ESMTP")

		var data strings.Builder
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				w("250-localhost")
				w("250 8BITMIME")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				w("250 OK")
			case cmd == "DATA":
				w("354 go ahead")
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					data.WriteString(l)
				}
				w("250 queued")
			case cmd == "QUIT":
				w("221 bye")
				out <- data.String()
				return
			default:
				w("502 not implemented")
			}
		}
	}()
	return out
}

func TestSMTPDelivers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	received := serveSMTP(t, ln)

	port := ln.Addr().(*net.TCPAddr).Port
	log, _ := test.NewNullLogger()
	s := NewSMTP(log, func() config.Email {
		return config.Email{
			SenderAddress:    "alerts@example.com",
			RecipientAddress: "ops@example.com",
			SMTPServer:       "127.0.0.1",
			SMTPPort:         port,
		}
	})

	if err := s.Send(context.Background(), "hello", "world"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-received:
		if !strings.Contains(data, "Subject: hello") || !strings.Contains(data, "world") {
			t.Fatalf("data = %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive the message")
	}
}

func TestSMTPConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	log, _ := test.NewNullLogger()
	s := NewSMTP(log, func() config.Email {
		return config.Email{
			SenderAddress:    "a@example.com",
			RecipientAddress: "b@example.com",
			SMTPServer:       "127.0.0.1",
			SMTPPort:         port,
		}
	})
	if err := s.Send(context.Background(), "s", "b"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestTelegramSends(t *testing.T) {
	var (
		mu   sync.Mutex
		got  map[string]any
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	tg := NewTelegram(log, func() config.Telegram { return config.Telegram{Token: "123:abc", ChatID: 42} })
	tg.apiURL = srv.URL

	if err := tg.Send(context.Background(), "subj", "body"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	if got["text"] != "subj\n\nbody" || got["chat_id"] != strconv.Itoa(42) {
		t.Fatalf("payload = %v", got)
	}
}

func TestTelegramNotConfigured(t *testing.T) {
	log, _ := test.NewNullLogger()
	tg := NewTelegram(log, func() config.Telegram { return config.Telegram{} })
	if err := tg.Send(context.Background(), "s", "b"); !errors.Is(err, ErrTelegramNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

func TestChannelsFollowConfig(t *testing.T) {
	log, hook := test.NewNullLogger()
	conf := config.NewFileFromConfig(nil, "")
	c := NewChannels(conf, log)

	if c.Name() != "log" {
		t.Fatalf("name = %q, want log", c.Name())
	}
	if err := c.Send(context.Background(), "subj", "body"); err != nil {
		t.Fatal(err)
	}
	if e := hook.LastEntry(); e == nil || e.Data["subject"] != "subj" {
		t.Fatalf("entry = %+v", e)
	}

	conf = config.NewFileFromConfig(&config.RawFileConfig{
		Email:    &config.Email{SMTPServer: "smtp.example.com", RecipientAddress: "ops@example.com"},
		Telegram: &config.Telegram{Token: "1:a", ChatID: 1},
	}, "")
	if got := NewChannels(conf, log).Name(); got != "smtp+telegram" {
		t.Fatalf("name = %q", got)
	}
}
