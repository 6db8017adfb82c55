// Package notify delivers alert notifications over email, Telegram or the
// log, optionally rate limited and recorded.
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Dispatcher delivers one notification. Implementations log their own
// failures; the returned error is for callers that count failures.
type Dispatcher interface {
	Send(ctx context.Context, subject, body string) error
}

// Named is implemented by dispatchers that have a channel name.
type Named interface {
	Name() string
}

func nameOf(d Dispatcher) string {
	if n, ok := d.(Named); ok {
		return n.Name()
	}
	return "unknown"
}

// Multi sends every notification through all of its dispatchers.
type Multi []Dispatcher

func (m Multi) Name() string {
	return "multi"
}

func (m Multi) Send(ctx context.Context, subject, body string) error {
	var errs []error
	for _, d := range m {
		if err := d.Send(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to the log. It is used when no delivery
// channel is configured.
type Log struct {
	Logger logrus.FieldLogger
}

func (l *Log) Name() string {
	return "log"
}

func (l *Log) Send(_ context.Context, subject, body string) error {
	log := l.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"subject": subject,
		"body":    body,
	}).Warn("alert (no notification channel configured)")
	return nil
}
