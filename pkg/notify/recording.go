package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/powerwatch/pkg/events"
	"github.com/charlie0129/powerwatch/pkg/history"
)

// Appender stores notification attempts. *history.Store implements it.
type Appender interface {
	Append(ctx context.Context, r history.Record) error
}

// Publisher receives events. *events.EventHub implements it.
type Publisher interface {
	Publish(name string, payload any)
}

// Recording records every attempt of the wrapped dispatcher in the history
// and announces it as an event. Either sink may be nil.
type Recording struct {
	next  Dispatcher
	store Appender
	pub   Publisher
	log   logrus.FieldLogger
}

func NewRecording(next Dispatcher, store Appender, pub Publisher, log logrus.FieldLogger) *Recording {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recording{
		next:  next,
		store: store,
		pub:   pub,
		log:   log,
	}
}

func (r *Recording) Name() string {
	return nameOf(r.next)
}

func (r *Recording) Send(ctx context.Context, subject, body string) error {
	channel := r.Name()
	err := r.next.Send(ctx, subject, body)
	now := time.Now()

	rec := history.Record{
		At:      now,
		Channel: channel,
		Subject: subject,
		Body:    body,
		OK:      err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if r.store != nil {
		// Record even if the send was cut short by ctx.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if aerr := r.store.Append(sctx, rec); aerr != nil {
			r.log.WithError(aerr).Warn("failed to record notification in history")
		}
		cancel()
	}

	if r.pub != nil {
		r.pub.Publish(events.NotificationSent, events.NotificationSentEvent{
			Subject: subject,
			OK:      rec.OK,
			Error:   rec.Error,
			Ts:      now.Unix(),
		})
	}

	return err
}
