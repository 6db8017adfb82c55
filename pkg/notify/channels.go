package notify

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/powerwatch/pkg/config"
)

// Channels sends through every channel enabled in the current
// configuration, so a reload can switch channels on or off. With nothing
// enabled, notifications go to the log.
type Channels struct {
	conf     config.Config
	smtp     *SMTP
	telegram *Telegram
	fallback *Log
}

func NewChannels(conf config.Config, log logrus.FieldLogger) *Channels {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Channels{
		conf:     conf,
		smtp:     NewSMTP(log.WithField("channel", "smtp"), conf.Email),
		telegram: NewTelegram(log.WithField("channel", "telegram"), conf.Telegram),
		fallback: &Log{Logger: log},
	}
}

func (c *Channels) enabled() Multi {
	var m Multi
	if c.conf.Email().Enabled() {
		m = append(m, c.smtp)
	}
	if c.conf.Telegram().Enabled() {
		m = append(m, c.telegram)
	}
	return m
}

// Name joins the names of the enabled channels, e.g. "smtp+telegram".
func (c *Channels) Name() string {
	m := c.enabled()
	if len(m) == 0 {
		return c.fallback.Name()
	}
	names := make([]string, 0, len(m))
	for _, d := range m {
		names = append(names, nameOf(d))
	}
	return strings.Join(names, "+")
}

func (c *Channels) Send(ctx context.Context, subject, body string) error {
	m := c.enabled()
	if len(m) == 0 {
		return c.fallback.Send(ctx, subject, body)
	}
	return m.Send(ctx, subject, body)
}
