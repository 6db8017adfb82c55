package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	tele "gopkg.in/telebot.v4"

	"github.com/charlie0129/powerwatch/pkg/config"
)

const telegramTimeout = 30 * time.Second

var ErrTelegramNotConfigured = errors.New("telegram token or chat id is not configured")

// Telegram sends notifications to a chat through the Bot API. The bot is
// only used to send, so it never polls for updates.
type Telegram struct {
	log      logrus.FieldLogger
	settings func() config.Telegram
	// apiURL overrides the Bot API endpoint.
	apiURL string

	mu    sync.Mutex
	bot   *tele.Bot
	token string
}

func NewTelegram(log logrus.FieldLogger, settings func() config.Telegram) *Telegram {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Telegram{log: log, settings: settings}
}

func (t *Telegram) Name() string {
	return "telegram"
}

// client returns a bot for token, rebuilding it when the token changed.
func (t *Telegram) client(token string) (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bot != nil && t.token == token {
		return t.bot, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     t.apiURL,
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: telegramTimeout},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create telegram bot")
	}
	t.bot, t.token = b, token
	return b, nil
}

func (t *Telegram) Send(ctx context.Context, subject, body string) error {
	cfg := t.settings()
	log := t.log.WithFields(logrus.Fields{
		"subject": subject,
		"chatID":  cfg.ChatID,
	})

	if !cfg.Enabled() {
		log.WithError(ErrTelegramNotConfigured).Error("unable to send telegram message")
		return ErrTelegramNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := t.client(cfg.Token)
	if err != nil {
		log.WithError(err).Error("unable to send telegram message")
		return err
	}

	// telebot does not take a context; run the call so ctx can abandon it.
	done := make(chan error, 1)
	go func() {
		_, err := b.Send(&tele.Chat{ID: cfg.ChatID}, subject+"\n\n"+body)
		done <- err
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		log.WithError(err).Error("failed to send telegram message")
		return pkgerrors.Wrap(err, "telegram send failed")
	}
	log.Info("telegram message sent")
	return nil
}
