package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/powerwatch/pkg/config"
)

const (
	smtpTimeout     = 30 * time.Second
	implicitTLSPort = 465
)

var (
	ErrMissingSender    = errors.New("email sender address is not configured")
	ErrMissingRecipient = errors.New("email recipient address is not configured")
)

// SMTP sends plain text email. Settings are read on every send, so a
// config reload applies to the next notification.
type SMTP struct {
	log      logrus.FieldLogger
	settings func() config.Email
	now      func() time.Time
}

func NewSMTP(log logrus.FieldLogger, settings func() config.Email) *SMTP {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SMTP{log: log, settings: settings, now: time.Now}
}

func (s *SMTP) Name() string {
	return "smtp"
}

func (s *SMTP) Send(ctx context.Context, subject, body string) error {
	e := s.settings()
	log := s.log.WithFields(logrus.Fields{
		"subject": subject,
		"server":  net.JoinHostPort(e.SMTPServer, strconv.Itoa(e.SMTPPort)),
	})

	switch {
	case e.SenderAddress == "":
		log.WithError(ErrMissingSender).Error("unable to send email")
		return ErrMissingSender
	case e.RecipientAddress == "":
		log.WithError(ErrMissingRecipient).Error("unable to send email")
		return ErrMissingRecipient
	}

	msg := buildMessage(e, subject, body, s.now())

	log.Debug("sending email")
	if err := s.deliver(ctx, e, msg); err != nil {
		log.WithError(err).Error("failed to send email")
		return err
	}
	log.Info("email sent")
	return nil
}

func (s *SMTP) deliver(ctx context.Context, e config.Email, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, smtpTimeout)
	defer cancel()

	addr := net.JoinHostPort(e.SMTPServer, strconv.Itoa(e.SMTPPort))
	tlsConfig := &tls.Config{ServerName: e.SMTPServer}

	var (
		conn net.Conn
		err  error
	)
	d := &net.Dialer{}
	if e.UseTLS && e.SMTPPort == implicitTLSPort {
		conn, err = (&tls.Dialer{NetDialer: d, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to connect to %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Abort the conversation if ctx is cancelled midway.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, e.SMTPServer)
	if err != nil {
		_ = conn.Close()
		return pkgerrors.Wrap(err, "smtp handshake failed")
	}
	defer c.Close()

	if e.UseTLS && e.SMTPPort != implicitTLSPort {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("server %s does not support STARTTLS", addr)
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return pkgerrors.Wrap(err, "STARTTLS failed")
		}
	}

	if e.LogonName != "" {
		auth := smtp.PlainAuth("", e.LogonName, e.LogonPassword, e.SMTPServer)
		if err := c.Auth(auth); err != nil {
			return pkgerrors.Wrap(err, "smtp authentication failed")
		}
	}

	if err := c.Mail(e.SenderAddress); err != nil {
		return pkgerrors.Wrap(err, "MAIL FROM rejected")
	}
	if err := c.Rcpt(e.RecipientAddress); err != nil {
		return pkgerrors.Wrap(err, "RCPT TO rejected")
	}
	w, err := c.Data()
	if err != nil {
		return pkgerrors.Wrap(err, "DATA rejected")
	}
	if _, err := w.Write(msg); err != nil {
		return pkgerrors.Wrap(err, "failed to write message")
	}
	if err := w.Close(); err != nil {
		return pkgerrors.Wrap(err, "message rejected")
	}
	return c.Quit()
}

func mailbox(name, address string) string {
	if name == "" {
		name = address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

func buildMessage(e config.Email, subject, body string, now time.Time) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	header("From", mailbox(e.SenderName, e.SenderAddress))
	header("To", mailbox(e.RecipientName, e.RecipientAddress))
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", now.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.Write(bytes.ReplaceAll(bytes.ReplaceAll([]byte(body), []byte("\r\n"), []byte("\n")), []byte("\n"), []byte("\r\n")))
	b.WriteString("\r\n")
	return b.Bytes()
}
