package config

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrInvalidConfig = errors.New("invalid config")

// Email holds the SMTP settings used to deliver alerts.
type Email struct {
	SenderName       string `json:"senderName,omitempty" yaml:"senderName,omitempty" toml:"senderName,omitempty"`
	SenderAddress    string `json:"senderAddress,omitempty" yaml:"senderAddress,omitempty" toml:"senderAddress,omitempty"`
	SMTPServer       string `json:"smtpServer,omitempty" yaml:"smtpServer,omitempty" toml:"smtpServer,omitempty"`
	SMTPPort         int    `json:"smtpPort,omitempty" yaml:"smtpPort,omitempty" toml:"smtpPort,omitempty"`
	UseTLS           bool   `json:"useTLS,omitempty" yaml:"useTLS,omitempty" toml:"useTLS,omitempty"`
	LogonName        string `json:"logonName,omitempty" yaml:"logonName,omitempty" toml:"logonName,omitempty"`
	LogonPassword    string `json:"logonPassword,omitempty" yaml:"logonPassword,omitempty" toml:"logonPassword,omitempty"`
	RecipientName    string `json:"recipientName,omitempty" yaml:"recipientName,omitempty" toml:"recipientName,omitempty"`
	RecipientAddress string `json:"recipientAddress,omitempty" yaml:"recipientAddress,omitempty" toml:"recipientAddress,omitempty"`
}

// Enabled reports whether enough is configured to attempt delivery.
func (e Email) Enabled() bool {
	return e.SMTPServer != "" && e.RecipientAddress != ""
}

// Telegram holds the bot settings used to deliver alerts.
type Telegram struct {
	Token  string `json:"token,omitempty" yaml:"token,omitempty" toml:"token,omitempty"`
	ChatID int64  `json:"chatID,omitempty" yaml:"chatID,omitempty" toml:"chatID,omitempty"`
}

func (t Telegram) Enabled() bool {
	return t.Token != "" && t.ChatID != 0
}

type Config interface {
	LocalDebugging() bool
	ReminderInterval() time.Duration
	ClockDriftThreshold() time.Duration
	// HeartbeatInterval is the effective interval, which is the debug
	// interval when local debugging is enabled.
	HeartbeatInterval() time.Duration
	CancelTimeout() time.Duration
	MaxConsecutiveFailures() int
	DumpDiagnostics() bool
	CrossValidateSignals() bool
	PollInterval() time.Duration
	AlertsPerMinute() int
	HistoryPath() string
	AllowNonRootAccess() bool
	Email() Email
	Telegram() Telegram

	SetAllowNonRootAccess(bool)
	SetLocalDebugging(bool)

	// Validate checks the effective values.
	Validate() error
	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
	// LogrusFields describes the effective values, secrets redacted.
	LogrusFields() logrus.Fields
}
