package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/charlie0129/powerwatch/pkg/utils/ptr"
)

const defaultSMTPPort = 587

var (
	defaultFileConfig = &RawFileConfig{
		LocalDebugging:         ptr.To(false),
		ReminderInterval:       ptr.To(Duration(10 * time.Minute)),
		ClockDriftThreshold:    ptr.To(Duration(15 * time.Second)),
		HeartbeatInterval:      ptr.To(Duration(20 * time.Minute)),
		DebugHeartbeatInterval: ptr.To(Duration(time.Minute)),
		CancelTimeout:          ptr.To(Duration(15 * time.Second)),
		// 0 keeps reminding no matter how many sends fail.
		MaxConsecutiveFailures: ptr.To(0),
		DumpDiagnostics:        ptr.To(true),
		CrossValidateSignals:   ptr.To(false),
		PollInterval:           ptr.To(Duration(5 * time.Second)),
		AlertsPerMinute:        ptr.To(6),
		HistoryPath:            ptr.To(""),
		AllowNonRootAccess:     ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

// NewFileFromConfig wraps c. A nil c means the defaults.
func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		d := *defaultFileConfig
		d.Email = &Email{SMTPPort: defaultSMTPPort}
		c = &d
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

// RawFileConfig is the on-disk representation. Unset fields take defaults.
type RawFileConfig struct {
	LocalDebugging         *bool     `json:"localDebugging,omitempty" yaml:"localDebugging,omitempty" toml:"localDebugging,omitempty"`
	ReminderInterval       *Duration `json:"reminderInterval,omitempty" yaml:"reminderInterval,omitempty" toml:"reminderInterval,omitempty"`
	ClockDriftThreshold    *Duration `json:"clockDriftThreshold,omitempty" yaml:"clockDriftThreshold,omitempty" toml:"clockDriftThreshold,omitempty"`
	HeartbeatInterval      *Duration `json:"heartbeatInterval,omitempty" yaml:"heartbeatInterval,omitempty" toml:"heartbeatInterval,omitempty"`
	DebugHeartbeatInterval *Duration `json:"debugHeartbeatInterval,omitempty" yaml:"debugHeartbeatInterval,omitempty" toml:"debugHeartbeatInterval,omitempty"`
	CancelTimeout          *Duration `json:"cancelTimeout,omitempty" yaml:"cancelTimeout,omitempty" toml:"cancelTimeout,omitempty"`
	MaxConsecutiveFailures *int      `json:"maxConsecutiveFailures,omitempty" yaml:"maxConsecutiveFailures,omitempty" toml:"maxConsecutiveFailures,omitempty"`
	DumpDiagnostics        *bool     `json:"dumpDiagnostics,omitempty" yaml:"dumpDiagnostics,omitempty" toml:"dumpDiagnostics,omitempty"`
	CrossValidateSignals   *bool     `json:"crossValidateSignals,omitempty" yaml:"crossValidateSignals,omitempty" toml:"crossValidateSignals,omitempty"`
	PollInterval           *Duration `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty" toml:"pollInterval,omitempty"`
	AlertsPerMinute        *int      `json:"alertsPerMinute,omitempty" yaml:"alertsPerMinute,omitempty" toml:"alertsPerMinute,omitempty"`
	HistoryPath            *string   `json:"historyPath,omitempty" yaml:"historyPath,omitempty" toml:"historyPath,omitempty"`
	AllowNonRootAccess     *bool     `json:"allowNonRootAccess,omitempty" yaml:"allowNonRootAccess,omitempty" toml:"allowNonRootAccess,omitempty"`
	Email                  *Email    `json:"email,omitempty" yaml:"email,omitempty" toml:"email,omitempty"`
	Telegram               *Telegram `json:"telegram,omitempty" yaml:"telegram,omitempty" toml:"telegram,omitempty"`
}

const redacted = "<redacted>"

// NewRawFileConfigFromConfig returns the effective values of c with every
// field set. Credentials are redacted.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	email := c.Email()
	if email.LogonPassword != "" {
		email.LogonPassword = redacted
	}
	tg := c.Telegram()
	if tg.Token != "" {
		tg.Token = redacted
	}

	// Report the configured heartbeat, not the effective one.
	heartbeat := c.HeartbeatInterval()
	debugHeartbeat := *defaultFileConfig.DebugHeartbeatInterval
	if f, ok := c.(*File); ok {
		f.mu.RLock()
		heartbeat = ptr.Deref(f.raw().HeartbeatInterval, *defaultFileConfig.HeartbeatInterval).Std()
		debugHeartbeat = ptr.Deref(f.raw().DebugHeartbeatInterval, debugHeartbeat)
		f.mu.RUnlock()
	}

	rawConfig := &RawFileConfig{
		LocalDebugging:         ptr.To(c.LocalDebugging()),
		ReminderInterval:       ptr.To(Duration(c.ReminderInterval())),
		ClockDriftThreshold:    ptr.To(Duration(c.ClockDriftThreshold())),
		HeartbeatInterval:      ptr.To(Duration(heartbeat)),
		DebugHeartbeatInterval: ptr.To(debugHeartbeat),
		CancelTimeout:          ptr.To(Duration(c.CancelTimeout())),
		MaxConsecutiveFailures: ptr.To(c.MaxConsecutiveFailures()),
		DumpDiagnostics:        ptr.To(c.DumpDiagnostics()),
		CrossValidateSignals:   ptr.To(c.CrossValidateSignals()),
		PollInterval:           ptr.To(Duration(c.PollInterval())),
		AlertsPerMinute:        ptr.To(c.AlertsPerMinute()),
		HistoryPath:            ptr.To(c.HistoryPath()),
		AllowNonRootAccess:     ptr.To(c.AllowNonRootAccess()),
		Email:                  &email,
		Telegram:               &tg,
	}

	return rawConfig, nil
}

func (f *File) raw() *RawFileConfig {
	if f.c == nil {
		panic("config is nil")
	}
	return f.c
}

func (f *File) LocalDebugging() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().LocalDebugging, *defaultFileConfig.LocalDebugging)
}

func (f *File) ReminderInterval() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().ReminderInterval, *defaultFileConfig.ReminderInterval).Std()
}

func (f *File) ClockDriftThreshold() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().ClockDriftThreshold, *defaultFileConfig.ClockDriftThreshold).Std()
}

func (f *File) HeartbeatInterval() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c := f.raw()
	if ptr.Deref(c.LocalDebugging, *defaultFileConfig.LocalDebugging) {
		return ptr.Deref(c.DebugHeartbeatInterval, *defaultFileConfig.DebugHeartbeatInterval).Std()
	}
	return ptr.Deref(c.HeartbeatInterval, *defaultFileConfig.HeartbeatInterval).Std()
}

func (f *File) CancelTimeout() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().CancelTimeout, *defaultFileConfig.CancelTimeout).Std()
}

func (f *File) MaxConsecutiveFailures() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().MaxConsecutiveFailures, *defaultFileConfig.MaxConsecutiveFailures)
}

func (f *File) DumpDiagnostics() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().DumpDiagnostics, *defaultFileConfig.DumpDiagnostics)
}

func (f *File) CrossValidateSignals() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().CrossValidateSignals, *defaultFileConfig.CrossValidateSignals)
}

func (f *File) PollInterval() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().PollInterval, *defaultFileConfig.PollInterval).Std()
}

func (f *File) AlertsPerMinute() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().AlertsPerMinute, *defaultFileConfig.AlertsPerMinute)
}

func (f *File) HistoryPath() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().HistoryPath, *defaultFileConfig.HistoryPath)
}

func (f *File) AllowNonRootAccess() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().AllowNonRootAccess, *defaultFileConfig.AllowNonRootAccess)
}

func (f *File) Email() Email {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e := ptr.Deref(f.raw().Email, Email{})
	if e.SMTPPort == 0 {
		e.SMTPPort = defaultSMTPPort
	}
	return e
}

func (f *File) Telegram() Telegram {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ptr.Deref(f.raw().Telegram, Telegram{})
}

func (f *File) SetAllowNonRootAccess(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw().AllowNonRootAccess = &b
}

func (f *File) SetLocalDebugging(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw().LocalDebugging = &b
}

func (f *File) Validate() error {
	positive := map[string]time.Duration{
		"reminderInterval":    f.ReminderInterval(),
		"clockDriftThreshold": f.ClockDriftThreshold(),
		"heartbeatInterval":   f.HeartbeatInterval(),
		"cancelTimeout":       f.CancelTimeout(),
		"pollInterval":        f.PollInterval(),
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, name, d)
		}
	}
	if n := f.MaxConsecutiveFailures(); n < 0 {
		return fmt.Errorf("%w: maxConsecutiveFailures must not be negative, got %d", ErrInvalidConfig, n)
	}
	if n := f.AlertsPerMinute(); n <= 0 {
		return fmt.Errorf("%w: alertsPerMinute must be positive, got %d", ErrInvalidConfig, n)
	}
	if p := f.Email().SMTPPort; p <= 0 || p > 65535 {
		return fmt.Errorf("%w: email.smtpPort must be between 1 and 65535, got %d", ErrInvalidConfig, p)
	}
	return nil
}

type format int

const (
	formatJSON format = iota
	formatYAML
	formatTOML
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".toml":
		return formatTOML
	default:
		return formatJSON
	}
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using a decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	switch formatOf(f.filepath) {
	case formatYAML:
		err = yaml.Unmarshal(b, &conf)
	case formatTOML:
		err = toml.Unmarshal(b, &conf)
	default:
		err = json.Unmarshal(b, &conf)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	var buf bytes.Buffer
	var err error
	switch formatOf(f.filepath) {
	case formatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		err = enc.Encode(f.c)
		if err == nil {
			err = enc.Close()
		}
	case formatTOML:
		err = toml.NewEncoder(&buf).Encode(f.c)
	default:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		err = enc.Encode(f.c)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config for file %s", f.filepath)
	}

	// The file may hold credentials.
	err = os.WriteFile(f.filepath, buf.Bytes(), 0600)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to write file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	email := f.Email()
	tg := f.Telegram()

	return logrus.Fields{
		"localDebugging":         f.LocalDebugging(),
		"reminderInterval":       f.ReminderInterval().String(),
		"clockDriftThreshold":    f.ClockDriftThreshold().String(),
		"heartbeatInterval":      f.HeartbeatInterval().String(),
		"cancelTimeout":          f.CancelTimeout().String(),
		"maxConsecutiveFailures": f.MaxConsecutiveFailures(),
		"dumpDiagnostics":        f.DumpDiagnostics(),
		"crossValidateSignals":   f.CrossValidateSignals(),
		"pollInterval":           f.PollInterval().String(),
		"alertsPerMinute":        f.AlertsPerMinute(),
		"historyPath":            f.HistoryPath(),
		"allowNonRootAccess":     f.AllowNonRootAccess(),
		"emailEnabled":           email.Enabled(),
		"smtpServer":             email.SMTPServer,
		"smtpPort":               email.SMTPPort,
		"recipientAddress":       email.RecipientAddress,
		"telegramEnabled":        tg.Enabled(),
	}
}
