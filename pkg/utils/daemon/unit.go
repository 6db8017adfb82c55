// Package daemon installs powerwatch as a systemd service.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	UnitName = "powerwatch.service"
	unitDir  = "/etc/systemd/system"
)

var ErrUnsupported = errors.New("service installation is only supported on linux with systemd")

var unitPath = filepath.Join(unitDir, UnitName)

const unitTemplate = `[Unit]
Description=powerwatch host power and clock alerts
Documentation=https://github.com/charlie0129/powerwatch
Wants=network-online.target
After=network-online.target

[Service]
Type=notify
ExecStart={{exe}} daemon --config {{config}} --daemon-socket {{socket}}{{extra}}
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
TimeoutStopSec=30s

[Install]
WantedBy=multi-user.target
`

// UnitOptions are the values substituted into the unit file.
type UnitOptions struct {
	Executable         string
	ConfigPath         string
	SocketPath         string
	AllowNonRootAccess bool
}

// RenderUnit returns the unit file for o. Paths are quoted for systemd.
func RenderUnit(o UnitOptions) string {
	extra := ""
	if o.AllowNonRootAccess {
		extra = " --always-allow-non-root-access"
	}
	return strings.NewReplacer(
		"{{exe}}", quote(o.Executable),
		"{{config}}", quote(o.ConfigPath),
		"{{socket}}", quote(o.SocketPath),
		"{{extra}}", extra,
	).Replace(unitTemplate)
}

func quote(s string) string {
	if strings.ContainsAny(s, " \t\"'\\") {
		return strconv.Quote(s)
	}
	return s
}

// executable returns the absolute path of the running binary, made
// executable by everyone.
func executable() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return "", fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}
	if err := os.Chmod(exePath, 0755); err != nil {
		return "", fmt.Errorf("failed to chmod the current executable to 0755: %w", err)
	}
	return exePath, nil
}
