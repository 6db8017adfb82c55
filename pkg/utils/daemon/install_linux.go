//go:build linux

package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/sirupsen/logrus"
)

// Install writes the unit file, enables it and (re)starts the service.
func Install(ctx context.Context, o UnitOptions) error {
	exePath, err := executable()
	if err != nil {
		return err
	}
	o.Executable = exePath
	logrus.Infof("current executable path: %s", exePath)

	if _, err := os.Stat(unitPath); err == nil {
		logrus.Warnf("%s already exists, overwriting it", unitPath)
	}

	logrus.Infof("writing systemd unit to %s", unitPath)
	if err := os.MkdirAll(unitDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", unitDir, err)
	}
	if err := os.WriteFile(unitPath, []byte(RenderUnit(o)), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", unitPath, err)
	}

	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{UnitName}, false, true); err != nil {
		return fmt.Errorf("failed to enable %s: %w", UnitName, err)
	}

	logrus.Infof("starting powerwatch")

	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, UnitName, "replace", done); err != nil {
		return fmt.Errorf("failed to start %s: %w", UnitName, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("starting %s finished with %q, see 'journalctl -u %s'", UnitName, res, UnitName)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Uninstall stops and disables the service and removes the unit file.
func Uninstall(ctx context.Context) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	logrus.Infof("stopping powerwatch")

	done := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, UnitName, "replace", done); err != nil {
		logrus.Warnf("failed to stop %s: %v", UnitName, err)
	} else {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := conn.DisableUnitFilesContext(ctx, []string{UnitName}, false); err != nil {
		logrus.Warnf("failed to disable %s: %v", UnitName, err)
	}

	logrus.Infof("removing systemd unit")

	// if the file doesn't exist, we don't need to remove it
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w. Are you root?", unitPath, err)
	}

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	return nil
}
