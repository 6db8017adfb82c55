package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/powerwatch/pkg/config"
	"github.com/charlie0129/powerwatch/pkg/events"
	"github.com/charlie0129/powerwatch/pkg/power"
)

func NewSignalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "signal",
		Short:   "Deliver a host signal to the daemon",
		GroupID: gAdvanced,
		Long: `Deliver a host signal to the daemon.

Use these from platform hooks (udev rules, ACPI scripts, NetworkManager
dispatchers) that learn about power or clock changes before the daemon's own
polling does.`,
	}

	powerCmd := &cobra.Command{
		Use:         "power [wall|battery]",
		Short:       "Report a power source change",
		Args:        cobra.ExactArgs(1),
		Annotations: talksToDaemon,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parsePowerArg(args[0])
			if err != nil {
				return err
			}
			ret, err := newClient().SetPowerSource(cmd.Context(), src)
			if err != nil {
				return fmt.Errorf("failed to report power source: %w", err)
			}
			logrus.Infof("daemon responded: %s", ret)
			return nil
		},
	}

	cmd.AddCommand(
		powerCmd,
		newActionCommand("clock", "Report a wall clock change",
			`Report that the wall clock was changed. The daemon alerts if the change is significant.`, "",
			func(cmd *cobra.Command) (string, error) {
				return newClient().NotifyClockChanged(cmd.Context())
			}),
		newActionCommand("shutdown", "Report that the host is shutting down",
			`Report that the host is shutting down. The daemon sends a best-effort shutdown notice.`, "",
			func(cmd *cobra.Command) (string, error) {
				return newClient().NotifyHostShutdown(cmd.Context())
			}),
	)

	return cmd
}

func parsePowerArg(arg string) (power.Source, error) {
	src, err := power.ParseSource(arg)
	if err != nil {
		return power.Unknown, err
	}
	if src == power.Unknown {
		return power.Unknown, fmt.Errorf("power source must be wall or battery, got %q", arg)
	}
	return src, nil
}

func NewPauseCommand() *cobra.Command {
	return newActionCommand("pause", "Pause alerts",
		`Pause alerts. Running reminders are cancelled and power signals are ignored until 'continue'.`, gAdvanced,
		func(cmd *cobra.Command) (string, error) {
			return newClient().Pause(cmd.Context())
		})
}

func NewContinueCommand() *cobra.Command {
	return newActionCommand("continue", "Continue paused alerts",
		`Continue paused alerts. If the host is on battery, reminders start again.`, gAdvanced,
		func(cmd *cobra.Command) (string, error) {
			return newClient().Continue(cmd.Context())
		})
}

func NewEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "events",
		Short:       "Stream daemon events",
		Long:        "Stream daemon events until interrupted.\n\nEvents: " + strings.Join(eventNames, ", "),
		GroupID:     gAdvanced,
		Args:        cobra.NoArgs,
		Annotations: talksToDaemon,
		RunE: func(cmd *cobra.Command, _ []string) error {
			evs, errc, err := newClient().SubscribeEvents(cmd.Context())
			if err != nil {
				return err
			}
			for ev := range evs {
				cmd.Printf("%s %s\n", bold("%-18s", ev.Name), string(ev.Data))
			}
			if err := <-errc; err != nil {
				return fmt.Errorf("event stream broke: %w", err)
			}
			logrus.Info("daemon closed the event stream")
			return nil
		},
	}
}

// eventNames lists what 'events' may print.
var eventNames = []string{
	events.PowerChanged,
	events.ClockChanged,
	events.ReminderSent,
	events.Heartbeat,
	events.HostShutdown,
	events.ManagerState,
	events.NotificationSent,
}

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Manage the configuration file",
		GroupID: gAdvanced,
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with all defaults",
		Long: `Write a config file with all defaults to the path given by --config.

The format follows the file extension: .json, .yaml/.yml or .toml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite it", configPath)
			}
			f := config.NewFileFromConfig(nil, configPath)
			if err := f.Save(); err != nil {
				return err
			}
			cmd.Printf("wrote default config to %s\n", configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := config.NewFile(configPath)
			if err != nil {
				return err
			}
			if err := f.Validate(); err != nil {
				return err
			}
			logrus.WithFields(f.LogrusFields()).Info("config is valid")
			return nil
		},
	}

	cmd.AddCommand(initCmd, checkCmd)

	return cmd
}
