package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/charlie0129/powerwatch/pkg/client"
	"github.com/charlie0129/powerwatch/pkg/version"
)

var (
	logLevel       = "info"
	unixSocketPath = "/run/powerwatch.sock"
	configPath     = "/etc/powerwatch.yaml"
)

var (
	gBasic        = "Basic:"
	gAdvanced     = "Advanced:"
	commandGroups = []string{
		gBasic,
		gAdvanced,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.DateTime,
		})
	}

	return nil
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: powerwatch daemon is not running")
		fmt.Fprintln(os.Stderr, "Is the daemon running? Check 'systemctl status powerwatch'.")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or run the daemon with '--always-allow-non-root-access' to grant permissions to your user")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.NewClient(unixSocketPath)
}

// checkVersion warns when the daemon runs a different build than the CLI.
func checkVersion(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	daemonVersion, err := newClient().GetVersion(ctx)
	if err != nil {
		logrus.WithError(err).Debug("failed to get daemon version")
		return
	}
	if daemonVersion != version.Version {
		logrus.WithFields(logrus.Fields{
			"clientVersion": version.Version,
			"daemonVersion": daemonVersion,
		}).Warn("Version mismatch between client and daemon. Restart the daemon after upgrading.")
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "powerwatch",
		Short: "powerwatch alerts you when a host loses wall power or its clock jumps",
		Long: `powerwatch alerts you when a host loses wall power or its clock jumps.

It runs as a daemon that sends an email or Telegram message when the host
switches to battery, keeps reminding you while it stays on battery, and
reports significant wall clock changes and host shutdowns.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := setupLogger(); err != nil {
				return err
			}
			if cmd.Annotations["talksToDaemon"] == "true" {
				checkVersion(cmd.Context())
			}
			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path (.json, .yaml or .toml)")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "powerwatch daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewStatusCommand(),
		NewHistoryCommand(),
		NewTestNotificationCommand(),
		NewSignalCommand(),
		NewPauseCommand(),
		NewContinueCommand(),
		NewEventsCommand(),
		NewConfigCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
