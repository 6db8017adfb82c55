package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/powerwatch/pkg/daemon"
	"github.com/charlie0129/powerwatch/pkg/version"
)

func NewDaemonCommand() *cobra.Command {
	var allowNonRoot bool

	cmd := &cobra.Command{
		Use:     "daemon",
		Short:   "Run the powerwatch daemon in the foreground",
		GroupID: gAdvanced,
		Long: `Run the powerwatch daemon in the foreground.

The daemon watches the power source and the wall clock, sends alerts through
the configured channels and serves the control API on the daemon socket.
It is normally started by systemd, see "powerwatch install".`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			logrus.WithFields(logrus.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
				"pid":     os.Getpid(),
				"config":  configPath,
				"socket":  unixSocketPath,
			}).Info("powerwatch daemon starting")

			if os.Geteuid() != 0 {
				logrus.Warn("not running as root, host shutdown notices may be cut short and the default socket path may not be writable")
			}
			return daemon.Run(configPath, unixSocketPath, allowNonRoot)
		},
	}

	cmd.Flags().BoolVar(&allowNonRoot, "always-allow-non-root-access", false,
		"let non-root users use the daemon socket regardless of the config")

	return cmd
}
