package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/powerwatch/pkg/config"
	daemonutils "github.com/charlie0129/powerwatch/pkg/utils/daemon"
)

var gInstallation = "Installation:"

func init() {
	commandGroups = append(commandGroups, gInstallation)
}

func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false

	cmd := &cobra.Command{
		Use:     "install",
		Short:   "Install powerwatch as a systemd service",
		GroupID: gInstallation,
		Long: `Install powerwatch daemon as a systemd service (system-wide).

This makes powerwatch run in the background and start on boot. You must run this command as root.

By default, only root is allowed to access the daemon. Use --allow-non-root-access to let other users query status and history without sudo.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the powerwatch daemon.")
			} else {
				logrus.Info("only root user is allowed to access the powerwatch daemon.")
			}

			// Write the config first, so the service starts with it.
			if err := conf.Save(); err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			err = daemonutils.Install(cmd.Context(), daemonutils.UnitOptions{
				ConfigPath:         configPath,
				SocketPath:         unixSocketPath,
				AllowNonRootAccess: allowNonRootAccess,
			})
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %w", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("systemd will use the current binary (%s) at startup, so please do not move it. If it is moved or deleted, run `powerwatch install' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access powerwatch daemon.")

	return cmd
}

func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall",
		Short:   "Uninstall the powerwatch systemd service",
		GroupID: gInstallation,
		Long: `Stop powerwatch and remove its systemd service.

You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := daemonutils.Uninstall(cmd.Context()); err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %w", err)
			}

			cmd.Println("successfully uninstalled")
			cmd.Printf("Your config is kept in %s, in case you want to use `powerwatch' again. For a complete uninstall, remove the config file and the binary manually.\n", configPath)

			return nil
		},
	}
}
