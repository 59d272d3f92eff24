package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/config"
	daemonutils "github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/utils/daemon"
)

func NewInstallCommand() *cobra.Command {
	allowNonRoot := false

	cmd := &cobra.Command{
		Use:     "install",
		Short:   "Install ttx as a systemd service",
		GroupID: gInstallation,
		Long: `Install the ttx daemon as a systemd service.

The daemon starts at boot, connects to the chamber and serves the other commands
over a unix socket. Root privileges are required.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if os.Geteuid() != 0 {
				return fmt.Errorf("you need to run this command as root")
			}

			conf, err := config.NewFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if allowNonRoot {
				conf.SetAllowNonRootAccess(true)
			}
			if err := conf.Save(); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			if err := daemonutils.Install(configPath, unixSocketPath); err != nil {
				return fmt.Errorf("failed to install daemon: %w", err)
			}

			logrus.Infof("installed ttx daemon, config %s, socket %s", configPath, unixSocketPath)
			if allowNonRoot {
				cmd.Println("Non-root users can now control ttx without sudo.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRoot, "allow-non-root-access", false, "allow non-root users to access the ttx daemon")

	return cmd
}

func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall",
		Short:   "Uninstall the ttx systemd service",
		GroupID: gInstallation,
		Long:    `Stop and remove the ttx systemd service. The config file is kept.`,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if os.Geteuid() != 0 {
				return fmt.Errorf("you need to run this command as root")
			}
			if err := daemonutils.Uninstall(); err != nil {
				return fmt.Errorf("failed to uninstall daemon: %w", err)
			}
			logrus.Info("uninstalled ttx daemon")
			return nil
		},
	}
}
