package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/daemon"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/version"
)

// NewDaemonCommand runs the daemon the systemd unit starts.
func NewDaemonCommand() *cobra.Command {
	opts := daemon.Options{}

	cmd := &cobra.Command{
		Use:     "daemon",
		Hidden:  true,
		Short:   "Run the ttx daemon in the foreground",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			opts.ConfigPath = configPath
			opts.SocketPath = unixSocketPath
			logrus.WithFields(logrus.Fields{
				"version":  version.Version,
				"commit":   version.GitCommit,
				"socket":   opts.SocketPath,
				"simulate": opts.Simulate,
			}).Info("ttx daemon starting")
			return daemon.Run(opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.AllowNonRoot, "always-allow-non-root-access", false,
		"allow non-root users to access the daemon regardless of the config file")
	f.StringVar(&opts.MetricsAddress, "metrics-address", "",
		"serve Prometheus metrics on this TCP address, overrides the config file")
	f.BoolVar(&opts.Simulate, "simulate", false, "drive a simulated chamber instead of real hardware")

	return cmd
}
