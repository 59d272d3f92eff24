package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/daemon"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewConnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "connect",
		Short:   "Connect the daemon to the chamber",
		GroupID: gBasic,
		Long: `Connect the daemon to the chamber.

Opens the GPIB link, reads the temperature scaling exponent and the instrument identity. The daemon does this on its own at startup, so this is only needed after the chamber was unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.Connect()
			if err != nil {
				return err
			}
			cmd.Printf("connected to %s\n", st.Identity)
			if st.CurrentTemp != nil {
				cmd.Printf("current temperature: %g\n", *st.CurrentTemp)
			}
			return nil
		},
	}
}

func NewStartCommand() *cobra.Command {
	var (
		low, high, tolerance float64
		hold                 time.Duration
	)

	cmd := &cobra.Command{
		Use:     "start",
		Short:   "Start temperature cycling",
		GroupID: gBasic,
		Long: `Start temperature cycling on the daemon.

The configured setpoints, hold time and tolerance are used unless overridden with flags. Overrides apply to this run only; use "ttx setpoints", "ttx hold" and "ttx tolerance" to change the configuration.`,
		Example: `  ttx start
  ttx start --low -40 --high 85 --hold 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req daemon.StartRequest
			f := cmd.Flags()
			if f.Changed("low") {
				req.Low = &low
			}
			if f.Changed("high") {
				req.High = &high
			}
			if f.Changed("tolerance") {
				req.Tolerance = &tolerance
			}
			if f.Changed("hold") {
				seconds := int(hold / time.Second)
				req.HoldSeconds = &seconds
			}

			ret, err := apiClient.StartCycling(req)
			if err != nil {
				return fmt.Errorf("failed to start cycling: %w", err)
			}
			logResponse(ret)
			logrus.Info(`check progress with "ttx status" or "ttx watch"`)
			return nil
		},
	}

	f := cmd.Flags()
	f.Float64Var(&low, "low", 0, "low setpoint")
	f.Float64Var(&high, "high", 0, "high setpoint")
	f.Float64Var(&tolerance, "tolerance", 0, "stabilization tolerance in degrees")
	f.DurationVar(&hold, "hold", 0, "hold time at each setpoint, e.g. 10m")

	return cmd
}

func NewStopCommand() *cobra.Command {
	return simpleCommand("stop", "Stop temperature cycling", `Stop temperature cycling.

The running cycle is abandoned, not finished, and the chamber is turned off.`, gBasic, func() (string, error) {
		return apiClient.StopCycling()
	})
}

func NewResetCountCommand() *cobra.Command {
	return simpleCommand("reset-count", "Reset the completed cycle count", "", gBasic, func() (string, error) {
		return apiClient.ResetCycleCount()
	})
}

func NewSetpointsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "setpoints LOW HIGH",
		Short:   "Set the low and high setpoints",
		GroupID: gBasic,
		Long: `Set the low and high setpoints used by the next run.

LOW must be below HIGH. Values are in the chamber's display unit.`,
		Example: `  ttx setpoints 32 140
  ttx setpoints -- -40 85`,
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			low, err := parseFloatArg(args[0], "low setpoint")
			if err != nil {
				return err
			}
			high, err := parseFloatArg(args[1], "high setpoint")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetSetpoints(low, high)
			if err != nil {
				return fmt.Errorf("failed to set setpoints: %w", err)
			}
			logResponse(ret)
			return nil
		},
	}
}

func NewHoldCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "hold SECONDS",
		Short:   "Set the hold time at each setpoint",
		GroupID: gBasic,
		Long: `Set how long the temperature must stay within tolerance of a setpoint before the cycle moves on.

Leaving the tolerance band restarts the hold.`,
		Example: `  ttx hold 600`,
		RunE: func(_ *cobra.Command, args []string) error {
			seconds, err := parseIntArg(args, "hold time")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetHold(time.Duration(seconds) * time.Second)
			if err != nil {
				return fmt.Errorf("failed to set hold time: %w", err)
			}
			logResponse(ret)
			return nil
		},
	}
}

func NewToleranceCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "tolerance DEG",
		Short:   "Set the stabilization tolerance",
		GroupID: gBasic,
		Example: `  ttx tolerance 2.5`,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			tol, err := parseFloatArg(args[0], "tolerance")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetTolerance(tol)
			if err != nil {
				return fmt.Errorf("failed to set tolerance: %w", err)
			}
			logResponse(ret)
			return nil
		},
	}
}
