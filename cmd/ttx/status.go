package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/config"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/cycling"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/daemon"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/session"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/transport"
)

type statusData struct {
	Status   *session.Status        `json:"status"`
	Config   *config.RawFileConfig  `json:"config"`
	Schedule *daemon.ScheduleStatus `json:"schedule,omitempty"`
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	st, err := apiClient.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	sched, err := apiClient.GetSchedule()
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	return &statusData{Status: st, Config: conf, Schedule: sched}, nil
}

func NewStatusCommand() *cobra.Command {
	asJSON := false

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the chamber and the cycling run",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchStatusData()
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(data, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			printStatus(cmd, data)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")

	return cmd
}

func printStatus(cmd *cobra.Command, data *statusData) {
	st := data.Status
	conf := config.NewFileFromConfig(data.Config, "")

	cmd.Println(bold("Chamber:"))
	cmd.Printf("  Connected: %s (%s)\n", bool2Text(st.Connected), connectionText(st.Connection))
	if st.Identity != "" {
		cmd.Printf("  Identity: %s\n", st.Identity)
	}
	if st.ScalingExponent != nil {
		cmd.Printf("  Scaling exponent: %d\n", *st.ScalingExponent)
	}
	if st.CurrentTemp != nil {
		line := fmt.Sprintf("  Temperature: %s", bold("%g", *st.CurrentTemp))
		if st.ReadingAt != nil {
			line += fmt.Sprintf(" (read %s ago)", time.Since(*st.ReadingAt).Round(time.Second))
		}
		cmd.Println(line)
	}
	if st.LastError != "" {
		cmd.Printf("  Last error: %s\n", color.RedString(st.LastError))
	}
	cmd.Println()

	cmd.Println(bold("Cycling:"))
	cmd.Printf("  State: %s\n", stateText(st.CyclingState))
	cmd.Printf("  Completed cycles: %s\n", bold("%d", st.CycleCount))
	if st.TargetTemp != nil {
		cmd.Printf("  Phase: %s, target %g\n", st.CurrentPhase, *st.TargetTemp)
	}
	if s := st.Stabilization; s != nil {
		if s.Stage == cycling.StageHolding || s.Stage == cycling.StageStabilized {
			cmd.Printf("  Holding at %g - Time %s/%s (Remaining %s)\n",
				s.Current, cycling.FormatClock(s.Elapsed), cycling.FormatClock(s.Hold), cycling.FormatClock(s.Remaining()))
		} else {
			cmd.Printf("  Waiting for %g ± %g, currently %g\n", s.Target, s.Tolerance, s.Current)
		}
	}
	if a := st.ActiveTransition; a != nil {
		cmd.Printf("  %s from %g to %g for %s\n", directionText(a.Direction), a.StartTemp, a.Target, cycling.FormatClock(a.Elapsed))
	}
	cmd.Println()

	cmd.Println(bold("Transitions:"))
	printDirection(cmd, cycling.Heating, st.Transitions.Heating)
	printDirection(cmd, cycling.Cooling, st.Transitions.Cooling)
	cmd.Println()

	cmd.Println(bold("Configuration:"))
	cmd.Printf("  Setpoints: %s / %s\n", bold("%g", conf.LowSetpoint()), bold("%g", conf.HighSetpoint()))
	cmd.Printf("  Tolerance: %g\n", conf.Tolerance())
	cmd.Printf("  Hold: %s\n", conf.Hold())
	cmd.Printf("  Resource: %s via %s %s\n", conf.Resource(), conf.Controller().Kind, conf.Controller().Address)
	if data.Schedule != nil && data.Schedule.Expression != "" {
		cmd.Printf("  Schedule: %s", data.Schedule.Expression)
		if len(data.Schedule.NextRuns) > 0 {
			cmd.Printf(" (next run %s)", data.Schedule.NextRuns[0].Local().Format(time.DateTime))
		}
		cmd.Println()
	}
	if st.CyclingState.Running() && st.Config != nil && (st.Config.Low != conf.LowSetpoint() || st.Config.High != conf.HighSetpoint()) {
		cmd.Printf("  The running cycle uses %g / %g.\n", st.Config.Low, st.Config.High)
	}
}

func printDirection(cmd *cobra.Command, d cycling.Direction, s cycling.DirectionSummary) {
	if s.Count == 0 {
		cmd.Printf("  %s: none yet\n", directionText(d))
		return
	}
	line := fmt.Sprintf("  %s: %d recorded, average %s", directionText(d), s.Count, cycling.FormatClock(s.Average))
	if s.Last != nil {
		line += fmt.Sprintf(", last %s", cycling.FormatClock(s.Last.Duration))
	}
	cmd.Println(line)
}

func connectionText(c transport.ConnectionState) string {
	switch c.State {
	case transport.StateConnected:
		return color.GreenString(c.State.String())
	case transport.StateDegraded:
		return color.YellowString("%s, %d consecutive failures", c.State, c.ConsecutiveFailures)
	default:
		return color.RedString(c.State.String())
	}
}

func stateText(s cycling.State) string {
	switch {
	case s == cycling.StateFailed:
		return color.RedString(s.String())
	case s.Running():
		return color.GreenString(s.String())
	default:
		return s.String()
	}
}

func directionText(d cycling.Direction) string {
	if d == cycling.Heating {
		return color.RedString("Heating")
	}
	return color.CyanString("Cooling")
}
