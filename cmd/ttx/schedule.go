package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/daemon"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the cycling schedule",
		Long: `Manage the cycling schedule.

A scheduled run starts cycling with the configured setpoints if the chamber is connected and no run is active.

The schedule command can be used in multiple ways:
  ttx schedule 'minute hour day month weekday' Set schedule with cron expression
  ttx schedule disable                         Disable the schedule
  ttx schedule postpone [duration]             Postpone next run
  ttx schedule skip                            Skip next run
  ttx schedule show                            Show current schedule`,
		Example: `  ttx schedule '0 8 * * 1-5' (At 08:00 on weekdays)
  ttx schedule '@daily'      (Every day at midnight)`,
		GroupID: gSchedule,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "disable",
			Short: "Disable the cycling schedule",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runScheduleDisable(cmd)
			},
		},
		newSchedulePostponeCommand(),
		&cobra.Command{
			Use:   "skip",
			Short: "Skip the next scheduled run",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runScheduleSkip(cmd)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the cycling schedule and next run times",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runScheduleShow(cmd)
			},
		},
	)

	return cmd
}

func newSchedulePostponeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled run",
		Example: `  ttx schedule postpone      (Postpone by 1 hour)
  ttx schedule postpone 90m  (Postpone by 90 minutes)`,
		Long: `Postpone the next scheduled run by a duration, 1 hour by default.
The postponed run must still come before the run after it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			return runSchedulePostpone(cmd, d)
		},
	}
}

func printNextRuns(cmd *cobra.Command, st *daemon.ScheduleStatus) {
	cmd.Printf("Next %d run(s):\n", len(st.NextRuns))
	for _, run := range st.NextRuns {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	st, err := apiClient.SetSchedule(cronExpr)
	if err != nil {
		return err
	}
	cmd.Printf("Cycling scheduled (%s). ", st.Expression)
	printNextRuns(cmd, st)
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.SetSchedule(""); err != nil {
		return err
	}
	cmd.Println("Cycling schedule disabled.")
	return nil
}

func runSchedulePostpone(cmd *cobra.Command, d time.Duration) error {
	st, err := apiClient.PostponeSchedule(d)
	if err != nil {
		return err
	}
	cmd.Printf("Next run postponed by %s. ", d)
	printNextRuns(cmd, st)
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	st, err := apiClient.SkipSchedule()
	if err != nil {
		return err
	}
	cmd.Print("Next scheduled run skipped. ")
	printNextRuns(cmd, st)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if st.Expression == "" {
		cmd.Println("Cycling schedule is not set.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", st.Expression)
	printNextRuns(cmd, st)
	return nil
}
