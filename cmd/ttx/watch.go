package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/events"
)

func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Follow daemon events until interrupted",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ch, err := apiClient.SubscribeEvents(ctx)
			if err != nil {
				return err
			}
			for ev := range ch {
				printEvent(cmd, ev)
			}
			return nil
		},
	}
}

func printEvent(cmd *cobra.Command, ev events.Event) {
	switch ev.Name {
	case events.CycleCompleted:
		p, err := events.DecodeAs[events.CycleCompletedEvent](ev)
		if err == nil {
			cmd.Println(bold("=== COMPLETED CYCLE #%d ===", p.Count))
			return
		}
	case events.StabilizationProgress:
		p, err := events.DecodeAs[events.StabilizationProgressEvent](ev)
		if err == nil {
			cmd.Printf("%s at %g, target %g (%.0fs/%.0fs)\n", p.Stage, p.Current, p.Target, p.Elapsed, p.Hold)
			return
		}
	case events.TransitionCompleted:
		p, err := events.DecodeAs[events.TransitionCompletedEvent](ev)
		if err == nil {
			cmd.Printf("%s %g -> %g took %.0fs (average %.0fs)\n", p.Direction, p.StartTemp, p.EndTemp, p.Duration, p.Average)
			return
		}
	}
	logrus.WithField("event", ev.Name).Info(string(ev.Data))
}
