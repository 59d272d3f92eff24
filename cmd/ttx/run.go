package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/bus"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/config"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/events"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/session"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/transport"
)

func NewRunCommand() *cobra.Command {
	var (
		low, high, tolerance float64
		hold                 time.Duration
		simulate             bool
	)

	cmd := &cobra.Command{
		Use:     "run",
		GroupID: gBasic,
		Short:   "Cycle the chamber in the foreground without a daemon",
		Long: `Connect to the chamber and cycle it in the foreground until interrupted.

Press Ctrl+C to stop. The chamber is switched off and the number of completed
cycles is printed before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			cfg := conf.SessionConfig()
			if cmd.Flags().Changed("low") {
				cfg.Low = low
			}
			if cmd.Flags().Changed("high") {
				cfg.High = high
			}
			if cmd.Flags().Changed("tolerance") {
				cfg.Tolerance = tolerance
			}
			if cmd.Flags().Changed("hold") {
				cfg.Hold = hold
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var ch bus.Channel
			if simulate {
				ch = bus.NewSimulator(bus.SimulatorOptions{Scale: 1, Rate: 2})
			} else {
				ch, err = bus.NewChannel(config.BusConfig(conf))
				if err != nil {
					return fmt.Errorf("failed to set up GPIB controller: %w", err)
				}
			}

			hub := events.NewEventHub()
			sess := session.New(ch, session.Options{
				Transport: transport.Options{
					Resource:                  conf.Resource(),
					Retries:                   cfg.Retries,
					Timeout:                   cfg.Timeout,
					ExtendedTimeoutMultiplier: cfg.ExtendedTimeoutMultiplier,
				},
				Hub: hub,
			})

			sub := hub.Subscribe(events.CyclingState, events.StabilizationProgress, events.TransitionCompleted, events.CycleCompleted)
			defer hub.Unsubscribe(sub)
			go func() {
				for ev := range sub.C {
					printRunEvent(cmd, ev)
				}
			}()

			sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			connectCtx, cancel := context.WithTimeout(sigCtx, time.Minute)
			err = sess.Connect(connectCtx)
			cancel()
			if err != nil {
				return err
			}
			st := sess.Status()
			logrus.WithField("identity", st.Identity).Info("connected to chamber")

			if err := sess.StartCycling(cfg); err != nil {
				return err
			}
			cmd.Printf("Cycling between %s and %s, holding %s within ±%g. Press Ctrl+C to stop.\n",
				bold("%g", cfg.Low), bold("%g", cfg.High), cfg.Hold, cfg.Tolerance)

			var runErr error
			select {
			case <-sigCtx.Done():
				cmd.Println("\nStopping, turning the chamber off...")
			case <-sess.Done():
				runErr = sess.Err()
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := sess.Shutdown(shutdownCtx); err != nil {
				logrus.Errorf("chamber shutdown incomplete: %v", err)
			}

			cmd.Println(bold("Completed cycles: %d", sess.CycleCount()))
			return runErr
		},
	}

	f := cmd.Flags()
	f.Float64Var(&low, "low", 0, "low setpoint, overrides the config file")
	f.Float64Var(&high, "high", 0, "high setpoint, overrides the config file")
	f.Float64Var(&tolerance, "tolerance", 0, "stabilization tolerance, overrides the config file")
	f.DurationVar(&hold, "hold", 0, "hold time at each setpoint (e.g. 30m), overrides the config file")
	f.BoolVar(&simulate, "simulate", false, "cycle a simulated chamber instead of real hardware")

	return cmd
}

// printRunEvent prints the events worth seeing during a foreground run.
func printRunEvent(cmd *cobra.Command, ev events.Event) {
	switch ev.Name {
	case events.CycleCompleted, events.TransitionCompleted:
		printEvent(cmd, ev)
	case events.CyclingState:
		p, err := events.DecodeAs[events.CyclingStateEvent](ev)
		if err != nil {
			return
		}
		if p.Error != "" {
			logrus.WithField("state", p.To).Error(p.Error)
			return
		}
		logrus.WithFields(logrus.Fields{"phase": p.Phase, "target": p.Target}).Info(p.To)
	case events.StabilizationProgress:
		p, err := events.DecodeAs[events.StabilizationProgressEvent](ev)
		if err != nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"stage":     p.Stage,
			"current":   p.Current,
			"target":    p.Target,
			"remaining": time.Duration(p.Remaining * float64(time.Second)).Round(time.Second),
		}).Info("stabilization")
	}
}
