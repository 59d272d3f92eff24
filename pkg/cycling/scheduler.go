package cycling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Counter counts completed cycles. It only goes up unless reset.
type Counter struct {
	n atomic.Int64
}

// Inc adds one completed cycle and returns the new count.
func (c *Counter) Inc() int64 {
	return c.n.Add(1)
}

// Value returns the count.
func (c *Counter) Value() int64 {
	return c.n.Load()
}

// Reset sets the count back to zero.
func (c *Counter) Reset() {
	c.n.Store(0)
}

// Scheduler runs the low, high, low, ... setpoint sequence until ctx is
// cancelled or the link fails for good. The chamber is powered off exactly
// once on every exit path.
type Scheduler struct {
	ch      Chamber
	rc      Reconnector
	cfg     Config
	counter *Counter
	timer   *TransitionTimer
	hooks   *Hooks
	monitor *Monitor

	mu     sync.RWMutex
	state  State
	phase  Phase
	target float64

	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler returns an idle scheduler. counter and timer are shared with the
// owner so they survive across runs.
func NewScheduler(ch Chamber, rc Reconnector, cfg Config, counter *Counter, timer *TransitionTimer, hooks *Hooks) *Scheduler {
	if counter == nil {
		counter = &Counter{}
	}
	if timer == nil {
		timer = NewTransitionTimer(DefaultMaxRecordCount)
	}
	s := &Scheduler{
		ch:      ch,
		rc:      rc,
		cfg:     cfg,
		counter: counter,
		timer:   timer,
		hooks:   hooks,
		monitor: NewMonitor(ch, rc, cfg, hooks),
	}
	s.sleep = func(ctx context.Context, d time.Duration) error { return s.monitor.sleep(ctx, d) }
	return s
}

// State returns the run state, the current phase and its target.
func (s *Scheduler) State() (State, Phase, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.phase, s.target
}

// Stabilization returns the monitor's snapshot of the current phase.
func (s *Scheduler) Stabilization() (StabilizationState, bool) {
	st, _, target := s.State()
	if st != StateWaitingStabilization {
		return StabilizationState{}, false
	}
	// The monitor still holds the previous phase until Wait starts.
	stab, ok := s.monitor.State()
	if !ok || stab.Target != target {
		return StabilizationState{}, false
	}
	return stab, true
}

func (s *Scheduler) setState(st State, p Phase, target float64) {
	s.setStateErr(st, p, target, nil)
}

func (s *Scheduler) setStateErr(st State, p Phase, target float64, err error) {
	s.mu.Lock()
	s.state = st
	s.phase = p
	s.target = target
	s.mu.Unlock()
	s.hooks.state(st, p, target, err)
}

// Run blocks until the run ends. It returns nil when stopped through ctx and
// the terminal error otherwise.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"low":       s.cfg.Low,
		"high":      s.cfg.High,
		"tolerance": s.cfg.Tolerance,
		"hold":      s.cfg.Hold,
		"cycles":    s.counter.Value(),
	}).Info("starting temperature cycling")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycling panicked: %v", r)
		}
		s.shutdown(err)
	}()

	s.setState(StateTurningOn, PhaseNone, 0)
	if err := s.ch.PowerOn(ctx); err != nil {
		return s.result(ctx, fmt.Errorf("turn chamber on: %w", err))
	}
	if err := s.sleep(ctx, s.cfg.PowerOnSettle); err != nil {
		return s.result(ctx, err)
	}

	steps := [...]struct {
		phase  Phase
		target float64
	}{
		{PhaseLow, s.cfg.Low},
		{PhaseHigh, s.cfg.High},
	}
	for {
		for _, step := range steps {
			if err := ctx.Err(); err != nil {
				return s.result(ctx, err)
			}

			logrus.WithField("phase", step.phase).Infof("--- setting temperature to %g ---", step.target)
			s.setState(StateSettingSetpoint, step.phase, step.target)
			if err := s.setSetpoint(ctx, step.target); err != nil {
				return s.result(ctx, err)
			}

			s.setState(StateWaitingStabilization, step.phase, step.target)
			if err := s.monitor.Wait(ctx, step.target, s.timer); err != nil {
				return s.result(ctx, err)
			}
			logrus.WithField("phase", step.phase).Infof("temperature cycle at %g completed", step.target)

			if step.phase == PhaseHigh {
				n := s.counter.Inc()
				logrus.Infof("=== COMPLETED CYCLE #%d ===", n)
				s.hooks.cycle(n)
			}
		}
	}
}

// setSetpoint writes target, reconnecting once on failure.
func (s *Scheduler) setSetpoint(ctx context.Context, target float64) error {
	err := s.ch.SetSetpoint(ctx, target)
	if err == nil || ctx.Err() != nil || s.rc == nil {
		return err
	}

	logrus.WithError(err).Warn("failed to set temperature, reconnecting")
	if rerr := s.rc.Reconnect(ctx); rerr != nil {
		return fmt.Errorf("set temperature %g: %w", target, rerr)
	}
	if err := s.ch.SetSetpoint(ctx, target); err != nil {
		return fmt.Errorf("set temperature %g after reconnect: %w", target, err)
	}
	return nil
}

// result maps a terminal error to the run outcome. Cancellation is a
// requested stop and not an error.
func (s *Scheduler) result(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil
	}
	return err
}

// shutdown powers the chamber off on a context detached from the run.
func (s *Scheduler) shutdown(runErr error) {
	_, phase, target := s.State()
	s.setState(StateStopping, phase, target)

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log := logrus.WithField("cycles", s.counter.Value())
	if err := s.ch.PowerOff(ctx); err != nil {
		log.WithError(err).Error("could not confirm chamber was turned off")
	} else {
		log.Info("chamber turned off")
	}

	if runErr != nil {
		log.WithError(runErr).Error("temperature cycling failed")
		s.setStateErr(StateFailed, PhaseNone, 0, runErr)
		return
	}
	log.Info("temperature cycling stopped")
	s.setState(StateStopped, PhaseNone, 0)
}
