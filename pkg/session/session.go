// Package session owns the instrument link and the cycling worker of one
// chamber and exposes them to the daemon and the CLI.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/bus"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/chamber"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/cycling"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/events"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/metrics"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/transport"
)

// Options configures a Session.
type Options struct {
	Transport transport.Options
	Hub       *events.EventHub
	Recorder  metrics.Recorder

	// StatusInterval is the cadence of RunStatusPoller.
	StatusInterval time.Duration
	// ShutdownWait bounds how long Shutdown waits for the worker.
	ShutdownWait time.Duration
	// MaxTransitionRecords bounds each direction's transition history.
	MaxTransitionRecords int
}

// Session owns all mutable state of one chamber: the link, the cycle counter,
// the transition history and the cycling worker.
type Session struct {
	tc      *transport.Client
	chamber *chamber.Chamber
	hub     *events.EventHub
	rec     metrics.Recorder
	opts    Options

	counter cycling.Counter
	timer   *cycling.TransitionTimer

	mu           sync.Mutex
	handshaken   bool
	cfg          *Config
	sched        *cycling.Scheduler
	cancel       context.CancelFunc
	done         chan struct{}
	runErr       error
	lastState    cycling.State
	lastConnName string
}

// New returns a disconnected session on ch.
func New(ch bus.Channel, opts Options) *Session {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 2 * time.Second
	}
	if opts.ShutdownWait <= 0 {
		opts.ShutdownWait = 10 * time.Second
	}
	opts.Recorder = metrics.OrNoop(opts.Recorder)
	opts.Transport.Recorder = opts.Recorder

	tc := transport.New(ch, opts.Transport)
	s := &Session{
		tc:      tc,
		chamber: chamber.New(tc),
		hub:     opts.Hub,
		rec:     opts.Recorder,
		opts:    opts,
		timer:   cycling.NewTransitionTimer(opts.MaxTransitionRecords),
	}
	done := make(chan struct{})
	close(done)
	s.done = done

	tc.SetVerifier(func(ctx context.Context) error {
		_, err := s.chamber.LoadScale(ctx)
		return err
	})
	return s
}

// Connect opens the link and performs the handshake: scaling exponent,
// identity and a baseline temperature read. Only the first two are fatal.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	running := s.runningLocked()
	s.mu.Unlock()
	if running {
		return ErrAlreadyRunning
	}

	if err := s.tc.Open(ctx); err != nil {
		return s.connectFailed("open", err)
	}
	scale, err := s.chamber.LoadScale(ctx)
	if err != nil {
		return s.connectFailed("scale", err)
	}
	identity, err := s.tc.Identify(ctx)
	if err != nil {
		return s.connectFailed("identify", err)
	}

	log := logrus.WithFields(logrus.Fields{
		"identity": identity,
		"scale":    scale,
	})
	if r, err := s.chamber.Temperature(ctx); err != nil {
		log.WithError(err).Warn("baseline temperature read failed")
	} else {
		s.rec.SetTemperature(r.Value)
		log = log.WithField("temperature", r.Value)
	}
	log.Info("connected to chamber")

	s.mu.Lock()
	s.handshaken = true
	s.mu.Unlock()
	s.publishConnection()
	return nil
}

func (s *Session) connectFailed(step string, err error) error {
	if step != "open" {
		if cerr := s.tc.Close(); cerr != nil {
			logrus.WithError(cerr).Debug("closing channel after failed handshake")
		}
	}
	s.chamber.ForgetScale()
	s.publishConnection()
	return &ConnectError{Step: step, Err: err}
}

// Connected reports whether the handshake succeeded and the link is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	handshaken := s.handshaken
	s.mu.Unlock()
	return handshaken && s.tc.State().Connected()
}

// StartCycling starts the cycling worker with cfg. It returns
// ErrAlreadyRunning or ErrNotConnected without side effects.
func (s *Session) StartCycling(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !s.Connected() {
		return ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningLocked() {
		return ErrAlreadyRunning
	}
	if err := s.tc.SetPolicy(cfg.Retries, cfg.Timeout, cfg.ExtendedTimeoutMultiplier); err != nil {
		return err
	}

	sched := cycling.NewScheduler(s.chamber, s.tc, cfg.Config, &s.counter, s.timer, s.hooks())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c := cfg
	s.cfg = &c
	s.sched = sched
	s.cancel = cancel
	s.done = done
	s.runErr = nil

	go func() {
		defer close(done)
		defer cancel()
		err := sched.Run(ctx)

		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()

		if err != nil {
			s.rec.IncRunOutcome("failed")
			return
		}
		s.rec.IncRunOutcome("stopped")
	}()
	return nil
}

// StopCycling asks the worker to stop and returns immediately.
func (s *Session) StopCycling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil && s.runningLocked() {
		logrus.Info("stop requested, stopping temperature cycling")
		s.cancel()
	}
}

// Running reports whether a cycling worker is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Session) runningLocked() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done is closed when the current or last run has ended.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the terminal error of the last run, nil when it was stopped.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// ResetCycleCount sets the cycle counter back to zero.
func (s *Session) ResetCycleCount() {
	s.counter.Reset()
	logrus.Info("cycle count reset")
}

// CycleCount returns the number of completed cycles.
func (s *Session) CycleCount() int64 {
	return s.counter.Value()
}

// Transitions returns the recorded transitions per direction.
func (s *Session) Transitions() map[cycling.Direction][]cycling.TransitionRecord {
	return map[cycling.Direction][]cycling.TransitionRecord{
		cycling.Heating: s.timer.History(cycling.Heating),
		cycling.Cooling: s.timer.History(cycling.Cooling),
	}
}

// Shutdown stops the worker, waits for it up to ShutdownWait or ctx, switches
// the chamber off and closes the link.
func (s *Session) Shutdown(ctx context.Context) error {
	s.StopCycling()

	wait, cancel := context.WithTimeout(ctx, s.opts.ShutdownWait)
	defer cancel()
	select {
	case <-s.Done():
	case <-wait.Done():
		logrus.Warn("cycling worker did not stop in time")
	}

	var errs []error
	if s.Connected() {
		offCtx, offCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.chamber.PowerOff(offCtx); err != nil {
			logrus.WithError(err).Error("could not confirm chamber was turned off")
			errs = append(errs, err)
		}
		offCancel()
	}

	s.mu.Lock()
	s.handshaken = false
	s.mu.Unlock()
	s.chamber.ForgetScale()
	if err := s.tc.Close(); err != nil {
		errs = append(errs, err)
	}
	s.publishConnection()
	logrus.WithField("cycles", s.counter.Value()).Info("session closed")
	return errors.Join(errs...)
}

// RunStatusPoller refreshes the current temperature every StatusInterval
// until ctx is done. When the link is lost and no run is active it
// reconnects; during a run the worker handles reconnection itself.
func (s *Session) RunStatusPoller(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollStatus(ctx)
		}
	}
}

func (s *Session) pollStatus(ctx context.Context) {
	defer s.publishConnection()

	s.mu.Lock()
	handshaken := s.handshaken
	running := s.runningLocked()
	s.mu.Unlock()
	if !handshaken {
		return
	}

	st := s.tc.State()
	if st.State != transport.StateConnected && !running {
		logrus.WithField("state", st.State).Info("status poller reconnecting")
		if err := s.tc.Reconnect(ctx); err != nil {
			logrus.WithError(err).Warn("status poller reconnect failed")
			return
		}
	}
	if !s.tc.State().Connected() {
		return
	}

	r, err := s.chamber.Temperature(ctx, transport.WithRetries(1))
	if err != nil {
		logrus.WithError(err).Debug("status temperature read failed")
		return
	}
	s.rec.SetTemperature(r.Value)
	s.hub.Publish(events.Temperature, events.TemperatureEvent{Value: r.Value, Ts: r.At.Unix()})
}

func (s *Session) publishConnection() {
	st := s.tc.State()
	name := st.State.String()

	s.mu.Lock()
	changed := name != s.lastConnName
	s.lastConnName = name
	s.mu.Unlock()
	if !changed {
		return
	}
	logrus.WithField("state", name).Debug("connection state changed")
	s.hub.Publish(events.ConnectionState, events.ConnectionStateEvent{
		State:               name,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastError:           st.LastError,
		Ts:                  time.Now().Unix(),
	})
}

func (s *Session) hooks() *cycling.Hooks {
	return &cycling.Hooks{
		OnState: func(st cycling.State, p cycling.Phase, target float64, err error) {
			s.mu.Lock()
			from := s.lastState
			s.lastState = st
			s.mu.Unlock()
			ev := events.CyclingStateEvent{
				From:   from.String(),
				To:     st.String(),
				Phase:  p.String(),
				Target: target,
				Ts:     time.Now().Unix(),
			}
			if err != nil {
				ev.Error = err.Error()
			}
			s.hub.Publish(events.CyclingState, ev)
		},
		OnReading: func(r chamber.Reading) {
			s.rec.SetTemperature(r.Value)
			s.hub.Publish(events.Temperature, events.TemperatureEvent{Value: r.Value, Ts: r.At.Unix()})
		},
		OnProgress: func(st cycling.StabilizationState) {
			s.hub.Publish(events.StabilizationProgress, events.StabilizationProgressEvent{
				Stage:     st.Stage.String(),
				Target:    st.Target,
				Current:   st.Current,
				Elapsed:   st.Elapsed.Seconds(),
				Hold:      st.Hold.Seconds(),
				Remaining: st.Remaining().Seconds(),
				Ts:        time.Now().Unix(),
			})
		},
		OnTransition: func(r cycling.TransitionRecord) {
			s.rec.ObserveTransition(r.Direction.String(), r.Duration)
			avg, _ := s.timer.Average(r.Direction)
			s.hub.Publish(events.TransitionCompleted, events.TransitionCompletedEvent{
				Direction: r.Direction.String(),
				StartTemp: r.StartTemp,
				EndTemp:   r.EndTemp,
				Duration:  r.Duration.Seconds(),
				Average:   avg.Seconds(),
				Ts:        time.Now().Unix(),
			})
		},
		OnCycle: func(n int64) {
			s.rec.IncCyclesCompleted()
			s.hub.Publish(events.CycleCompleted, events.CycleCompletedEvent{Count: n, Ts: time.Now().Unix()})
		},
	}
}
