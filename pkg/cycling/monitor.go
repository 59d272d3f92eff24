package cycling

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/chamber"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/transport"
)

// Stage is the position of a Monitor in its state machine.
type Stage uint8

const (
	StagePolling Stage = iota
	StageHolding
	StageStabilized
)

func (s Stage) String() string {
	switch s {
	case StageHolding:
		return "holding"
	case StageStabilized:
		return "stabilized"
	default:
		return "polling"
	}
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	for _, v := range []Stage{StagePolling, StageHolding, StageStabilized} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", b)
}

// StabilizationState is a snapshot of a phase's stabilization progress.
type StabilizationState struct {
	Stage        Stage         `json:"stage"`
	Target       float64       `json:"target"`
	Tolerance    float64       `json:"tolerance"`
	Hold         time.Duration `json:"hold"`
	Current      float64       `json:"current"`
	HoldingSince *time.Time    `json:"holdingSince,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	Failures     int           `json:"consecutiveFailures"`
}

// Remaining returns the hold time still needed.
func (s StabilizationState) Remaining() time.Duration {
	return nonNegative(s.Hold - s.Elapsed)
}

// Monitor polls the chamber temperature until the target has been held
// within tolerance for the hold duration. Leaving tolerance while holding
// discards the elapsed hold time.
type Monitor struct {
	ch    Chamber
	rc    Reconnector
	cfg   Config
	hooks *Hooks

	mu    sync.RWMutex
	state *StabilizationState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMonitor returns a monitor for cfg. rc may be nil, in which case reaching
// the failure threshold aborts the phase.
func NewMonitor(ch Chamber, rc Reconnector, cfg Config, hooks *Hooks) *Monitor {
	return &Monitor{
		ch:    ch,
		rc:    rc,
		cfg:   cfg,
		hooks: hooks,
		now:   time.Now,
		sleep: transport.Sleep,
	}
}

// State returns the stabilization state of the current phase.
func (m *Monitor) State() (StabilizationState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return StabilizationState{}, false
	}
	s := *m.state
	return s, true
}

func (m *Monitor) update(fn func(s *StabilizationState)) StabilizationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
	return *m.state
}

// Wait blocks until target is stabilized, ctx is done, or the link cannot be
// recovered. timer, when not nil, is started on the first reading and
// completed on the first in-tolerance reading.
func (m *Monitor) Wait(ctx context.Context, target float64, timer *TransitionTimer) error {
	m.mu.Lock()
	m.state = &StabilizationState{
		Stage:     StagePolling,
		Target:    target,
		Tolerance: m.cfg.Tolerance,
		Hold:      m.cfg.Hold,
	}
	m.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"target":    target,
		"tolerance": m.cfg.Tolerance,
		"hold":      m.cfg.Hold,
	})
	log.Info("waiting for temperature to stabilize")

	failures := 0
	timing := false
	var lastProgress time.Time
	defer func() {
		if timing {
			timer.Abort()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r, err := m.ch.Temperature(ctx, transport.WithExtendedTimeout())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			failures++
			m.update(func(s *StabilizationState) { s.Failures = failures })
			log.WithError(err).Warnf("temperature read failure %d/%d", failures, m.cfg.FailureThreshold)

			if failures >= m.cfg.FailureThreshold {
				if m.rc == nil {
					return fmt.Errorf("%d consecutive temperature read failures: %w", failures, err)
				}
				log.Warn("too many consecutive read failures, reconnecting")
				if rerr := m.rc.Reconnect(ctx); rerr != nil {
					return fmt.Errorf("stabilization at %g aborted: %w", target, rerr)
				}
				failures = 0
				m.update(func(s *StabilizationState) { s.Failures = 0 })
				continue
			}
			if err := m.sleep(ctx, m.cfg.FailureBackoff); err != nil {
				return err
			}
			continue
		}

		failures = 0
		m.hooks.reading(r)
		now := m.now()

		if timer != nil && !timing {
			if d, err := timer.Start(target, r); err == nil {
				timing = true
				log.WithFields(logrus.Fields{"direction": d, "start": r.Value}).Info("transition started")
			} else {
				log.WithError(err).Warn("transition timer not started")
			}
		}

		if math.Abs(r.Value-target) <= m.cfg.Tolerance {
			entered := false
			st := m.update(func(s *StabilizationState) {
				s.Current = r.Value
				s.Failures = 0
				if s.HoldingSince == nil {
					since := now
					s.HoldingSince = &since
					s.Stage = StageHolding
					entered = true
				}
				s.Elapsed = nonNegative(now.Sub(*s.HoldingSince))
			})

			if entered {
				log.WithField("current", r.Value).Info("temperature within range, starting stabilization timer")
				lastProgress = now
				if timing {
					if rec, ok := timer.Complete(r); ok {
						timing = false
						log.WithFields(logrus.Fields{
							"direction": rec.Direction,
							"duration":  rec.Duration,
						}).Info("transition completed")
						m.hooks.transition(rec)
					}
				}
				m.hooks.progress(st)
			}

			if st.Elapsed >= m.cfg.Hold {
				st = m.update(func(s *StabilizationState) { s.Stage = StageStabilized })
				log.WithField("current", r.Value).Infof("temperature stabilized for %s", FormatClock(m.cfg.Hold))
				m.hooks.progress(st)
				return nil
			}
			if m.cfg.ProgressInterval > 0 && now.Sub(lastProgress) >= m.cfg.ProgressInterval {
				lastProgress = now
				log.Infof("holding at %g - time %s/%s (remaining %s)",
					r.Value, FormatClock(st.Elapsed), FormatClock(m.cfg.Hold), FormatClock(st.Remaining()))
				m.hooks.progress(st)
			}
		} else {
			st := m.update(func(s *StabilizationState) {
				s.Current = r.Value
				s.Failures = 0
				if s.HoldingSince != nil {
					log.WithField("current", r.Value).Info("temperature left tolerance, hold timer reset")
				}
				s.HoldingSince = nil
				s.Elapsed = 0
				s.Stage = StagePolling
			})
			lastProgress = now
			log.WithField("current", r.Value).Debug("waiting for temperature to stabilize")
			m.hooks.progress(st)
		}

		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
	}
}

var _ Chamber = (*chamber.Chamber)(nil)
