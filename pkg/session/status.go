package session

import (
	"time"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/cycling"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/transport"
)

// Status is a side-effect-free snapshot of the session.
type Status struct {
	Connected        bool                        `json:"connected"`
	Connection       transport.ConnectionState   `json:"connection"`
	Identity         string                      `json:"identity,omitempty"`
	ScalingExponent  *int                        `json:"scalingExponent,omitempty"`
	CurrentTemp      *float64                    `json:"currentTemp,omitempty"`
	ReadingAt        *time.Time                  `json:"readingAt,omitempty"`
	TargetTemp       *float64                    `json:"targetTemp,omitempty"`
	CyclingState     cycling.State               `json:"cyclingState"`
	CurrentPhase     cycling.Phase               `json:"currentPhase"`
	CycleCount       int64                       `json:"cycleCount"`
	Stabilization    *cycling.StabilizationState `json:"stabilization,omitempty"`
	ActiveTransition *cycling.ActiveTransition   `json:"activeTransition,omitempty"`
	Transitions      cycling.TransitionSummary   `json:"transitions"`
	Config           *Config                     `json:"config,omitempty"`
	LastError        string                      `json:"lastError,omitempty"`
}

// Status returns a snapshot without touching the bus.
func (s *Session) Status() Status {
	st := Status{
		Connected:   s.Connected(),
		Connection:  s.tc.State(),
		Identity:    s.tc.Identity(),
		CycleCount:  s.counter.Value(),
		Transitions: s.timer.Summary(),
	}
	if scale, ok := s.chamber.Scale(); ok {
		st.ScalingExponent = &scale
	}
	if r, ok := s.chamber.LastReading(); ok {
		v, at := r.Value, r.At
		st.CurrentTemp = &v
		st.ReadingAt = &at
	}
	if a, ok := s.timer.Active(); ok {
		st.ActiveTransition = &a
	}

	s.mu.Lock()
	sched := s.sched
	if s.cfg != nil {
		c := *s.cfg
		st.Config = &c
	}
	if s.runErr != nil {
		st.LastError = s.runErr.Error()
	}
	s.mu.Unlock()

	if sched != nil {
		state, phase, target := sched.State()
		st.CyclingState = state
		st.CurrentPhase = phase
		if phase != cycling.PhaseNone {
			st.TargetTemp = &target
		}
		if stab, ok := sched.Stabilization(); ok {
			st.Stabilization = &stab
		}
	}
	if st.LastError == "" && st.Connection.LastError != "" && st.Connection.State != transport.StateConnected {
		st.LastError = st.Connection.LastError
	}
	return st
}
