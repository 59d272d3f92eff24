// Package cycling drives a chamber between two setpoints, waiting for each
// setpoint to hold within tolerance and timing the transitions between them.
package cycling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/chamber"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/transport"
)

// State is the state of a cycling run.
type State uint8

const (
	StateIdle State = iota
	StateTurningOn
	StateSettingSetpoint
	StateWaitingStabilization
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                 "idle",
	StateTurningOn:            "turning-on",
	StateSettingSetpoint:      "setting-setpoint",
	StateWaitingStabilization: "waiting-stabilization",
	StateStopping:             "stopping",
	StateStopped:              "stopped",
	StateFailed:               "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{StateIdle, StateTurningOn, StateSettingSetpoint, StateWaitingStabilization, StateStopping, StateStopped, StateFailed} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Running reports whether s belongs to an active run.
func (s State) Running() bool {
	switch s {
	case StateTurningOn, StateSettingSetpoint, StateWaitingStabilization, StateStopping:
		return true
	}
	return false
}

// Phase is the half of a cycle being run.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseLow
	PhaseHigh
)

func (p Phase) String() string {
	switch p {
	case PhaseLow:
		return "low"
	case PhaseHigh:
		return "high"
	default:
		return "none"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for _, v := range []Phase{PhaseNone, PhaseLow, PhaseHigh} {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Direction of a transition.
type Direction uint8

const (
	Heating Direction = iota
	Cooling
)

// DirectionFor returns Heating when target is above start, else Cooling.
func DirectionFor(start, target float64) Direction {
	if target > start {
		return Heating
	}
	return Cooling
}

func (d Direction) String() string {
	if d == Heating {
		return "heating"
	}
	return "cooling"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	for _, v := range []Direction{Heating, Cooling} {
		if v.String() == string(b) {
			*d = v
			return nil
		}
	}
	return fmt.Errorf("unknown direction %q", b)
}

// Chamber is the register I/O used by a run.
type Chamber interface {
	Temperature(ctx context.Context, opts ...transport.QueryOption) (chamber.Reading, error)
	SetSetpoint(ctx context.Context, v float64) error
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
}

// Reconnector re-establishes the instrument link.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Config is fixed for the duration of a run.
type Config struct {
	Low       float64       `json:"low"`
	High      float64       `json:"high"`
	Tolerance float64       `json:"tolerance"`
	Hold      time.Duration `json:"hold"`

	// PollInterval is the wait between temperature reads.
	PollInterval time.Duration `json:"pollInterval"`
	// FailureBackoff is the wait after a failed read.
	FailureBackoff time.Duration `json:"failureBackoff"`
	// FailureThreshold is the number of consecutive failed reads that
	// triggers a reconnect.
	FailureThreshold int `json:"failureThreshold"`
	// ProgressInterval is the cadence of hold progress reports.
	ProgressInterval time.Duration `json:"progressInterval"`
	// PowerOnSettle is waited after switching the chamber on.
	PowerOnSettle time.Duration `json:"powerOnSettle"`
	// ShutdownTimeout bounds the final power-off.
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
}

// DefaultConfig returns the settings used for burn-in runs.
func DefaultConfig() Config {
	return Config{
		Low:              32,
		High:             140,
		Tolerance:        2.5,
		Hold:             10 * time.Minute,
		PollInterval:     2 * time.Second,
		FailureBackoff:   4 * time.Second,
		FailureThreshold: 5,
		ProgressInterval: 30 * time.Second,
		PowerOnSettle:    2 * time.Second,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Validate checks the setpoints and thresholds.
func (c Config) Validate() error {
	switch {
	case c.Low >= c.High:
		return fmt.Errorf("low setpoint %g must be below high setpoint %g", c.Low, c.High)
	case c.Tolerance <= 0:
		return fmt.Errorf("tolerance must be positive, got %g", c.Tolerance)
	case c.Hold < 0:
		return fmt.Errorf("hold duration must not be negative, got %s", c.Hold)
	case c.FailureThreshold < 1:
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	case c.PollInterval <= 0:
		return errors.New("poll interval must be positive")
	}
	return nil
}

// Hooks receive notifications from a run. Nil hooks are skipped. Hooks are
// called synchronously from the cycling goroutine and must not block.
type Hooks struct {
	// OnState receives the run's terminal error with StateFailed.
	OnState      func(State, Phase, float64, error)
	OnReading    func(chamber.Reading)
	OnProgress   func(StabilizationState)
	OnTransition func(TransitionRecord)
	OnCycle      func(count int64)
}

func (h *Hooks) state(s State, p Phase, target float64, err error) {
	if h != nil && h.OnState != nil {
		h.OnState(s, p, target, err)
	}
}

func (h *Hooks) reading(r chamber.Reading) {
	if h != nil && h.OnReading != nil {
		h.OnReading(r)
	}
}

func (h *Hooks) progress(s StabilizationState) {
	if h != nil && h.OnProgress != nil {
		h.OnProgress(s)
	}
}

func (h *Hooks) transition(r TransitionRecord) {
	if h != nil && h.OnTransition != nil {
		h.OnTransition(r)
	}
}

func (h *Hooks) cycle(n int64) {
	if h != nil && h.OnCycle != nil {
		h.OnCycle(n)
	}
}

// FormatClock formats d as mm:ss, rounding down to whole seconds.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
