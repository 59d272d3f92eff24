package config

import (
	"time"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/session"
)

// Controller selects the GPIB controller the chamber is attached to.
type Controller struct {
	Kind     string `json:"kind"`
	Address  string `json:"address"`
	BaudRate int    `json:"baudRate"`
}

type Config interface {
	Resource() string
	Controller() Controller

	LowSetpoint() float64
	HighSetpoint() float64
	Tolerance() float64
	Hold() time.Duration

	Retries() int
	Timeout() time.Duration
	ExtendedTimeoutMultiplier() float64
	FailureThreshold() int
	PollInterval() time.Duration
	StatusInterval() time.Duration
	ProgressInterval() time.Duration

	Schedule() string
	MetricsAddress() string
	AllowNonRootAccess() bool

	SetSetpoints(low, high float64) error
	SetHold(time.Duration) error
	SetTolerance(float64) error
	SetSchedule(string)
	SetAllowNonRootAccess(bool)

	// SessionConfig derives the run configuration.
	SessionConfig() session.Config

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
