package session

import (
	"fmt"
	"time"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/cycling"
)

// Config is the configuration of one cycling run. It is fixed once the run
// has started.
type Config struct {
	cycling.Config

	Retries                   int           `json:"retries"`
	Timeout                   time.Duration `json:"timeout"`
	ExtendedTimeoutMultiplier float64       `json:"extendedTimeoutMultiplier"`
}

// DefaultConfig returns the burn-in defaults.
func DefaultConfig() Config {
	return Config{
		Config:                    cycling.DefaultConfig(),
		Retries:                   3,
		Timeout:                   5 * time.Second,
		ExtendedTimeoutMultiplier: 3,
	}
}

// Validate checks the run and transport settings.
func (c Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	switch {
	case c.Retries < 1:
		return fmt.Errorf("retries must be at least 1, got %d", c.Retries)
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	case c.ExtendedTimeoutMultiplier < 1:
		return fmt.Errorf("extended timeout multiplier must be at least 1, got %g", c.ExtendedTimeoutMultiplier)
	}
	return nil
}
