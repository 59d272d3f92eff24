package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when cycling is requested before Connect.
	ErrNotConnected = errors.New("chamber not connected")
	// ErrAlreadyRunning is returned when cycling is requested during a run.
	ErrAlreadyRunning = errors.New("cycling already running")
)

// ConnectError reports which handshake step failed.
type ConnectError struct {
	Step string // open, scale or identify
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect: %s: %v", e.Step, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
