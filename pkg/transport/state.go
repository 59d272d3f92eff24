package transport

import (
	"fmt"
	"time"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/bus"
)

// State is the health of the instrument link.
type State uint8

const (
	StateDisconnected State = iota
	StateConnected
	// StateDegraded means the channel is open but the last call exhausted its
	// retries.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{StateDisconnected, StateConnected, StateDegraded} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// ConnectionState is a snapshot of the link.
type ConnectionState struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Timeout             time.Duration `json:"timeout"`
	LastErrorKind       bus.Kind      `json:"lastErrorKind"`
	LastError           string        `json:"lastError,omitempty"`
}

// Connected reports whether calls can be attempted.
func (s ConnectionState) Connected() bool {
	return s.State != StateDisconnected
}

type callOptions struct {
	extended bool
	retries  int
	validate func(reply string) error
}

// QueryOption customizes a single Query.
type QueryOption func(*callOptions)

// WithExtendedTimeout uses the extended timeout for this query only.
func WithExtendedTimeout() QueryOption {
	return func(o *callOptions) {
		o.extended = true
	}
}

// WithValidator rejects replies for which fn returns an error. Rejected
// replies are retried like empty ones.
func WithValidator(fn func(reply string) error) QueryOption {
	return func(o *callOptions) {
		o.validate = fn
	}
}

// WithRetries overrides the attempt count for this query.
func WithRetries(n int) QueryOption {
	return func(o *callOptions) {
		o.retries = n
	}
}
