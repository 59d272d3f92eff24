package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResponse is returned for a query whose trimmed reply is empty.
	ErrEmptyResponse = errors.New("empty response")

	// ErrConnectionLost is returned once every attempt of a call has failed.
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnrecoverable is returned when reconnection itself is exhausted.
	ErrUnrecoverable = errors.New("unrecoverable connection failure")

	// ErrNotConnected is returned for calls made before Open.
	ErrNotConnected = errors.New("not connected")
)

// ConversionError reports a reply that failed validation, e.g. a malformed
// numeric register value.
type ConversionError struct {
	Reply string
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert reply %q: %v", e.Reply, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}
