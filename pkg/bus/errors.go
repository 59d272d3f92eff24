package bus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/goburrow/serial"
)

// Kind classifies a channel fault.
type Kind uint8

const (
	KindNone Kind = iota
	KindTimeout
	KindIO
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindIO:
		return "io"
	default:
		return "other"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for _, v := range []Kind{KindNone, KindTimeout, KindIO, KindOther} {
		if v.String() == string(b) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown kind %q", b)
}

// ErrClosed is returned by channel calls made before Open or after Close.
var ErrClosed = errors.New("channel closed")

// Error is a classified channel fault.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err and wraps it into an *Error for op. A nil err stays nil
// and an already classified error keeps its kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Op: op, Kind: Classify(err), Err: err}
}

// Classify returns the kind of a raw channel fault.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}

	if errors.Is(err, serial.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}

	switch {
	case errors.Is(err, ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.EIO),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.ENXIO):
		return KindIO
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindIO
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return KindIO
	}

	return KindOther
}
