package bus

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"github.com/goburrow/serial"
)

// stream frames lines over a byte stream. Serial ports report a short per-read
// timeout which is retried until the line deadline; network connections take
// the deadline directly.
type stream struct {
	rw          io.ReadWriteCloser
	setDeadline func(time.Time) error

	pending []byte
	chunk   []byte
}

func newStream(rw io.ReadWriteCloser, setDeadline func(time.Time) error) *stream {
	return &stream{
		rw:          rw,
		setDeadline: setDeadline,
		chunk:       make([]byte, 256),
	}
}

const writeTimeout = 5 * time.Second

func (s *stream) writeLine(line string) error {
	if s.setDeadline != nil {
		if err := s.setDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
	}
	_, err := s.rw.Write([]byte(line + "\n"))
	return err
}

func (s *stream) readLine(term string, deadline time.Time) (string, error) {
	if term == "" {
		term = DefaultTermination
	}
	for {
		if i := bytes.Index(s.pending, []byte(term)); i >= 0 {
			line := string(s.pending[:i])
			s.pending = append(s.pending[:0], s.pending[i+len(term):]...)
			return line, nil
		}
		if !time.Now().Before(deadline) {
			return "", os.ErrDeadlineExceeded
		}
		if s.setDeadline != nil {
			if err := s.setDeadline(deadline); err != nil {
				return "", err
			}
		}

		n, err := s.rw.Read(s.chunk)
		s.pending = append(s.pending, s.chunk[:n]...)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			return "", err
		}
	}
}

// discard drops buffered bytes left over from an earlier, abandoned reply.
func (s *stream) discard() {
	s.pending = s.pending[:0]
}

func (s *stream) close() error {
	return s.rw.Close()
}
