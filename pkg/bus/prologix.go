package bus

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/goburrow/serial"
	"github.com/sirupsen/logrus"
)

const (
	// serialReadSlice bounds a single serial read so line deadlines stay accurate.
	serialReadSlice = 100 * time.Millisecond
	// maxControllerReadTimeout is the largest ++read_tmo_ms a controller accepts.
	maxControllerReadTimeout = 3 * time.Second

	DefaultBaudRate = 115200
	DefaultTCPPort  = "1234"
)

// Prologix drives an instrument through a Prologix-style GPIB controller
// attached over a serial port or TCP.
type Prologix struct {
	name string
	dial func() (*stream, error)

	s         *stream
	resource  Resource
	timeout   time.Duration
	readTerm  string
	writeTerm string
}

var _ Channel = &Prologix{}

// SerialConfig configures a serially attached controller.
type SerialConfig struct {
	Address  string
	BaudRate int
}

// NewSerialPrologix returns a channel for a controller on a serial port.
func NewSerialPrologix(cfg SerialConfig) *Prologix {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	return &Prologix{
		name: "serial:" + cfg.Address,
		dial: func() (*stream, error) {
			port, err := serial.Open(&serial.Config{
				Address:  cfg.Address,
				BaudRate: cfg.BaudRate,
				DataBits: 8,
				StopBits: 1,
				Parity:   "N",
				Timeout:  serialReadSlice,
			})
			if err != nil {
				return nil, err
			}
			return newStream(port, nil), nil
		},
		timeout:   5 * time.Second,
		readTerm:  DefaultTermination,
		writeTerm: DefaultTermination,
	}
}

// NewTCPPrologix returns a channel for a controller reachable over TCP.
// A missing port defaults to 1234.
func NewTCPPrologix(address string, dialTimeout time.Duration) *Prologix {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, DefaultTCPPort)
	}
	return &Prologix{
		name: "tcp:" + address,
		dial: func() (*stream, error) {
			conn, err := net.DialTimeout("tcp", address, dialTimeout)
			if err != nil {
				return nil, err
			}
			return newStream(conn, conn.SetDeadline), nil
		},
		timeout:   5 * time.Second,
		readTerm:  DefaultTermination,
		writeTerm: DefaultTermination,
	}
}

func (p *Prologix) String() string {
	return p.name
}

func (p *Prologix) Open(resource string) error {
	r, err := ParseResource(resource)
	if err != nil {
		return &Error{Op: "open", Kind: KindOther, Err: err}
	}
	if p.s != nil {
		_ = p.Close()
	}

	s, err := p.dial()
	if err != nil {
		return Wrap("open", err)
	}
	p.s = s
	p.resource = r

	logrus.WithFields(logrus.Fields{
		"controller": p.name,
		"resource":   r.String(),
	}).Debug("gpib controller opened")

	if err := p.configure(); err != nil {
		_ = p.Close()
		return Wrap("open", err)
	}
	return nil
}

func (p *Prologix) configure() error {
	cmds := []string{
		"++mode 1",
		fmt.Sprintf("++addr %d", p.resource.Address),
		"++auto 0",
		"++eoi 1",
		fmt.Sprintf("++eos %d", eosCode(p.writeTerm)),
		"++eot_enable 1",
		"++eot_char 10",
		fmt.Sprintf("++read_tmo_ms %d", controllerReadTimeout(p.timeout).Milliseconds()),
	}
	for _, c := range cmds {
		if err := p.s.writeLine(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prologix) Close() error {
	if p.s == nil {
		return nil
	}
	err := p.s.close()
	p.s = nil
	return Wrap("close", err)
}

func (p *Prologix) Write(cmd string) error {
	if p.s == nil {
		return &Error{Op: "write", Kind: KindIO, Err: ErrClosed}
	}
	logrus.WithField("cmd", cmd).Trace("gpib write")
	return Wrap("write", p.s.writeLine(escape(cmd)))
}

func (p *Prologix) Query(cmd string) (string, error) {
	if p.s == nil {
		return "", &Error{Op: "query", Kind: KindIO, Err: ErrClosed}
	}
	p.s.discard()

	if err := p.s.writeLine(escape(cmd)); err != nil {
		return "", Wrap("query", err)
	}
	if err := p.s.writeLine("++read eoi"); err != nil {
		return "", Wrap("query", err)
	}

	reply, err := p.s.readLine(replyTerm(p.readTerm), time.Now().Add(p.timeout))
	if err != nil {
		return "", Wrap("query", err)
	}
	logrus.WithFields(logrus.Fields{
		"cmd":   cmd,
		"reply": reply,
	}).Trace("gpib query")
	return reply, nil
}

func (p *Prologix) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return &Error{Op: "timeout", Kind: KindOther, Err: fmt.Errorf("invalid timeout %s", d)}
	}
	p.timeout = d
	if p.s == nil {
		return nil
	}
	return Wrap("timeout", p.s.writeLine(fmt.Sprintf("++read_tmo_ms %d", controllerReadTimeout(d).Milliseconds())))
}

func (p *Prologix) SetTermination(read, write string) error {
	p.readTerm = read
	p.writeTerm = write
	if p.s == nil {
		return nil
	}
	return Wrap("termination", p.s.writeLine(fmt.Sprintf("++eos %d", eosCode(write))))
}

func (p *Prologix) Clear() error {
	if p.s == nil {
		return &Error{Op: "clear", Kind: KindIO, Err: ErrClosed}
	}
	p.s.discard()
	return Wrap("clear", p.s.writeLine("++clr"))
}

// escape protects characters the controller would otherwise interpret.
func escape(cmd string) string {
	if !strings.ContainsAny(cmd, "\r\n\x1b+") {
		return cmd
	}
	var b strings.Builder
	for _, r := range cmd {
		switch r {
		case '\r', '\n', 0x1b, '+':
			b.WriteByte(0x1b)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// eosCode maps a write termination to the controller's ++eos setting.
func eosCode(term string) int {
	switch term {
	case "\r\n":
		return 0
	case "\r":
		return 1
	case "\n":
		return 2
	default:
		return 3
	}
}

// replyTerm is the separator replies are split on. The controller appends a
// line feed on EOI, so any termination ending in LF splits on LF alone.
func replyTerm(read string) string {
	if read == "" || strings.HasSuffix(read, "\n") {
		return "\n"
	}
	return read
}

func controllerReadTimeout(d time.Duration) time.Duration {
	if d > maxControllerReadTimeout {
		return maxControllerReadTimeout
	}
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
