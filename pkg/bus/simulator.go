package bus

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Register addresses understood by the simulator.
const (
	simRegTemperature = 100
	simRegSetpoint    = 300
	simRegScale       = 606
	simRegPower       = 2000
)

var (
	simReadPattern  = regexp.MustCompile(`^R\? (\d+), 1$`)
	simWritePattern = regexp.MustCompile(`^W (\d+), (-?\d+)$`)
)

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	// Scale is the decimal exponent reported by register 606.
	Scale int
	// Ambient is the starting temperature.
	Ambient float64
	// Rate is the heating/cooling rate in degrees per second while powered.
	Rate float64
	// Identity is the reply to *IDN?.
	Identity string
	// Now overrides the clock.
	Now func() time.Time
}

// Simulator is an in-memory chamber controller speaking the fixed register
// command set. While powered the chamber temperature ramps linearly toward the
// setpoint.
type Simulator struct {
	mu   sync.Mutex
	opts SimulatorOptions

	open      bool
	timeout   time.Duration
	registers map[int]int
	temp      float64
	last      time.Time
	clears    int
}

var _ Channel = &Simulator{}

// NewSimulator returns a simulator with defaults filled in.
func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.Rate <= 0 {
		opts.Rate = 0.5
	}
	if opts.Identity == "" {
		opts.Identity = "TTX,SIM-4899A,0,1.0"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Ambient == 0 {
		opts.Ambient = 72
	}

	return &Simulator{
		opts: opts,
		registers: map[int]int{
			simRegScale:    opts.Scale,
			simRegSetpoint: int(math.Round(opts.Ambient * math.Pow10(opts.Scale))),
			simRegPower:    0,
		},
		temp: opts.Ambient,
		last: opts.Now(),
	}
}

func (s *Simulator) Open(resource string) error {
	if _, err := ParseResource(resource); err != nil {
		return &Error{Op: "open", Kind: KindOther, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.last = s.opts.Now()
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *Simulator) Write(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return &Error{Op: "write", Kind: KindIO, Err: ErrClosed}
	}
	s.advance()

	m := simWritePattern.FindStringSubmatch(cmd)
	if m == nil {
		return &Error{Op: "write", Kind: KindOther, Err: fmt.Errorf("unsupported command %q", cmd)}
	}
	addr, _ := strconv.Atoi(m[1])
	v, _ := strconv.Atoi(m[2])
	s.registers[addr] = v
	return nil
}

func (s *Simulator) Query(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return "", &Error{Op: "query", Kind: KindIO, Err: ErrClosed}
	}
	s.advance()

	if cmd == "*IDN?" {
		return s.opts.Identity, nil
	}
	m := simReadPattern.FindStringSubmatch(cmd)
	if m == nil {
		return "", &Error{Op: "query", Kind: KindOther, Err: fmt.Errorf("unsupported command %q", cmd)}
	}
	addr, _ := strconv.Atoi(m[1])
	if addr == simRegTemperature {
		return strconv.Itoa(int(math.Round(s.temp * math.Pow10(s.scale())))), nil
	}
	return strconv.Itoa(s.registers[addr]), nil
}

func (s *Simulator) SetTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	return nil
}

func (s *Simulator) SetTermination(_, _ string) error {
	return nil
}

func (s *Simulator) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

// Temperature returns the simulated chamber temperature.
func (s *Simulator) Temperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.temp
}

// Powered reports whether the power register is set.
func (s *Simulator) Powered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers[simRegPower] == 1
}

func (s *Simulator) scale() int {
	return s.registers[simRegScale]
}

// advance moves the temperature toward the setpoint for the time elapsed since
// the last call. Callers hold s.mu.
func (s *Simulator) advance() {
	now := s.opts.Now()
	dt := now.Sub(s.last).Seconds()
	s.last = now
	if dt <= 0 || s.registers[simRegPower] != 1 {
		return
	}

	target := float64(s.registers[simRegSetpoint]) / math.Pow10(s.scale())
	step := s.opts.Rate * dt
	switch {
	case math.Abs(target-s.temp) <= step:
		s.temp = target
	case target > s.temp:
		s.temp += step
	default:
		s.temp -= step
	}
}
