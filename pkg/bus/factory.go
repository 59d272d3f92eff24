package bus

import (
	"fmt"
	"time"
)

// Controller kinds.
const (
	KindSerial    = "serial"
	KindTCP       = "tcp"
	KindSimulator = "sim"
)

// ControllerConfig selects and configures a channel implementation.
type ControllerConfig struct {
	Kind        string
	Address     string
	BaudRate    int
	DialTimeout time.Duration
	Simulator   SimulatorOptions
}

// NewChannel builds the channel described by cfg. It does not open it.
func NewChannel(cfg ControllerConfig) (Channel, error) {
	switch cfg.Kind {
	case KindSerial, "":
		if cfg.Address == "" {
			return nil, fmt.Errorf("serial controller needs an address, e.g. /dev/ttyUSB0")
		}
		return NewSerialPrologix(SerialConfig{Address: cfg.Address, BaudRate: cfg.BaudRate}), nil
	case KindTCP:
		if cfg.Address == "" {
			return nil, fmt.Errorf("tcp controller needs a host[:port] address")
		}
		timeout := cfg.DialTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return NewTCPPrologix(cfg.Address, timeout), nil
	case KindSimulator:
		return NewSimulator(cfg.Simulator), nil
	default:
		return nil, fmt.Errorf("unknown controller kind %q", cfg.Kind)
	}
}
