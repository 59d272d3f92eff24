package bus

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Channel is the raw command channel to an instrument. Implementations are not
// safe for concurrent use; callers serialize access.
type Channel interface {
	// Open opens the instrument identified by resource.
	Open(resource string) error
	// Close releases the underlying handle. Closing a closed channel is a no-op.
	Close() error
	// Write sends a command that produces no reply.
	Write(cmd string) error
	// Query sends a command and returns the raw reply line.
	Query(cmd string) (string, error)
	// SetTimeout sets the I/O timeout applied to subsequent calls.
	SetTimeout(d time.Duration) error
	// SetTermination sets the line termination for replies and commands.
	SetTermination(read, write string) error
	// Clear discards pending operations on the instrument.
	Clear() error
}

// DefaultTermination is the line termination used on both sides of the bus.
const DefaultTermination = "\n"

// Resource is a parsed VISA-style GPIB resource string, e.g. GPIB0::4::INSTR.
type Resource struct {
	Board   int
	Address int
}

func (r Resource) String() string {
	return fmt.Sprintf("GPIB%d::%d::INSTR", r.Board, r.Address)
}

var resourcePattern = regexp.MustCompile(`(?i)^GPIB(\d*)::(\d+)(?:::(\d+))?::INSTR$`)

// ParseResource parses a GPIB resource string.
func ParseResource(s string) (Resource, error) {
	m := resourcePattern.FindStringSubmatch(s)
	if m == nil {
		return Resource{}, fmt.Errorf("invalid GPIB resource %q", s)
	}

	var r Resource
	if m[1] != "" {
		r.Board, _ = strconv.Atoi(m[1])
	}
	r.Address, _ = strconv.Atoi(m[2])
	if r.Address < 0 || r.Address > 30 {
		return Resource{}, fmt.Errorf("GPIB address %d out of range 0-30", r.Address)
	}

	return r, nil
}
