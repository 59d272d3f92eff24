package chamber

import "fmt"

// Op is a register operation.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

// Command is a single register command.
type Command struct {
	Op    Op
	Addr  int
	Value int
}

// ReadCommand reads one register at addr.
func ReadCommand(addr int) Command {
	return Command{Op: OpRead, Addr: addr}
}

// WriteCommand stores value at addr.
func WriteCommand(addr, value int) Command {
	return Command{Op: OpWrite, Addr: addr, Value: value}
}

// String formats the command in the controller's wire syntax.
func (c Command) String() string {
	if c.Op == OpWrite {
		return fmt.Sprintf("W %d, %d", c.Addr, c.Value)
	}
	return fmt.Sprintf("R? %d, 1", c.Addr)
}
