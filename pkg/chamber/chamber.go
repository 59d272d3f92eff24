// Package chamber reads and writes the decimal-scaled registers of a thermal
// test chamber controller.
package chamber

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/transport"
)

// Register addresses of the controller.
const (
	RegTemperature = 100
	RegSetpoint    = 300
	RegScale       = 606
	RegPower       = 2000
)

// MaxScale is the largest scaling exponent accepted from the controller.
const MaxScale = 9

// ErrScaleUnknown is returned for temperature I/O before LoadScale succeeded.
var ErrScaleUnknown = errors.New("scaling exponent not loaded")

// Transport is the subset of transport.Client used by Chamber.
type Transport interface {
	Write(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string, opts ...transport.QueryOption) (string, error)
}

// Reading is a scaled temperature and the moment it was taken.
type Reading struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Chamber converts between temperatures and raw register values using the
// scaling exponent reported by the controller.
type Chamber struct {
	t Transport

	mu         sync.RWMutex
	scale      int
	scaleKnown bool
	last       Reading

	now func() time.Time
}

// New returns a Chamber whose scaling exponent is not yet known.
func New(t Transport) *Chamber {
	return &Chamber{t: t, now: time.Now}
}

// LoadScale reads the scaling exponent register. It must succeed before any
// temperature I/O and is called again after every reconnect.
func (c *Chamber) LoadScale(ctx context.Context) (int, error) {
	reply, err := c.t.Query(ctx, ReadCommand(RegScale).String(), transport.WithValidator(validateScale))
	if err != nil {
		return 0, fmt.Errorf("read scaling exponent: %w", err)
	}
	scale, _ := strconv.Atoi(reply)

	c.mu.Lock()
	changed := c.scaleKnown && c.scale != scale
	c.scale = scale
	c.scaleKnown = true
	c.mu.Unlock()

	if changed {
		logrus.WithField("scale", scale).Warn("scaling exponent changed across reconnect")
	}
	logrus.WithField("scale", scale).Debug("scaling exponent loaded")
	return scale, nil
}

// Scale returns the current scaling exponent and whether it has been loaded.
func (c *Chamber) Scale() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scale, c.scaleKnown
}

// ForgetScale marks the scaling exponent unknown, e.g. when the link is closed.
func (c *Chamber) ForgetScale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scaleKnown = false
}

// ReadTemperature reads register addr and scales it. Non-numeric replies are
// retried like empty ones.
func (c *Chamber) ReadTemperature(ctx context.Context, addr int, opts ...transport.QueryOption) (Reading, error) {
	scale, ok := c.Scale()
	if !ok {
		return Reading{}, ErrScaleUnknown
	}

	// Cap the slice so the caller's backing array is never written.
	opts = append(opts[:len(opts):len(opts)], transport.WithValidator(validateInteger))
	reply, err := c.t.Query(ctx, ReadCommand(addr).String(), opts...)
	if err != nil {
		return Reading{}, fmt.Errorf("read register %d: %w", addr, err)
	}
	raw, _ := strconv.Atoi(reply)

	r := Reading{Value: FromRaw(raw, scale), At: c.now()}
	if addr == RegTemperature {
		c.mu.Lock()
		c.last = r
		c.mu.Unlock()
	}
	logrus.WithFields(logrus.Fields{"register": addr, "value": r.Value}).Trace("register read")
	return r, nil
}

// Temperature reads the current chamber temperature.
func (c *Chamber) Temperature(ctx context.Context, opts ...transport.QueryOption) (Reading, error) {
	return c.ReadTemperature(ctx, RegTemperature, opts...)
}

// LastReading returns the most recent current-temperature reading.
func (c *Chamber) LastReading() (Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, !c.last.At.IsZero()
}

// WriteTemperature writes v to register addr as round(v * 10^scale).
func (c *Chamber) WriteTemperature(ctx context.Context, addr int, v float64) error {
	scale, ok := c.Scale()
	if !ok {
		return ErrScaleUnknown
	}
	cmd := WriteCommand(addr, ToRaw(v, scale))
	if err := c.t.Write(ctx, cmd.String()); err != nil {
		return fmt.Errorf("write register %d: %w", addr, err)
	}
	logrus.WithFields(logrus.Fields{"register": addr, "value": v}).Debug("register written")
	return nil
}

// SetSetpoint writes the setpoint register.
func (c *Chamber) SetSetpoint(ctx context.Context, v float64) error {
	return c.WriteTemperature(ctx, RegSetpoint, v)
}

// PowerOn switches the chamber on.
func (c *Chamber) PowerOn(ctx context.Context) error {
	return c.setPower(ctx, true)
}

// PowerOff switches the chamber off.
func (c *Chamber) PowerOff(ctx context.Context) error {
	return c.setPower(ctx, false)
}

func (c *Chamber) setPower(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := c.t.Write(ctx, WriteCommand(RegPower, v).String()); err != nil {
		return fmt.Errorf("set chamber power %t: %w", on, err)
	}
	logrus.WithField("on", on).Info("chamber power switched")
	return nil
}

// ToRaw converts a temperature to its register value.
func ToRaw(v float64, scale int) int {
	return int(math.Round(v * math.Pow10(scale)))
}

// FromRaw converts a register value to a temperature.
func FromRaw(raw, scale int) float64 {
	return float64(raw) / math.Pow10(scale)
}

func validateInteger(reply string) error {
	_, err := strconv.Atoi(reply)
	return err
}

func validateScale(reply string) error {
	v, err := strconv.Atoi(reply)
	if err != nil {
		return err
	}
	if v < 0 || v > MaxScale {
		return fmt.Errorf("scaling exponent %d out of range [0, %d]", v, MaxScale)
	}
	return nil
}
