package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/bus"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/metrics"
)

// IdentifyCommand asks the instrument for its identity string.
const IdentifyCommand = "*IDN?"

// Delays between the steps of a call. Keep the ordering
// Write < Empty < Error < Reconnect.
type Delays struct {
	// Settle is waited before every channel call.
	Settle time.Duration
	// Write is waited between write retries.
	Write time.Duration
	// Empty is waited after an empty or unparsable reply.
	Empty time.Duration
	// Error is waited after a channel fault.
	Error time.Duration
	// Reconnect is waited between closing and reopening the channel.
	Reconnect time.Duration
}

// DefaultDelays returns the delays used against a real chamber.
func DefaultDelays() Delays {
	return Delays{
		Settle:    200 * time.Millisecond,
		Write:     500 * time.Millisecond,
		Empty:     750 * time.Millisecond,
		Error:     time.Second,
		Reconnect: 2 * time.Second,
	}
}

// Options configures a Client.
type Options struct {
	Resource string

	// Retries is the number of attempts per call (>= 1).
	Retries int
	// Timeout is the base read timeout of the channel.
	Timeout time.Duration
	// ExtendedTimeoutMultiplier scales Timeout for slow register reads.
	ExtendedTimeoutMultiplier float64
	// ReconnectAttempts bounds a single Reconnect call.
	ReconnectAttempts int

	ReadTermination  string
	WriteTermination string

	// Delays falls back to DefaultDelays when left zero.
	Delays   Delays
	Recorder metrics.Recorder
}

func (o *Options) setDefaults() {
	if o.Retries < 1 {
		o.Retries = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.ExtendedTimeoutMultiplier < 1 {
		o.ExtendedTimeoutMultiplier = 3
	}
	if o.ReconnectAttempts < 1 {
		o.ReconnectAttempts = 3
	}
	if o.ReadTermination == "" {
		o.ReadTermination = bus.DefaultTermination
	}
	if o.WriteTermination == "" {
		o.WriteTermination = bus.DefaultTermination
	}
	if o.Delays == (Delays{}) {
		o.Delays = DefaultDelays()
	}
	o.Recorder = metrics.OrNoop(o.Recorder)
}

// Client talks to one instrument over a bus.Channel. Every call is retried
// with a settle delay before each attempt. Channel calls never interleave.
type Client struct {
	ch   bus.Channel
	opts Options

	// callMu serializes access to ch.
	callMu sync.Mutex
	open   bool

	// mu guards the fields below.
	mu       sync.RWMutex
	state    ConnectionState
	identity string
	verify   func(ctx context.Context) error

	reconnects singleflight.Group
}

// New returns a disconnected client. Call Open before use.
func New(ch bus.Channel, opts Options) *Client {
	opts.setDefaults()
	return &Client{
		ch:   ch,
		opts: opts,
		state: ConnectionState{
			State:   StateDisconnected,
			Timeout: opts.Timeout,
		},
	}
}

// SetVerifier installs a check run at the end of every successful reopen,
// after identification. A failing verifier fails the reconnect attempt.
func (c *Client) SetVerifier(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verify = fn
}

// SetPolicy changes the retry count, base timeout and extended timeout
// multiplier. The new timeout is pushed to the channel when it is open.
func (c *Client) SetPolicy(retries int, timeout time.Duration, multiplier float64) error {
	if retries < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", retries)
	}
	if timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", timeout)
	}
	if multiplier < 1 {
		return fmt.Errorf("extended timeout multiplier must be at least 1, got %g", multiplier)
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	c.opts.Retries = retries
	c.opts.Timeout = timeout
	c.opts.ExtendedTimeoutMultiplier = multiplier
	c.state.Timeout = timeout
	c.mu.Unlock()

	if c.open {
		if err := c.ch.SetTimeout(timeout); err != nil {
			return bus.Wrap("set timeout", err)
		}
	}
	logrus.WithFields(logrus.Fields{
		"retries":    retries,
		"timeout":    timeout,
		"multiplier": multiplier,
	}).Debug("transport policy updated")
	return nil
}

// Open opens and configures the channel.
func (c *Client) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.openLocked(); err != nil {
		c.setState(StateDisconnected, err)
		return err
	}
	c.markConnected()
	logrus.WithField("resource", c.opts.Resource).Info("instrument channel opened")
	return nil
}

// Close closes the channel. The client may be reopened with Open or Reconnect.
func (c *Client) Close() error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.setState(StateDisconnected, nil)
	if !c.open {
		return nil
	}
	c.open = false
	return bus.Wrap("close", c.ch.Close())
}

// State returns a snapshot of the connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Identity returns the last identity string reported by the instrument.
func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Identify queries the instrument identity and remembers it.
func (c *Client) Identify(ctx context.Context) (string, error) {
	id, err := c.Query(ctx, IdentifyCommand)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
	return id, nil
}

// Write sends cmd, retrying on failure.
func (c *Client) Write(ctx context.Context, cmd string) error {
	_, err := c.do(ctx, opWrite, cmd, callOptions{})
	return err
}

// Query sends cmd and returns the trimmed, non-empty reply, retrying on
// failure.
func (c *Client) Query(ctx context.Context, cmd string, opts ...QueryOption) (string, error) {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	return c.do(ctx, opQuery, cmd, co)
}

// Reconnect closes and reopens the channel, identifies the instrument and
// runs the verifier. Concurrent calls share one reconnection.
func (c *Client) Reconnect(ctx context.Context) error {
	res := c.reconnects.DoChan("reconnect", func() (any, error) {
		return nil, c.reconnect(ctx)
	})
	select {
	case r := <-res:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

const (
	opWrite = "write"
	opQuery = "query"
)

func (c *Client) policy() (retries int, timeout time.Duration, multiplier float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts.Retries, c.opts.Timeout, c.opts.ExtendedTimeoutMultiplier
}

func (c *Client) do(ctx context.Context, op, cmd string, co callOptions) (string, error) {
	retries, _, _ := c.policy()
	if co.retries > 0 {
		retries = co.retries
	}

	var last error
	for attempt := 1; attempt <= retries; attempt++ {
		reply, err := c.attempt(ctx, op, cmd, co)
		if err == nil {
			c.markSuccess()
			return reply, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		last = err
		kind := faultLabel(err)
		logrus.WithFields(logrus.Fields{
			"op":      op,
			"command": cmd,
			"attempt": attempt,
			"retries": retries,
			"kind":    kind,
		}).WithError(err).Warn("instrument call failed")

		if attempt == retries {
			break
		}
		c.opts.Recorder.IncRetry(op, kind)

		if bus.Classify(err) == bus.KindIO && attempt == 2 {
			c.clear()
		}
		if err := Sleep(ctx, c.retryDelay(op, err)); err != nil {
			return "", err
		}
	}

	c.markFailure(last)
	c.opts.Recorder.IncRetryExhausted(op)
	return "", fmt.Errorf("%w: %s %q failed after %d attempts: %w", ErrConnectionLost, op, cmd, retries, last)
}

// attempt performs one settle delay and one channel call while holding callMu.
func (c *Client) attempt(ctx context.Context, op, cmd string, co callOptions) (string, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if !c.open {
		return "", ErrNotConnected
	}
	if err := Sleep(ctx, c.opts.Delays.Settle); err != nil {
		return "", err
	}

	if co.extended {
		_, base, mult := c.policy()
		ext := time.Duration(float64(base) * mult)
		if err := c.ch.SetTimeout(ext); err != nil {
			return "", bus.Wrap("set timeout", err)
		}
		c.setActiveTimeout(ext)
		defer func() {
			if err := c.ch.SetTimeout(base); err != nil {
				logrus.WithError(err).WithField("timeout", base).Error("failed to restore channel timeout")
			}
			c.setActiveTimeout(base)
		}()
	}

	if op == opWrite {
		return "", bus.Wrap(op, c.ch.Write(cmd))
	}

	raw, err := c.ch.Query(cmd)
	if err != nil {
		return "", bus.Wrap(op, err)
	}
	reply := strings.TrimSpace(raw)
	if reply == "" {
		return "", ErrEmptyResponse
	}
	if co.validate != nil {
		if err := co.validate(reply); err != nil {
			var ce *ConversionError
			if errors.As(err, &ce) {
				return "", err
			}
			return "", &ConversionError{Reply: reply, Err: err}
		}
	}
	logrus.WithFields(logrus.Fields{"command": cmd, "reply": reply}).Trace("instrument query")
	return reply, nil
}

func (c *Client) retryDelay(op string, err error) time.Duration {
	d := c.opts.Delays
	var ce *ConversionError
	switch {
	case op == opWrite:
		return d.Write
	case errors.Is(err, ErrEmptyResponse), errors.As(err, &ce):
		return d.Empty
	default:
		return d.Error
	}
}

// clear resets the instrument interface after repeated I/O faults.
func (c *Client) clear() {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if !c.open {
		return
	}
	if err := c.ch.Clear(); err != nil {
		logrus.WithError(err).Warn("failed to clear instrument interface")
		return
	}
	logrus.Debug("instrument interface cleared")
}

func (c *Client) reconnect(ctx context.Context) error {
	attempts := c.opts.ReconnectAttempts
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		logrus.WithFields(logrus.Fields{
			"attempt":  attempt,
			"attempts": attempts,
		}).Info("reconnecting to instrument")

		err := c.reopen(ctx)
		if err == nil {
			err = c.verifyLink(ctx)
		}
		if err == nil {
			c.markConnected()
			c.opts.Recorder.IncReconnect(true)
			logrus.WithField("identity", c.Identity()).Info("instrument reconnected")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		last = err
		c.opts.Recorder.IncReconnect(false)
		logrus.WithError(err).WithField("attempt", attempt).Warn("reconnection attempt failed")
	}

	c.setState(StateDisconnected, last)
	return fmt.Errorf("%w: %d reconnection attempts failed: %w", ErrUnrecoverable, attempts, last)
}

func (c *Client) reopen(ctx context.Context) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.setState(StateDisconnected, nil)
	if c.open {
		if err := c.ch.Close(); err != nil {
			logrus.WithError(err).Debug("closing channel before reconnect")
		}
		c.open = false
	}
	if err := Sleep(ctx, c.opts.Delays.Reconnect); err != nil {
		return err
	}
	return c.openLocked()
}

func (c *Client) verifyLink(ctx context.Context) error {
	if _, err := c.Identify(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	verify := c.verify
	c.mu.RUnlock()
	if verify == nil {
		return nil
	}
	return verify(ctx)
}

// openLocked opens and configures the channel. Callers hold callMu.
func (c *Client) openLocked() error {
	_, timeout, _ := c.policy()
	if err := c.ch.Open(c.opts.Resource); err != nil {
		return bus.Wrap("open", err)
	}
	if err := c.ch.SetTimeout(timeout); err != nil {
		_ = c.ch.Close()
		return bus.Wrap("set timeout", err)
	}
	if err := c.ch.SetTermination(c.opts.ReadTermination, c.opts.WriteTermination); err != nil {
		_ = c.ch.Close()
		return bus.Wrap("set termination", err)
	}
	c.open = true
	return nil
}

func (c *Client) setActiveTimeout(d time.Duration) {
	c.mu.Lock()
	c.state.Timeout = d
	c.mu.Unlock()
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	c.state.State = s
	if err != nil {
		c.state.LastErrorKind = bus.Classify(err)
		c.state.LastError = err.Error()
	}
	c.mu.Unlock()
	c.opts.Recorder.SetConnectionState(s.String())
}

func (c *Client) markConnected() {
	c.mu.Lock()
	c.state.State = StateConnected
	c.state.ConsecutiveFailures = 0
	c.mu.Unlock()
	c.opts.Recorder.SetConnectionState(StateConnected.String())
}

func (c *Client) markSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ConsecutiveFailures = 0
	if c.state.State == StateDegraded {
		c.state.State = StateConnected
		c.opts.Recorder.SetConnectionState(StateConnected.String())
	}
}

func (c *Client) markFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ConsecutiveFailures++
	c.state.LastErrorKind = bus.Classify(err)
	c.state.LastError = err.Error()
	if c.state.State == StateConnected {
		c.state.State = StateDegraded
		c.opts.Recorder.SetConnectionState(StateDegraded.String())
	}
}

// faultLabel names the fault class of err for logs and metrics.
func faultLabel(err error) string {
	var ce *ConversionError
	switch {
	case errors.Is(err, ErrEmptyResponse):
		return "empty"
	case errors.As(err, &ce):
		return "conversion"
	default:
		return bus.Classify(err).String()
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
