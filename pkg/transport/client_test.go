package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/bus"
)

type result struct {
	reply string
	err   error
}

// fakeChannel replays scripted results. Once the script is exhausted every
// query returns fallback.
type fakeChannel struct {
	mu       sync.Mutex
	script   []result
	fallback result
	openErrs []error

	opens, closes, clears int
	commands              []string
	timeouts              []time.Duration
	inFlight, maxInFlight int32
}

func (f *fakeChannel) Open(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return err
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeChannel) next(cmd string) result {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxInFlight, m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if len(f.script) == 0 {
		return f.fallback
	}
	r := f.script[0]
	f.script = f.script[1:]
	return r
}

func (f *fakeChannel) Write(cmd string) error {
	return f.next(cmd).err
}

func (f *fakeChannel) Query(cmd string) (string, error) {
	r := f.next(cmd)
	return r.reply, r.err
}

func (f *fakeChannel) SetTimeout(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, d)
	return nil
}

func (f *fakeChannel) SetTermination(string, string) error { return nil }

func (f *fakeChannel) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

// testDelays keeps retries fast. A zero Delays would mean DefaultDelays.
var testDelays = Delays{Settle: time.Microsecond}

func newTestClient(t *testing.T, ch *fakeChannel) *Client {
	t.Helper()
	c := New(ch, Options{
		Resource: "GPIB0::4::INSTR",
		Retries:  3,
		Timeout:  100 * time.Millisecond,
		Delays:   testDelays,
	})
	require.NoError(t, c.Open(context.Background()))
	return c
}

func ioFault() error {
	return &bus.Error{Op: "query", Kind: bus.KindIO, Err: io.EOF}
}

func TestQueryTrimsReply(t *testing.T) {
	ch := &fakeChannel{script: []result{{reply: " 320\r\n"}}}
	c := newTestClient(t, ch)

	reply, err := c.Query(context.Background(), "R? 100, 1")
	require.NoError(t, err)
	assert.Equal(t, "320", reply)
	assert.Equal(t, StateConnected, c.State().State)
}

func TestQueryRetriesEmptyReply(t *testing.T) {
	ch := &fakeChannel{script: []result{{reply: ""}, {reply: "  "}, {reply: "1"}}}
	c := newTestClient(t, ch)

	reply, err := c.Query(context.Background(), "R? 606, 1")
	require.NoError(t, err)
	assert.Equal(t, "1", reply)
	assert.Len(t, ch.commands, 3)
	assert.Zero(t, c.State().ConsecutiveFailures)
}

func TestQueryExhaustion(t *testing.T) {
	ch := &fakeChannel{fallback: result{err: ioFault()}}
	c := newTestClient(t, ch)

	_, err := c.Query(context.Background(), "*IDN?")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, ch.commands, 3)
	assert.Equal(t, 1, ch.clears, "interface is cleared after the second I/O fault")

	st := c.State()
	assert.Equal(t, StateDegraded, st.State)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, bus.KindIO, st.LastErrorKind)

	_, err = c.Query(context.Background(), "*IDN?")
	require.Error(t, err)
	assert.Equal(t, 2, c.State().ConsecutiveFailures)

	ch.mu.Lock()
	ch.fallback = result{reply: "TTX"}
	ch.mu.Unlock()
	_, err = c.Query(context.Background(), "*IDN?")
	require.NoError(t, err)
	assert.Zero(t, c.State().ConsecutiveFailures)
	assert.Equal(t, StateConnected, c.State().State)
}

func TestTimeoutIsNotCleared(t *testing.T) {
	timeout := &bus.Error{Op: "query", Kind: bus.KindTimeout, Err: os.ErrDeadlineExceeded}
	ch := &fakeChannel{fallback: result{err: timeout}}
	c := newTestClient(t, ch)

	_, err := c.Query(context.Background(), "R? 100, 1")
	require.Error(t, err)
	assert.Zero(t, ch.clears)
	assert.Equal(t, bus.KindTimeout, c.State().LastErrorKind)
}

func TestWriteRetries(t *testing.T) {
	ch := &fakeChannel{script: []result{{err: ioFault()}, {}}}
	c := newTestClient(t, ch)

	require.NoError(t, c.Write(context.Background(), "W 300, 320"))
	assert.Equal(t, []string{"W 300, 320", "W 300, 320"}, ch.commands)
}

func TestValidatorRejectsReply(t *testing.T) {
	ch := &fakeChannel{script: []result{{reply: "abc"}, {reply: "320"}}}
	c := newTestClient(t, ch)

	numeric := func(s string) error {
		_, err := strconv.Atoi(s)
		return err
	}
	reply, err := c.Query(context.Background(), "R? 100, 1", WithValidator(numeric))
	require.NoError(t, err)
	assert.Equal(t, "320", reply)

	ch.mu.Lock()
	ch.fallback = result{reply: "x"}
	ch.mu.Unlock()
	_, err = c.Query(context.Background(), "R? 100, 1", WithValidator(numeric), WithRetries(2))
	var ce *ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "x", ce.Reply)
}

func TestExtendedTimeoutIsRestored(t *testing.T) {
	ch := &fakeChannel{script: []result{{err: ioFault()}, {reply: "320"}}}
	c := New(ch, Options{
		Resource:                  "GPIB0::4::INSTR",
		Retries:                   2,
		Timeout:                   100 * time.Millisecond,
		ExtendedTimeoutMultiplier: 3,
		Delays:                    testDelays,
	})
	require.NoError(t, c.Open(context.Background()))

	_, err := c.Query(context.Background(), "R? 100, 1", WithExtendedTimeout())
	require.NoError(t, err)

	base, ext := 100*time.Millisecond, 300*time.Millisecond
	assert.Equal(t, []time.Duration{base, ext, base, ext, base}, ch.timeouts)
	assert.Equal(t, base, c.State().Timeout)
}

func TestCallsDoNotInterleave(t *testing.T) {
	ch := &fakeChannel{fallback: result{reply: "1"}}
	c := newTestClient(t, ch)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Query(context.Background(), "R? 100, 1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ch.maxInFlight)
}

func TestQueryHonoursCancellation(t *testing.T) {
	ch := &fakeChannel{fallback: result{err: ioFault()}}
	c := New(ch, Options{
		Resource: "GPIB0::4::INSTR",
		Retries:  10,
		Delays:   Delays{Error: time.Hour},
	})
	require.NoError(t, c.Open(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Query(ctx, "R? 100, 1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, c.State().ConsecutiveFailures)
}

func TestNotOpen(t *testing.T) {
	c := New(&fakeChannel{}, Options{Retries: 1})
	_, err := c.Query(context.Background(), "*IDN?")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnect(t *testing.T) {
	ch := &fakeChannel{fallback: result{reply: "TTX,4899A"}}
	c := newTestClient(t, ch)

	verified := 0
	c.SetVerifier(func(ctx context.Context) error {
		verified++
		_, err := c.Query(ctx, "R? 606, 1")
		return err
	})

	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, 1, verified)
	assert.Equal(t, 2, ch.opens)
	assert.Equal(t, 1, ch.closes)
	assert.Equal(t, "TTX,4899A", c.Identity())
	assert.Equal(t, StateConnected, c.State().State)
}

func TestReconnectExhaustion(t *testing.T) {
	refused := errors.New("connection refused")
	ch := &fakeChannel{}
	c := newTestClient(t, ch)
	ch.openErrs = []error{refused, refused, refused}

	err := c.Reconnect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnrecoverable)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, StateDisconnected, c.State().State)

	_, err = c.Query(context.Background(), "*IDN?")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectVerifierFailure(t *testing.T) {
	ch := &fakeChannel{fallback: result{reply: "TTX"}}
	c := New(ch, Options{Resource: "GPIB0::4::INSTR", ReconnectAttempts: 2, Delays: testDelays})
	require.NoError(t, c.Open(context.Background()))

	bad := errors.New("scale out of range")
	c.SetVerifier(func(context.Context) error { return bad })

	err := c.Reconnect(context.Background())
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 3, ch.opens)
}

func TestConcurrentReconnectIsShared(t *testing.T) {
	ch := &fakeChannel{fallback: result{reply: "TTX"}}
	c := New(ch, Options{
		Resource: "GPIB0::4::INSTR",
		Delays:   Delays{Reconnect: 50 * time.Millisecond},
	})
	require.NoError(t, c.Open(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Reconnect(context.Background()))
		}()
	}
	wg.Wait()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.LessOrEqual(t, ch.opens, 3, "concurrent reconnects should collapse")
}

func TestSetPolicy(t *testing.T) {
	ch := &fakeChannel{}
	c := newTestClient(t, ch)

	assert.Error(t, c.SetPolicy(0, time.Second, 3))
	assert.Error(t, c.SetPolicy(3, 0, 3))
	assert.Error(t, c.SetPolicy(3, time.Second, 0.5))

	require.NoError(t, c.SetPolicy(5, 2*time.Second, 2))
	assert.Equal(t, 2*time.Second, c.State().Timeout)
	assert.Equal(t, 2*time.Second, ch.timeouts[len(ch.timeouts)-1])

	ch.fallback = result{err: ioFault()}
	_, err := c.Query(context.Background(), "*IDN?")
	require.Error(t, err)
	assert.Len(t, ch.commands, 5)
}

func TestDefaultDelaysOrdering(t *testing.T) {
	d := DefaultDelays()
	assert.Less(t, d.Write, d.Empty)
	assert.Less(t, d.Empty, d.Error)
	assert.Less(t, d.Error, d.Reconnect)
}

func TestZeroDelaysUseDefaults(t *testing.T) {
	c := New(&fakeChannel{}, Options{Resource: "GPIB0::4::INSTR"})
	assert.Equal(t, DefaultDelays(), c.opts.Delays)

	custom := Delays{Settle: time.Millisecond}
	c = New(&fakeChannel{}, Options{Resource: "GPIB0::4::INSTR", Delays: custom})
	assert.Equal(t, custom, c.opts.Delays)
}

func TestDefaultDelaysSettleBeforeEachAttempt(t *testing.T) {
	ch := &fakeChannel{fallback: result{err: ioFault()}}
	c := New(ch, Options{Resource: "GPIB0::4::INSTR", Retries: 2})
	require.NoError(t, c.Open(context.Background()))

	d := DefaultDelays()
	start := time.Now()
	_, err := c.Query(context.Background(), "R? 100, 1")
	require.Error(t, err)
	// two settles and one fault backoff between the attempts
	assert.GreaterOrEqual(t, time.Since(start), 2*d.Settle+d.Error)
}
