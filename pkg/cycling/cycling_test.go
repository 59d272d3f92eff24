package cycling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/chamber"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/transport"
)

// fakeClock advances only when slept on.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type read struct {
	v   float64
	err error
}

// fakeChamber replays scripted readings. When the script runs out it reports
// the last setpoint.
type fakeChamber struct {
	mu        sync.Mutex
	clock     func() time.Time
	script    []read
	reads     int
	setpoints []float64
	setErrs   []error
	powerOn   int
	powerOff  int
	onRead    func(f *fakeChamber) error
	onSet     func(v float64)
}

func (f *fakeChamber) Temperature(ctx context.Context, _ ...transport.QueryOption) (chamber.Reading, error) {
	if f.onRead != nil {
		if err := f.onRead(f); err != nil {
			return chamber.Reading{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	at := time.Now()
	if f.clock != nil {
		at = f.clock()
	}
	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		return chamber.Reading{Value: r.v, At: at}, r.err
	}
	if len(f.setpoints) == 0 {
		return chamber.Reading{Value: 72, At: at}, nil
	}
	return chamber.Reading{Value: f.setpoints[len(f.setpoints)-1], At: at}, nil
}

func (f *fakeChamber) SetSetpoint(_ context.Context, v float64) error {
	if f.onSet != nil {
		f.onSet(v)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.setErrs) > 0 {
		err := f.setErrs[0]
		f.setErrs = f.setErrs[1:]
		if err != nil {
			return err
		}
	}
	f.setpoints = append(f.setpoints, v)
	return nil
}

func (f *fakeChamber) PowerOn(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerOn++
	return nil
}

func (f *fakeChamber) PowerOff(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerOff++
	return nil
}

type fakeReconnector struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeReconnector) Reconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Hold = 4 * time.Second
	cfg.PollInterval = 2 * time.Second
	cfg.FailureBackoff = 2 * time.Second
	cfg.ProgressInterval = 0
	cfg.PowerOnSettle = 0
	return cfg
}

func newFakeMonitor(ch Chamber, rc Reconnector, cfg Config, clock *fakeClock, hooks *Hooks) *Monitor {
	m := NewMonitor(ch, rc, cfg, hooks)
	m.now = clock.Now
	m.sleep = clock.Sleep
	return m
}

func TestMonitorHoldResetsWhenLeavingTolerance(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	ch := &fakeChamber{
		clock: clock.Now,
		script: []read{
			{v: 137},   // out
			{v: 138},   // in, hold starts
			{v: 136},   // out, hold resets
			{v: 138.5}, // in, hold restarts
			{v: 138.5},
			{v: 139},
			{v: 139},
		},
	}
	m := newFakeMonitor(ch, nil, testConfig(), clock, nil)

	require.NoError(t, m.Wait(context.Background(), 140, nil))

	st, ok := m.State()
	require.True(t, ok)
	assert.Equal(t, StageStabilized, st.Stage)
	require.NotNil(t, st.HoldingSince)
	assert.Equal(t, start.Add(6*time.Second), *st.HoldingSince, "hold measured from the second entry")
	assert.Equal(t, 4*time.Second, st.Elapsed)
	assert.Equal(t, start.Add(10*time.Second), clock.Now())
	assert.Equal(t, 6, ch.reads)
}

func TestMonitorNeverStabilizesEarly(t *testing.T) {
	clock := newFakeClock()
	script := make([]read, 0, 40)
	for i := 0; i < 20; i++ {
		script = append(script, read{v: 139}, read{v: 150})
	}
	ch := &fakeChamber{clock: clock.Now, script: script}
	ctx, cancel := context.WithCancel(context.Background())
	ch.onRead = func(f *fakeChamber) error {
		if f.reads >= 40 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	m := newFakeMonitor(ch, nil, testConfig(), clock, nil)

	err := m.Wait(ctx, 140, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMonitorReadFailureKeepsHoldTimer(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	ch := &fakeChamber{
		clock: clock.Now,
		script: []read{
			{v: 140},
			{err: transport.ErrConnectionLost},
			{v: 140},
		},
	}
	m := newFakeMonitor(ch, nil, testConfig(), clock, nil)

	require.NoError(t, m.Wait(context.Background(), 140, nil))
	st, _ := m.State()
	assert.Equal(t, start, *st.HoldingSince)
	assert.Equal(t, start.Add(4*time.Second), clock.Now())
}

func TestMonitorReconnectsAtThreshold(t *testing.T) {
	clock := newFakeClock()
	script := make([]read, 0, 6)
	for i := 0; i < 5; i++ {
		script = append(script, read{err: transport.ErrConnectionLost})
	}
	script = append(script, read{v: 140})
	ch := &fakeChamber{clock: clock.Now, script: script}
	rc := &fakeReconnector{}
	cfg := testConfig()
	cfg.Hold = 0

	var seen []int
	hooks := &Hooks{OnProgress: func(s StabilizationState) { seen = append(seen, s.Failures) }}
	m := newFakeMonitor(ch, rc, cfg, clock, hooks)

	require.NoError(t, m.Wait(context.Background(), 140, nil))
	assert.Equal(t, 1, rc.calls)
	st, _ := m.State()
	assert.Zero(t, st.Failures)
	assert.Equal(t, 6, ch.reads)
	for _, f := range seen {
		assert.Zero(t, f)
	}
}

func TestMonitorReconnectFailureAborts(t *testing.T) {
	clock := newFakeClock()
	ch := &fakeChamber{clock: clock.Now}
	ch.onRead = func(*fakeChamber) error { return transport.ErrConnectionLost }
	rc := &fakeReconnector{err: fmt.Errorf("%w: gone", transport.ErrUnrecoverable)}
	m := newFakeMonitor(ch, rc, testConfig(), clock, nil)

	err := m.Wait(context.Background(), 140, nil)
	assert.ErrorIs(t, err, transport.ErrUnrecoverable)
	assert.Equal(t, 1, rc.calls)
}

func TestMonitorTimesTransition(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	ch := &fakeChamber{
		clock:  clock.Now,
		script: []read{{v: 70}, {v: 100}, {v: 138}, {v: 139}, {v: 140}},
	}
	timer := NewTransitionTimer(10)
	var recs []TransitionRecord
	hooks := &Hooks{OnTransition: func(r TransitionRecord) { recs = append(recs, r) }}
	m := newFakeMonitor(ch, nil, testConfig(), clock, hooks)

	require.NoError(t, m.Wait(context.Background(), 140, timer))
	require.Len(t, recs, 1, "recorded once per phase")
	assert.Equal(t, Heating, recs[0].Direction)
	assert.Equal(t, 70.0, recs[0].StartTemp)
	assert.Equal(t, 138.0, recs[0].EndTemp)
	assert.Equal(t, start, recs[0].Start)
	assert.Equal(t, 4*time.Second, recs[0].Duration, "completed on first entry, not after the hold")

	_, active := timer.Active()
	assert.False(t, active)
	assert.Len(t, timer.History(Heating), 1)
}

func TestMonitorAbortsTransitionOnStop(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	ch := &fakeChamber{clock: clock.Now, script: []read{{v: 70}}}
	ch.onRead = func(f *fakeChamber) error {
		if f.reads == 1 {
			cancel()
		}
		return nil
	}
	timer := NewTransitionTimer(10)
	m := newFakeMonitor(ch, nil, testConfig(), clock, nil)

	assert.ErrorIs(t, m.Wait(ctx, 140, timer), context.Canceled)
	_, active := timer.Active()
	assert.False(t, active)
	assert.Empty(t, timer.History(Heating))
}

func newFakeScheduler(ch Chamber, rc Reconnector, cfg Config, clock *fakeClock, hooks *Hooks) *Scheduler {
	s := NewScheduler(ch, rc, cfg, nil, nil, hooks)
	s.monitor.now = clock.Now
	s.monitor.sleep = clock.Sleep
	return s
}

func TestSchedulerCountsHighPhaseOnly(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := &fakeChamber{clock: clock.Now}
	// stop while the third setpoint (low phase of the second cycle) is held
	ch.onRead = func(f *fakeChamber) error {
		if len(f.setpoints) == 3 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	var cycles []int64
	hooks := &Hooks{OnCycle: func(n int64) { cycles = append(cycles, n) }}
	s := newFakeScheduler(ch, nil, testConfig(), clock, hooks)

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, []float64{32, 140, 32}, ch.setpoints)
	assert.Equal(t, int64(1), s.counter.Value())
	assert.Equal(t, []int64{1}, cycles)
	assert.Equal(t, 1, ch.powerOn)
	assert.Equal(t, 1, ch.powerOff)

	st, _, _ := s.State()
	assert.Equal(t, StateStopped, st)
}

func TestSchedulerCountsEveryPair(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := &fakeChamber{clock: clock.Now}
	hooks := &Hooks{OnCycle: func(n int64) {
		if n == 3 {
			cancel()
		}
	}}
	s := newFakeScheduler(ch, nil, testConfig(), clock, hooks)

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, int64(3), s.counter.Value())
	assert.Equal(t, []float64{32, 140, 32, 140, 32, 140}, ch.setpoints)
	assert.Equal(t, 1, ch.powerOff)
}

func TestSchedulerStopMidHold(t *testing.T) {
	ch := &fakeChamber{}
	cfg := testConfig()
	cfg.Hold = 10 * time.Minute
	cfg.PollInterval = 20 * time.Millisecond

	var states []State
	var mu sync.Mutex
	hooks := &Hooks{OnState: func(s State, _ Phase, _ float64, _ error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}}
	s := NewScheduler(ch, nil, cfg, nil, nil, hooks)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	st, ok := s.Stabilization()
	require.True(t, ok)
	assert.Equal(t, StageHolding, st.Stage)

	stoppedAt := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Less(t, time.Since(stoppedAt), time.Second)
	assert.Zero(t, s.counter.Value())
	assert.Equal(t, 1, ch.powerOff)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateStopping, states[len(states)-2])
	assert.Equal(t, StateStopped, states[len(states)-1])
}

func TestSchedulerSetpointReconnectRetry(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := &fakeChamber{clock: clock.Now, setErrs: []error{transport.ErrConnectionLost}}
	rc := &fakeReconnector{}
	hooks := &Hooks{OnCycle: func(int64) { cancel() }}
	s := newFakeScheduler(ch, rc, testConfig(), clock, hooks)

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 1, rc.calls)
	assert.Equal(t, []float64{32, 140}, ch.setpoints)
}

func TestSchedulerUnrecoverable(t *testing.T) {
	clock := newFakeClock()
	ch := &fakeChamber{clock: clock.Now, setErrs: []error{transport.ErrConnectionLost}}
	rc := &fakeReconnector{err: fmt.Errorf("%w: no reply", transport.ErrUnrecoverable)}
	s := newFakeScheduler(ch, rc, testConfig(), clock, nil)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrUnrecoverable)
	assert.Equal(t, 1, ch.powerOff)
	st, _, _ := s.State()
	assert.Equal(t, StateFailed, st)
}

func TestSchedulerFailedStateCarriesError(t *testing.T) {
	clock := newFakeClock()
	ch := &fakeChamber{clock: clock.Now, setErrs: []error{transport.ErrConnectionLost}}
	rc := &fakeReconnector{err: fmt.Errorf("%w: no reply", transport.ErrUnrecoverable)}

	var failedErr error
	var failedSeen bool
	hooks := &Hooks{OnState: func(s State, _ Phase, _ float64, err error) {
		if s == StateFailed {
			failedSeen = true
			failedErr = err
			return
		}
		assert.NoError(t, err, "state %s", s)
	}}
	s := newFakeScheduler(ch, rc, testConfig(), clock, hooks)

	runErr := s.Run(context.Background())
	require.Error(t, runErr)
	require.True(t, failedSeen)
	assert.Equal(t, runErr, failedErr)
}

func TestStabilizationIgnoresPreviousPhase(t *testing.T) {
	s := NewScheduler(&fakeChamber{}, nil, testConfig(), nil, nil, nil)
	s.monitor.state = &StabilizationState{Stage: StageStabilized, Target: 32}

	s.setState(StateWaitingStabilization, PhaseLow, 32)
	st, ok := s.Stabilization()
	require.True(t, ok)
	assert.Equal(t, StageStabilized, st.Stage)

	s.setState(StateWaitingStabilization, PhaseHigh, 140)
	_, ok = s.Stabilization()
	assert.False(t, ok)
}

func TestSchedulerPanicStillPowersOff(t *testing.T) {
	clock := newFakeClock()
	ch := &fakeChamber{clock: clock.Now}
	ch.onSet = func(float64) { panic("bus exploded") }
	s := newFakeScheduler(ch, nil, testConfig(), clock, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus exploded")
	assert.Equal(t, 1, ch.powerOff)
}

func TestSchedulerRejectsInvalidConfig(t *testing.T) {
	ch := &fakeChamber{}
	cfg := testConfig()
	cfg.Low, cfg.High = 140, 32
	s := NewScheduler(ch, nil, cfg, nil, nil, nil)

	assert.Error(t, s.Run(context.Background()))
	assert.Zero(t, ch.powerOn)
	assert.Zero(t, ch.powerOff)
}

func TestTransitionTimer(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	timer := NewTransitionTimer(2)

	d, err := timer.Start(140, chamber.Reading{Value: 32, At: now})
	require.NoError(t, err)
	assert.Equal(t, Heating, d)

	_, err = timer.Start(32, chamber.Reading{Value: 140, At: now})
	assert.ErrorIs(t, err, ErrTransitionActive)

	rec, ok := timer.Complete(chamber.Reading{Value: 138, At: now.Add(10 * time.Minute)})
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, rec.Duration)

	_, ok = timer.Complete(chamber.Reading{Value: 138, At: now})
	assert.False(t, ok, "recorded only once")

	for i, mins := range []int{20, 30} {
		start := now.Add(time.Duration(i) * time.Hour)
		d, err := timer.Start(140, chamber.Reading{Value: 140, At: start})
		require.NoError(t, err)
		assert.Equal(t, Cooling, d, "equal temperatures count as cooling")
		_, ok := timer.Complete(chamber.Reading{Value: 139, At: start.Add(time.Duration(mins) * time.Minute)})
		require.True(t, ok)
	}

	avg, ok := timer.Average(Cooling)
	require.True(t, ok)
	assert.Equal(t, 25*time.Minute, avg)

	sum := timer.Summary()
	assert.Equal(t, 1, sum.Heating.Count)
	assert.Equal(t, 10*time.Minute, sum.Heating.Average)
	assert.Equal(t, 2, sum.Cooling.Count)
	require.NotNil(t, sum.Cooling.Last)
	assert.Equal(t, 30*time.Minute, sum.Cooling.Last.Duration)

	// history is bounded
	_, _ = timer.Start(140, chamber.Reading{Value: 150, At: now})
	_, _ = timer.Complete(chamber.Reading{Value: 141, At: now.Add(40 * time.Minute)})
	recs := timer.History(Cooling)
	require.Len(t, recs, 2)
	assert.Equal(t, 30*time.Minute, recs[0].Duration)

	// a clock going backwards never yields a negative duration
	_, _ = timer.Start(140, chamber.Reading{Value: 20, At: now})
	rec, _ = timer.Complete(chamber.Reading{Value: 139, At: now.Add(-time.Minute)})
	assert.Zero(t, rec.Duration)
}

func TestFormatClock(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{59*time.Second + 900*time.Millisecond, "00:59"},
		{90 * time.Second, "01:30"},
		{10 * time.Minute, "10:00"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatClock(tt.in))
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "waiting-stabilization", StateWaitingStabilization.String())
	assert.True(t, StateStopping.Running())
	assert.False(t, StateStopped.Running())
	assert.Equal(t, "high", PhaseHigh.String())
	b, err := Cooling.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "cooling", string(b))
	assert.NoError(t, DefaultConfig().Validate())
}
