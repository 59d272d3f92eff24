package metrics

import "time"

// Recorder defines observability hooks for the transport and the cycling
// run. All implementations must tolerate being called from several goroutines.
type Recorder interface {
	IncRetry(op, kind string)
	IncRetryExhausted(op string)
	IncReconnect(success bool)
	SetConnectionState(state string)
	SetTemperature(v float64)
	ObserveTransition(direction string, d time.Duration)
	IncCyclesCompleted()
	IncRunOutcome(outcome string) // outcome: stopped|failed
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncRetry(string, string) {}

func (NoopRecorder) IncRetryExhausted(string) {}

func (NoopRecorder) IncReconnect(bool) {}

func (NoopRecorder) SetConnectionState(string) {}

func (NoopRecorder) SetTemperature(float64) {}

func (NoopRecorder) ObserveTransition(string, time.Duration) {}

func (NoopRecorder) IncCyclesCompleted() {}

func (NoopRecorder) IncRunOutcome(string) {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
