package events

import "encoding/json"

// Event name constants
const (
	CyclingState          = "cycling.state"
	StabilizationProgress = "stabilization.progress"
	TransitionCompleted   = "transition.completed"
	CycleCompleted        = "cycle.completed"
	ConnectionState       = "connection.state"
	Temperature           = "temperature"
	ScheduleAction        = "schedule.action"
)

// Schedule actions.
const (
	ActionSchedule         = "schedule"
	ActionScheduleDisable  = "schedule-disable"
	ActionSchedulePostpone = "schedule-postpone"
	ActionScheduleSkip     = "schedule-skip"
	ActionScheduleUpcoming = "schedule-upcoming"
	ActionScheduleError    = "schedule-error"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// CyclingStateEvent is the typed payload for cycling.state.
type CyclingStateEvent struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Phase  string  `json:"phase"`
	Target float64 `json:"target,omitempty"`
	Error  string  `json:"error,omitempty"`
	Ts     int64   `json:"ts"`
}

// StabilizationProgressEvent is the typed payload for stabilization.progress.
// Durations are in seconds.
type StabilizationProgressEvent struct {
	Stage     string  `json:"stage"`
	Target    float64 `json:"target"`
	Current   float64 `json:"current"`
	Elapsed   float64 `json:"elapsed"`
	Hold      float64 `json:"hold"`
	Remaining float64 `json:"remaining"`
	Ts        int64   `json:"ts"`
}

// TransitionCompletedEvent is the typed payload for transition.completed.
type TransitionCompletedEvent struct {
	Direction string  `json:"direction"`
	StartTemp float64 `json:"startTemp"`
	EndTemp   float64 `json:"endTemp"`
	Duration  float64 `json:"duration"`
	Average   float64 `json:"average"`
	Ts        int64   `json:"ts"`
}

// CycleCompletedEvent is the typed payload for cycle.completed.
type CycleCompletedEvent struct {
	Count int64 `json:"count"`
	Ts    int64 `json:"ts"`
}

// ConnectionStateEvent is the typed payload for connection.state.
type ConnectionStateEvent struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
	Ts                  int64  `json:"ts"`
}

// ScheduleActionEvent is the typed payload for schedule.action.
type ScheduleActionEvent struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	NextRun int64  `json:"nextRun,omitempty"`
	Ts      int64  `json:"ts"`
}

// TemperatureEvent is the typed payload for temperature.
type TemperatureEvent struct {
	Value float64 `json:"value"`
	Ts    int64   `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.CycleCompletedEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Count)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
