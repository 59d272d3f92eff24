package cycling

import (
	"errors"
	"sync"
	"time"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/chamber"
)

// ErrTransitionActive is returned when starting a transition while another one
// is still being timed.
var ErrTransitionActive = errors.New("a transition is already active")

// DefaultMaxRecordCount bounds each direction's history.
const DefaultMaxRecordCount = 100

// TransitionRecord is one completed heating or cooling transition.
type TransitionRecord struct {
	Direction Direction     `json:"direction"`
	Target    float64       `json:"target"`
	StartTemp float64       `json:"startTemp"`
	EndTemp   float64       `json:"endTemp"`
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"duration"`
}

// ActiveTransition is the transition currently being timed.
type ActiveTransition struct {
	Direction Direction     `json:"direction"`
	Target    float64       `json:"target"`
	StartTemp float64       `json:"startTemp"`
	Start     time.Time     `json:"start"`
	Elapsed   time.Duration `json:"elapsed"`
}

// DirectionSummary aggregates the history of one direction.
type DirectionSummary struct {
	Count   int               `json:"count"`
	Average time.Duration     `json:"average"`
	Last    *TransitionRecord `json:"last,omitempty"`
}

// TransitionSummary aggregates both directions.
type TransitionSummary struct {
	Heating DirectionSummary `json:"heating"`
	Cooling DirectionSummary `json:"cooling"`
}

// TransitionHistory keeps the last MaxRecordCount records of one direction.
type TransitionHistory struct {
	MaxRecordCount int
	Records        []TransitionRecord
	mu             *sync.Mutex
}

// NewTransitionHistory returns an empty history.
func NewTransitionHistory(maxRecordCount int) *TransitionHistory {
	return &TransitionHistory{
		MaxRecordCount: maxRecordCount,
		Records:        make([]TransitionRecord, 0),
		mu:             &sync.Mutex{},
	}
}

// AddRecord appends r, dropping the oldest record when full.
func (h *TransitionHistory) AddRecord(r TransitionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Strip monotonic clock reading.
	r.Start = r.Start.Round(0)

	if h.MaxRecordCount > 0 && len(h.Records) >= h.MaxRecordCount {
		h.Records = h.Records[1:]
	}
	h.Records = append(h.Records, r)
}

// GetRecords returns a copy of the records, oldest first.
func (h *TransitionHistory) GetRecords() []TransitionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]TransitionRecord, len(h.Records))
	copy(out, h.Records)
	return out
}

// ClearRecords drops all records.
func (h *TransitionHistory) ClearRecords() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Records = make([]TransitionRecord, 0)
}

// Summary returns the count, the arithmetic mean duration and the last record.
func (h *TransitionHistory) Summary() DirectionSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := DirectionSummary{Count: len(h.Records)}
	if s.Count == 0 {
		return s
	}
	var total time.Duration
	for _, r := range h.Records {
		total += r.Duration
	}
	s.Average = total / time.Duration(s.Count)
	last := h.Records[s.Count-1]
	s.Last = &last
	return s
}

// TransitionTimer times the heating or cooling interval before a setpoint is
// first reached. At most one transition is active at a time.
type TransitionTimer struct {
	mu      sync.Mutex
	active  *ActiveTransition
	heating *TransitionHistory
	cooling *TransitionHistory

	now func() time.Time
}

// NewTransitionTimer returns a timer whose histories keep maxRecordCount
// records per direction.
func NewTransitionTimer(maxRecordCount int) *TransitionTimer {
	if maxRecordCount <= 0 {
		maxRecordCount = DefaultMaxRecordCount
	}
	return &TransitionTimer{
		heating: NewTransitionHistory(maxRecordCount),
		cooling: NewTransitionHistory(maxRecordCount),
		now:     time.Now,
	}
}

// Start begins timing a transition from the reading r toward target.
func (t *TransitionTimer) Start(target float64, r chamber.Reading) (Direction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil {
		return 0, ErrTransitionActive
	}
	start := r.At
	if start.IsZero() {
		start = t.now()
	}
	d := DirectionFor(r.Value, target)
	t.active = &ActiveTransition{
		Direction: d,
		Target:    target,
		StartTemp: r.Value,
		Start:     start,
	}
	return d, nil
}

// Active returns the transition being timed, with its elapsed time.
func (t *TransitionTimer) Active() (ActiveTransition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return ActiveTransition{}, false
	}
	a := *t.active
	a.Elapsed = nonNegative(t.now().Sub(a.Start))
	return a, true
}

// Complete ends the active transition at reading r and records it. It reports
// false when no transition was active.
func (t *TransitionTimer) Complete(r chamber.Reading) (TransitionRecord, bool) {
	t.mu.Lock()
	a := t.active
	t.active = nil
	t.mu.Unlock()

	if a == nil {
		return TransitionRecord{}, false
	}
	end := r.At
	if end.IsZero() {
		end = t.now()
	}
	rec := TransitionRecord{
		Direction: a.Direction,
		Target:    a.Target,
		StartTemp: a.StartTemp,
		EndTemp:   r.Value,
		Start:     a.Start,
		Duration:  nonNegative(end.Sub(a.Start)),
	}
	t.history(a.Direction).AddRecord(rec)
	return rec, true
}

// Abort discards the active transition without recording it.
func (t *TransitionTimer) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = nil
}

// History returns the records of direction d, oldest first.
func (t *TransitionTimer) History(d Direction) []TransitionRecord {
	return t.history(d).GetRecords()
}

// Average returns the mean duration of direction d.
func (t *TransitionTimer) Average(d Direction) (time.Duration, bool) {
	s := t.history(d).Summary()
	return s.Average, s.Count > 0
}

// Summary returns both directions' aggregates.
func (t *TransitionTimer) Summary() TransitionSummary {
	return TransitionSummary{
		Heating: t.heating.Summary(),
		Cooling: t.cooling.Summary(),
	}
}

func (t *TransitionTimer) history(d Direction) *TransitionHistory {
	if d == Heating {
		return t.heating
	}
	return t.cooling
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
