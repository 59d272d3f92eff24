package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// subscriberBuffer is the number of events queued per subscriber before
// events are dropped for it.
const subscriberBuffer = 32

// Subscription receives the events it was created for on C until it is
// unsubscribed or the hub is closed.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	names map[string]struct{}
}

func (s *Subscription) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// EventHub fans events out to subscribers. A nil hub drops everything.
type EventHub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for the named events, or for every event
// when no name is given. Subscribing to a closed hub returns a closed
// subscription.
func (h *EventHub) Subscribe(names ...string) *Subscription {
	sub := &Subscription{ch: make(chan Event, subscriberBuffer)}
	sub.C = sub.ch
	if len(names) > 0 {
		sub.names = make(map[string]struct{}, len(names))
		for _, n := range names {
			sub.names[n] = struct{}{}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call more
// than once.
func (h *EventHub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Close ends every subscription. Later publishes are dropped.
func (h *EventHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
	}
	h.subs = map[*Subscription]struct{}{}
}

// Subscribers returns the number of live subscriptions.
func (h *EventHub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// queue was full.
func (h *EventHub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Publish sends payload as JSON to every interested subscriber without
// blocking.
func (h *EventHub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).WithField("event", name).Error("failed to encode event")
		return
	}
	ev := Event{Name: name, Data: b}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(name) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
			logrus.WithField("event", name).Debug("dropped event for slow subscriber")
		}
	}
}
