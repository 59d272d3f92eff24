package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewEventHub()
	sub := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	h.Publish(CycleCompleted, CycleCompletedEvent{Count: 3, Ts: 42})
	ev := <-sub.C
	assert.Equal(t, CycleCompleted, ev.Name)

	payload, err := DecodeAs[CycleCompletedEvent](ev)
	require.NoError(t, err)
	assert.Equal(t, int64(3), payload.Count)

	h.Unsubscribe(sub)
	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, h.Subscribers())

	h.Unsubscribe(sub)
}

func TestHubFiltersByName(t *testing.T) {
	h := NewEventHub()
	sub := h.Subscribe(CycleCompleted, TransitionCompleted)

	h.Publish(Temperature, TemperatureEvent{Value: 20})
	h.Publish(TransitionCompleted, TransitionCompletedEvent{Direction: "heating"})
	h.Publish(Temperature, TemperatureEvent{Value: 21})
	h.Publish(CycleCompleted, CycleCompletedEvent{Count: 1})

	require.Len(t, sub.C, 2)
	assert.Equal(t, TransitionCompleted, (<-sub.C).Name)
	assert.Equal(t, CycleCompleted, (<-sub.C).Name)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewEventHub()
	sub := h.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(Temperature, TemperatureEvent{Value: float64(i)})
	}
	assert.Len(t, sub.C, subscriberBuffer)
	assert.EqualValues(t, 10, h.Dropped())
}

func TestHubClose(t *testing.T) {
	h := NewEventHub()
	sub := h.Subscribe()
	h.Close()

	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, h.Subscribers())

	late := h.Subscribe()
	_, open = <-late.C
	assert.False(t, open)

	assert.NotPanics(t, func() {
		h.Publish(Temperature, TemperatureEvent{})
		h.Unsubscribe(sub)
		h.Close()
	})
}

func TestNilHub(t *testing.T) {
	var h *EventHub
	assert.NotPanics(t, func() {
		h.Publish(Temperature, TemperatureEvent{})
		h.Close()
	})
	assert.Zero(t, h.Subscribers())
	assert.Zero(t, h.Dropped())
}

func TestDecodeEmpty(t *testing.T) {
	v, err := DecodeAs[ConnectionStateEvent](Event{Name: ConnectionState})
	require.NoError(t, err)
	assert.Empty(t, v.State)
}
