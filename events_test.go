package deltasync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestEventsConnectDelivers(t *testing.T) {
	events := NewEvents()
	var got *ConnectionDetails
	events.SubscribeConnect(func(d *ConnectionDetails) { got = d })

	details := &ConnectionDetails{ClientId: NewId()}
	events.emitConnect(details)

	assert.Equal(t, got, details)
}

func TestEventsUnsubscribeStopsDelivery(t *testing.T) {
	events := NewEvents()
	calls := 0
	unsubscribe := events.SubscribeError(func(error) { calls += 1 })

	events.emitError(NewTransientError("one"))
	unsubscribe()
	events.emitError(NewTransientError("two"))

	assert.Equal(t, calls, 1)
}

func TestEventsMultipleSubscribersAllFire(t *testing.T) {
	events := NewEvents()
	var a, b bool
	events.SubscribeCaughtUp(func() { a = true })
	events.SubscribeCaughtUp(func() { b = true })

	events.emitCaughtUp()

	assert.Equal(t, a, true)
	assert.Equal(t, b, true)
}

func TestEventsPongCarriesLatency(t *testing.T) {
	events := NewEvents()
	var got time.Duration
	events.SubscribePong(func(d time.Duration) { got = d })

	events.emitPong(42 * time.Millisecond)

	assert.Equal(t, got, 42*time.Millisecond)
}

func TestEventsConnectionDelayCarriesAttempt(t *testing.T) {
	events := NewEvents()
	var got ConnectionDelayEvent
	events.SubscribeConnectionDelay(func(e ConnectionDelayEvent) { got = e })

	events.emitConnectionDelay(ConnectionDelayEvent{Delay: time.Second, Attempt: 3})

	assert.Equal(t, got.Attempt, 3)
	assert.Equal(t, got.Delay, time.Second)
}
