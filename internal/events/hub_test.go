package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10, EventUplinkFailed)

	hub.Publish(Event{
		Type:   EventUplinkFailed,
		Source: "test",
		Data:   UplinkTransitionData{Uplink: "eth0", From: "degraded", To: "failed"},
	})

	select {
	case e := <-ch:
		assert.Equal(t, EventUplinkFailed, e.Type)
		data, ok := e.Data.(UplinkTransitionData)
		require.True(t, ok, "expected UplinkTransitionData")
		assert.Equal(t, "eth0", data.Uplink)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_GlobalSubscription(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10)

	hub.Publish(Event{Type: EventUplinkFailed, Source: "test"})
	hub.Publish(Event{Type: EventUplinkRecovered, Source: "test"})
	hub.Publish(Event{Type: EventRouteFailover, Source: "test"})

	received := 0
	for i := 0; i < 3; i++ {
		select {
		case <-ch:
			received++
		case <-time.After(100 * time.Millisecond):
			break
		}
	}

	assert.Equal(t, 3, received)
}

func TestHub_TypeFiltering(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10, EventRouteFailover, EventRouteRecovery)

	hub.Publish(Event{Type: EventUplinkFailed, Source: "test"})
	hub.Publish(Event{Type: EventRouteFailover, Source: "test"})
	hub.Publish(Event{Type: EventUplinkRecovered, Source: "test"})
	hub.Publish(Event{Type: EventRouteRecovery, Source: "test"})

	received := 0
loop:
	for {
		select {
		case <-ch:
			received++
		case <-time.After(50 * time.Millisecond):
			break loop
		}
	}

	assert.Equal(t, 2, received)
}

func TestHub_NonBlocking(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(1, EventRouteRebuild)
	_ = ch

	for i := 0; i < 10; i++ {
		hub.Publish(Event{Type: EventRouteRebuild, Source: "test"})
	}

	published, dropped := hub.Stats()
	assert.EqualValues(t, 10, published)
	assert.GreaterOrEqual(t, dropped, uint64(9))
}

func TestHub_Concurrent(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(1000, EventRouteRebuild)

	var wg sync.WaitGroup
	const numPublishers = 10
	const eventsPerPublisher = 100

	for i := 0; i < numPublishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				hub.Publish(Event{Type: EventRouteRebuild, Source: "test"})
			}
		}()
	}

	wg.Wait()

	received := 0
loop:
	for {
		select {
		case <-ch:
			received++
		default:
			break loop
		}
	}

	assert.GreaterOrEqual(t, received, numPublishers*eventsPerPublisher/2)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10, EventUplinkFailed)
	hub.Unsubscribe(ch)

	hub.Publish(Event{Type: EventUplinkFailed, Source: "test"})

	select {
	case <-ch:
		t.Error("expected no events after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_EmitTransition(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10, EventUplinkFailed)

	hub.EmitTransition(EventUplinkFailed, "eth0", "degraded", "failed", 3)

	select {
	case e := <-ch:
		data := e.Data.(UplinkTransitionData)
		assert.Equal(t, "eth0", data.Uplink)
		assert.Equal(t, 3, data.ConsecutiveFail)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}
