package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusRoutesByType(t *testing.T) {
	bus := NewEventBus()
	peers := make(chan Event, 4)
	masks := make(chan Event, 4)
	bus.Subscribe(EventPeerConnected, peers)
	bus.Subscribe(EventPeerDisconnected, peers)
	bus.Subscribe(EventMaskPublished, masks)

	assert.True(t, bus.Publish(NewEvent(EventPeerConnected, "ws-1")))
	assert.True(t, bus.Publish(NewEvent(EventMaskPublished, uint64(7))))
	assert.True(t, bus.Publish(NewEvent(EventPeerDisconnected, "ws-1")))
	// No subscribers counts as delivered.
	assert.True(t, bus.Publish(NewEvent(EventTickDropped, nil)))

	require.Len(t, peers, 2)
	assert.Equal(t, EventPeerConnected, (<-peers).Type)
	assert.Equal(t, EventPeerDisconnected, (<-peers).Type)

	require.Len(t, masks, 1)
	assert.Equal(t, uint64(7), (<-masks).Payload)
}

func TestEventBusDropsForFullSubscriberOnly(t *testing.T) {
	bus := NewEventBus()
	slow := make(chan Event, 1)
	fast := make(chan Event, 8)
	bus.Subscribe(EventMaskPublished, slow)
	bus.Subscribe(EventMaskPublished, fast)

	assert.True(t, bus.Publish(NewEvent(EventMaskPublished, uint64(1))))

	done := make(chan bool)
	go func() { done <- bus.Publish(NewEvent(EventMaskPublished, uint64(2))) }()
	select {
	case delivered := <-done:
		assert.False(t, delivered)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	require.Len(t, slow, 1)
	assert.Equal(t, uint64(1), (<-slow).Payload)
	require.Len(t, fast, 2)
	assert.Equal(t, uint64(1), (<-fast).Payload)
	assert.Equal(t, uint64(2), (<-fast).Payload)
}

func TestEventBusUnsubscribeKeepsOthers(t *testing.T) {
	bus := NewEventBus()
	status := make(chan Event, 1)
	dump := make(chan Event, 1)
	bus.Subscribe(EventModelStateChanged, status)
	bus.Subscribe(EventModelStateChanged, dump)
	bus.Unsubscribe(EventModelStateChanged, status)
	// Unknown channels are ignored.
	bus.Unsubscribe(EventModelStateChanged, make(chan Event))

	bus.Publish(NewEvent(EventModelStateChanged, "loaded"))

	assert.Empty(t, status)
	require.Len(t, dump, 1)
	assert.Equal(t, "loaded", (<-dump).Payload)
}

func TestNewEventStampsTime(t *testing.T) {
	before := time.Now()
	evt := NewEvent(EventCameraFirstFrame, "sink-1")
	assert.Equal(t, EventCameraFirstFrame, evt.Type)
	assert.False(t, evt.Timestamp.Before(before))
}

func TestElementEmitUsesPipelineBus(t *testing.T) {
	el := NewBaseElement("encoder", 1)
	assert.False(t, el.Emit(EventWarning, "no bus yet"))

	bus := NewEventBus()
	warnings := make(chan Event, 1)
	bus.Subscribe(EventWarning, warnings)

	p := NewPipelineWithBus("billboard-output", bus)
	p.AddElement(el)
	assert.Same(t, bus, el.Bus())

	assert.True(t, el.Emit(EventWarning, "encode failed"))
	require.Len(t, warnings, 1)
	assert.Equal(t, "encode failed", (<-warnings).Payload)
}

func TestEventBusConcurrentPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := make(chan Event, 16)
			bus.Subscribe(EventPeerConnected, ch)
			bus.Unsubscribe(EventPeerConnected, ch)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(NewEvent(EventPeerConnected, j))
			}
		}()
	}
	wg.Wait()
}
