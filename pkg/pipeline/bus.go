package pipeline

import (
	"sync"
	"time"
)

// EventType names a lifecycle or diagnostic event published on the Bus.
type EventType string

const (
	EventCameraStateChanged EventType = "camera.state_changed"
	EventCameraUnavailable  EventType = "camera.unavailable"
	EventCameraFirstFrame   EventType = "camera.first_frame"
	EventModelStateChanged  EventType = "model.state_changed"
	EventModelLoadFailed    EventType = "model.load_failed"
	EventInferenceFailed    EventType = "segmentation.inference_failed"
	EventMaskPublished      EventType = "segmentation.mask_published"
	EventTickDropped        EventType = "render.tick_dropped"
	EventPeerConnected      EventType = "peer.connected"
	EventPeerDisconnected   EventType = "peer.disconnected"
	EventError              EventType = "error"
	EventWarning            EventType = "warning"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType EventType, payload interface{}) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Bus fans events out to subscribers. Publish never blocks: an event is dropped
// for a subscriber whose channel is full.
type Bus interface {
	Subscribe(eventType EventType, ch chan<- Event)
	Unsubscribe(eventType EventType, ch chan<- Event)
	// Publish reports whether every subscriber received the event.
	Publish(evt Event) bool
}

type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan<- Event
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]chan<- Event),
	}
}

func (b *EventBus) Subscribe(eventType EventType, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
}

func (b *EventBus) Unsubscribe(eventType EventType, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.subscribers[eventType]
	for i, c := range chans {
		if c == ch {
			b.subscribers[eventType] = append(chans[:i:i], chans[i+1:]...)
			return
		}
	}
}

func (b *EventBus) Publish(evt Event) bool {
	b.mu.RLock()
	subs := b.subscribers[evt.Type]
	b.mu.RUnlock()

	delivered := true
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			delivered = false
		}
	}
	return delivered
}
