package gateway

import (
	"sync"
	"time"
)

// EventType classifies a diagnostics event for WebSocket clients.
type EventType string

const (
	EventMessage    EventType = "message"
	EventNodeUpdate EventType = "node_update"
	EventDelivery   EventType = "delivery"
	EventStatus     EventType = "status"
)

// Event is the JSON envelope broadcast to WebSocket clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// subscriber holds a buffered channel for one WebSocket connection.
type subscriber struct {
	ch chan Event
}

// EventBus fans mesh and transport events out to diagnostics clients.
// Channel-based subscribers keep the bus transport-agnostic and fully
// testable without a real WebSocket.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new client. Returns a receive channel and an
// unsubscribe function that must be called when the client disconnects
// (it closes the channel).
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers. Slow consumers are
// skipped (their buffer is full) to avoid stalling the device loop.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// PublishMessage reports an inbound mesh message.
func (b *EventBus) PublishMessage(data interface{}) {
	b.Publish(Event{Type: EventMessage, Data: data})
}

// PublishNodeUpdate reports a route-table change.
func (b *EventBus) PublishNodeUpdate(data interface{}) {
	b.Publish(Event{Type: EventNodeUpdate, Data: data})
}

// PublishDelivery reports a transport delivery outcome.
func (b *EventBus) PublishDelivery(data interface{}) {
	b.Publish(Event{Type: EventDelivery, Data: data})
}

// PublishStatus reports a periodic device status snapshot.
func (b *EventBus) PublishStatus(data interface{}) {
	b.Publish(Event{Type: EventStatus, Data: data})
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
