package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types.
const (
	EventState    = "state"
	EventCall     = "call"
	EventFinished = "finished"
)

// Event is one change on a handle.
type Event struct {
	Type      string    `json:"type"`
	HandleID  string    `json:"handle_id"`
	State     string    `json:"state,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// EventBroker fans out per-handle events to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that subscribers arriving after a
// handle terminated receive a closed channel instead of blocking forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel receiving events for the given handle and an
// unsubscribe function. If the handle is already terminated (Close was
// called), the returned channel is immediately closed.
func (b *EventBroker) Subscribe(handleID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[handleID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[handleID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends ev to all subscribers of its handle, dropping it for
// subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.HandleID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that no more events will be published for the given handle.
func (b *EventBroker) Close(handleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[handleID]
	if !ok {
		b.topics[handleID] = &eventTopic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
