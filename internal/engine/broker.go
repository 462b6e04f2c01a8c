package engine

import (
	"sync"

	"github.com/seantiz/comfyflow/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventBroker fans progress events of running executions out to live
// subscribers. It is safe for concurrent use.
//
// Finished executions keep a closed marker so that a subscriber arriving
// after the end gets a closed channel instead of waiting forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*topic),
	}
}

func (b *EventBroker) topic(executionID string) *topic {
	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.Event)}
		b.topics[executionID] = t
	}
	return t
}

// Subscribe returns a channel of events for the execution and a function
// that ends the subscription. The channel is already closed when the
// execution has finished.
func (b *EventBroker) Subscribe(executionID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(executionID)
	ch := make(chan model.Event, subscriberBufferSize)
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

// Publish delivers ev to every subscriber of its execution without blocking.
func (b *EventBroker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.ExecutionID]
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

// Close ends the event stream of an execution.
func (b *EventBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(executionID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
