// Package bus is a small in-process pub/sub event bus. Delivery is
// fire-and-forget: channel subscribers with full buffers miss events, and
// handler panics are recovered and logged so a bad handler never crashes
// the emitter.
package bus

import (
	"log/slog"
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Handler is invoked synchronously for each matching event.
type Handler func(Event)

// Subscription represents an active channel subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus routes events to channel subscribers and registered handlers by
// topic prefix. An empty prefix matches all topics.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*Subscription
	handlers map[int]handlerEntry
	nextID   int
	logger   *slog.Logger
}

type handlerEntry struct {
	prefix string
	fn     Handler
}

// New creates a new Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:     make(map[int]*Subscription),
		handlers: make(map[int]handlerEntry),
		logger:   logger,
	}
}

// Subscribe creates a channel subscription for events matching the given
// topic prefix. The channel is buffered; slow consumers miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// On registers a handler for events matching the given topic prefix.
// Handlers run synchronously on the publishing goroutine; a panicking
// handler is recovered and logged, never propagated to the publisher.
// The returned function removes the handler.
func (b *Bus) On(topicPrefix string, fn Handler) (off func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handlerEntry{prefix: topicPrefix, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish sends an event to all matching subscribers and handlers.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	var fns []Handler
	for _, h := range b.handlers {
		if h.prefix == "" || strings.HasPrefix(topic, h.prefix) {
			fns = append(fns, h.fn)
		}
	}
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.invoke(fn, event)
	}
}

func (b *Bus) invoke(fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "topic", event.Topic, "panic", r)
		}
	}()
	fn(event)
}

// SubscriberCount returns the number of active channel subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
