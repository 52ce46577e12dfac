// Package bus models the logical event bus topics as a small Go interface.
// The bus's wire transport is external infrastructure crawlorc only talks
// to, never implements; the one implementation shipped here is in-process,
// suitable for a single-process deployment and for tests.
package bus

import (
	"context"
	"sync"
)

// Topic names a logical bus topic.
type Topic string

const (
	TopicCrawlProgress   Topic = "crawl.progress"
	TopicCrawlResult     Topic = "crawl.result"
	TopicCrawlRequest    Topic = "crawl.request"
	TopicClassroomEvents Topic = "classroom.events"
	TopicUserEvents      Topic = "user.events"
)

// Message is a single bus event. Seq is the monotonic per-job sequence
// number consumers use to discard out-of-order or duplicate deliveries.
type Message struct {
	Topic Topic
	Key   string // entity identifier; ordering is guaranteed per key
	Seq   int64
	Body  []byte
}

// Publisher publishes messages keyed for per-entity ordering.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// Subscriber lets a caller register a handler for a topic.
type Subscriber interface {
	Subscribe(topic Topic, handler Handler) (unsubscribe func())
}

// Bus combines Publisher and Subscriber.
type Bus interface {
	Publisher
	Subscriber
}

// InProcessBus delivers messages synchronously to registered handlers in
// the order Publish is called. Per entity key, messages arrive in
// occurred-at order; across keys no order is guaranteed.
type InProcessBus struct {
	mu       sync.RWMutex
	handlers map[Topic]map[int]Handler
	nextID   int

	keyMu sync.Map // per-key mutex to serialize publishes for the same entity
}

// New constructs an empty in-process bus.
func New() *InProcessBus {
	return &InProcessBus{handlers: make(map[Topic]map[int]Handler)}
}

// Subscribe registers handler for topic and returns a function that removes
// it.
func (b *InProcessBus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// Publish delivers msg to every handler registered for msg.Topic, serialized
// per msg.Key so a single entity's events are never reordered across
// concurrent publishers.
func (b *InProcessBus) Publish(ctx context.Context, msg Message) error {
	lockIface, _ := b.keyMu.LoadOrStore(string(msg.Topic)+"|"+msg.Key, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[msg.Topic]))
	for _, h := range b.handlers[msg.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
