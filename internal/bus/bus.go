// Package bus is a topic-keyed in-process publish/subscribe channel used to
// fan out run log lines and status changes to subscribers. Delivery is
// best-effort at-most-once; subscribers only see messages published after
// they subscribed. The database remains the canonical record.
package bus

import (
	"log/slog"
	"sync"
)

// Handler receives one published message. Handlers must not block: slow
// consumers (e.g. websocket writers) should buffer internally.
type Handler func(topic, msg string)

type subscriber struct {
	id      string
	handler Handler
}

// Bus fans messages out to topic subscribers in FIFO order per topic.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscriber
}

func New() *Bus {
	return &Bus{topics: make(map[string][]subscriber)}
}

// Subscribe registers a handler under an id on a topic. Subscribing the same
// id twice replaces the previous handler.
func (b *Bus) Subscribe(topic, id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			subs[i].handler = handler
			return
		}
	}
	b.topics[topic] = append(subs, subscriber{id: id, handler: handler})
}

// Unsubscribe removes an id from a topic. Unknown ids are ignored.
func (b *Bus) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}

// Publish delivers msg to every subscriber of the topic, in subscription
// order. A panicking handler is dropped from the topic rather than taking
// the publisher down.
func (b *Bus) Publish(topic, msg string) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(topic, s, msg)
	}
}

func (b *Bus) deliver(topic string, s subscriber, msg string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("bus handler panicked, dropping subscriber",
				"topic", topic, "subscriber", s.id, "panic", r)
			b.Unsubscribe(topic, s.id)
		}
	}()
	s.handler(topic, msg)
}
