// Package bus carries gateway lifecycle events between components that must
// not know about each other: state machines and the registry publish,
// observers subscribe by kind prefix. Delivery is best-effort; a subscriber
// that falls behind loses events instead of stalling the publisher.
package bus

import (
	"strings"
	"sync"
)

// Bus fans published events out to prefix-filtered subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Never blocks: a full subscriber buffer drops the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers interest in event kinds starting with prefix; an empty
// prefix receives everything. The returned function cancels the
// subscription; the channel is never closed by the bus.
func (b *Bus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel
}
