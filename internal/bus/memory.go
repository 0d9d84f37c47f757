package bus

import (
	"context"
	"path"
	"sync"
)

// MemoryBus is the default, in-process transport. Publish calls every
// matching subscriber's handler synchronously on the publisher's goroutine,
// so a slow handler delays the publisher; there is no per-subscriber queue.
// It adds topic-pattern matching and a bounded reconnect buffer, since
// spec.md §4.3 requires both. Safe for concurrent use by any number of publishers
// and subscribers.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[int]subscription
	nextID      int

	bufferSize int
	buffer     []Message // the bounded reconnect buffer, drop-oldest on overflow
	connected  bool
	dropCount  uint64
}

type subscription struct {
	pattern string
	handler Handler
}

// NewMemoryBus returns a connected in-process Bus with the given reconnect
// buffer depth (spec.md §4.3 default: 1024).
func NewMemoryBus(bufferSize int) *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[int]subscription),
		bufferSize:  bufferSize,
		connected:   true,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: payload}

	b.mu.Lock()
	if !b.connected {
		b.buffer = append(b.buffer, msg)
		if len(b.buffer) > b.bufferSize {
			b.buffer = b.buffer[1:] // drop oldest, logged warning is the caller's job via DropCount
			b.dropCount++
		}
		b.mu.Unlock()
		return nil
	}
	subs := make([]subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !matches(s.pattern, topic) {
			continue
		}
		s.handler(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = subscription{pattern: pattern, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// Connected reports the simulated broker connection state.
func (b *MemoryBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// SetConnected flips the simulated connection state. Setting it back to
// true flushes the buffered messages accumulated while disconnected, in
// order, to current subscribers — used by tests exercising the "broker
// disconnect during an FSM operation" scenario from spec.md §8.
func (b *MemoryBus) SetConnected(connected bool) {
	b.mu.Lock()
	was := b.connected
	b.connected = connected
	var flush []Message
	if connected && !was {
		flush = b.buffer
		b.buffer = nil
	}
	subs := make([]subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, msg := range flush {
		for _, s := range subs {
			if matches(s.pattern, msg.Topic) {
				s.handler(msg)
			}
		}
	}
}

// DropCount reports how many buffered messages were dropped due to
// reconnect-buffer overflow.
func (b *MemoryBus) DropCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropCount
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[int]subscription)
	return nil
}

// matches reports whether topic satisfies pattern. Patterns use path-style
// "*" wildcards confined to one path segment, matching the fixed topic
// hierarchy's stf/<device>/cmd/* and stf/global/* forms; an exact pattern
// (no "*") matches only the identical topic.
func matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}
