// Package broadcast is the state broadcast fabric: a pub/sub hub that fans
// device/telemetry/order events out to any number of observers (websocket
// clients, the history writer, alerting) without letting a slow observer
// block the tick loop or the executor (spec.md §5). Grounded on the
// fan-in/batching idiom in root_view.go's fanIn/batchify, inverted here
// from an unbounded blocking fan-in to a bounded per-subscriber buffer
// with drop-oldest-on-overflow, since a digital twin's producers must
// never block on a stalled subscriber.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one broadcastable state change: a device snapshot, an alert, an
// order-history record, or a raw bus message relayed to observers.
type Event struct {
	Kind      string // "device", "alert", "order", "cookie", "bus"
	Timestamp time.Time
	Payload   any
}

// MarshalEnvelope renders the event as the {type, seq, ts, payload}
// envelope the edge (websocket/HTTP) surface sends to clients.
func (e Event) MarshalEnvelope(seq uint64) ([]byte, error) {
	return json.Marshal(struct {
		Type    string    `json:"type"`
		Seq     uint64    `json:"seq"`
		Ts      time.Time `json:"ts"`
		Payload any       `json:"payload"`
	}{Type: e.Kind, Seq: seq, Ts: e.Timestamp, Payload: e.Payload})
}

const defaultBufferDepth = 256

// subscriber is one observer's bounded mailbox. ring holds at most depth
// events; once full, Publish drops the oldest buffered event rather than
// blocking the publisher, incrementing dropped.
type subscriber struct {
	mu      sync.Mutex
	ring    []Event
	depth   int
	notify  chan struct{} // signalled (non-blocking) whenever ring becomes non-empty
	dropped uint64
	closed  bool
}

func newSubscriber(depth int) *subscriber {
	if depth <= 0 {
		depth = defaultBufferDepth
	}
	return &subscriber{depth: depth, notify: make(chan struct{}, 1)}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.ring) >= s.depth {
		s.ring = s.ring[1:]
		s.dropped++
	}
	s.ring = append(s.ring, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns every currently buffered event.
func (s *subscriber) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) == 0 {
		return nil
	}
	out := s.ring
	s.ring = nil
	return out
}

func (s *subscriber) dropCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Hub fans Events out to any number of Subscriptions. Publish never blocks:
// a subscriber that falls behind loses its oldest buffered events instead
// of stalling the publisher (the tick loop or the executor).
type Hub struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	depth       int
	seq         uint64
}

// NewHub returns a Hub whose subscriber mailboxes hold up to depth events
// (spec.md's default broadcast queue depth; see SPEC_FULL.md §5.5).
func NewHub(depth int) *Hub {
	return &Hub{subscribers: make(map[int]*subscriber), depth: depth}
}

// Subscription is a live observer handle: Events delivers buffered events
// as they arrive, and Close detaches the subscriber from the hub.
type Subscription struct {
	hub    *Hub
	id     int
	sub    *subscriber
	events chan Event
	done   chan struct{}
}

// Subscribe attaches a new observer and starts a goroutine that copies
// buffered events onto the returned channel in arrival order.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	sub := newSubscriber(h.depth)
	h.subscribers[id] = sub
	h.mu.Unlock()

	s := &Subscription{
		hub:    h,
		id:     id,
		sub:    sub,
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Subscription) pump() {
	defer close(s.events)
	for {
		for _, ev := range s.sub.drain() {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.sub.notify:
		case <-s.done:
			return
		}
	}
}

// Events returns the channel of delivered events, in order, for this
// subscriber.
func (s *Subscription) Events() <-chan Event { return s.events }

// DropCount reports how many events this subscriber has lost to overflow.
func (s *Subscription) DropCount() uint64 { return s.sub.dropCount() }

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.sub.close()
	s.hub.mu.Lock()
	delete(s.hub.subscribers, s.id)
	s.hub.mu.Unlock()
}

// Publish fans ev out to every current subscriber. Non-blocking: each
// subscriber's mailbox absorbs the event or drops its oldest entry.
func (h *Hub) Publish(ev Event) uint64 {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
	return seq
}

// SubscriberCount reports the number of currently attached observers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
