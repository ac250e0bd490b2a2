// Package eventbus implements the in-process broadcast of node events
// emitted by application execution (spec §4.10), grounded on the
// teacher's channel-based coordination style (blockchain_synchronization.go's
// quit/active pattern) adapted from a single consumer loop to
// single-producer/multi-consumer fan-out.
package eventbus

import (
	"sync"

	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
)

// NodeEvent is one application-emitted event, queued during execution and
// published only once the call that produced it commits (spec §4.10: an
// event from a call that later traps must never be observed).
type NodeEvent struct {
	ContextID ids.ContextId
	Name      string
	Payload   []byte
	At        hlc.Timestamp
}

// subscription is one consumer's mailbox plus the filter it registered
// with.
type subscription struct {
	ch     chan NodeEvent
	filter func(ids.ContextId) bool
}

// Bus fans a single stream of NodeEvents out to any number of subscribers,
// each able to filter by ContextId.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscription
	nextID  int
	closed  bool
	quit    chan struct{}
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{subs: map[int]*subscription{}, quit: make(chan struct{})}
}

// Subscription is a handle a caller uses to receive events and eventually
// unsubscribe.
type Subscription struct {
	id     int
	bus    *Bus
	Events <-chan NodeEvent
}

// Unsubscribe removes this subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subs, s.id)
	}
}

// SubscribeContext returns a Subscription receiving only events for ctxID.
func (b *Bus) SubscribeContext(ctxID ids.ContextId) *Subscription {
	return b.subscribe(func(c ids.ContextId) bool { return c == ctxID })
}

// SubscribeAll returns a Subscription receiving every event published.
func (b *Bus) SubscribeAll() *Subscription {
	return b.subscribe(func(ids.ContextId) bool { return true })
}

func (b *Bus) subscribe(filter func(ids.ContextId) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	// Buffered so one slow subscriber can't block Publish; a subscriber
	// that falls behind drops events rather than stalling the node.
	ch := make(chan NodeEvent, 64)
	b.subs[id] = &subscription{ch: ch, filter: filter}
	return &Subscription{id: id, bus: b, Events: ch}
}

// Publish delivers event to every subscriber whose filter matches. A full
// subscriber channel drops the event for that subscriber rather than
// blocking the publisher (spec §4.10: best-effort local fan-out, not a
// durable log).
func (b *Bus) Publish(event NodeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.filter(event.ContextID) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Close stops the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.quit)
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
