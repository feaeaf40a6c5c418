// Package core holds the supervisor's live state: the store, the event
// bus, the tap classifier, and the policy engine.
package core

import (
	"log/slog"
	"sync"
)

// EventType classifies bus events.
type EventType int

const (
	// EventSnapshotDelta is a changed battery/RTC field.
	EventSnapshotDelta EventType = iota
	// EventTap is a classified button tap. Never dropped.
	EventTap
	// EventConfigDelta is a changed configuration field.
	EventConfigDelta
)

// Event is one broadcast item. Line() is the protocol form pushed to
// subscribed connections: "key: value", or the bare value for taps.
type Event struct {
	Type  EventType
	Key   string
	Value string
}

// Line renders the event as one push line (without newline).
func (e Event) Line() string {
	if e.Key == "" {
		return e.Value
	}
	return e.Key + ": " + e.Value
}

// subscriberQueue is the per-subscriber bounded buffer: snapshot and
// config deltas beyond the bound evict the oldest delta, tap events
// are always queued.
const subscriberQueue = 64

// Subscriber receives events from the bus. Wait on C, then Drain.
type Subscriber struct {
	id     uint64
	bus    *Bus
	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
}

// C signals that at least one event is queued.
func (s *Subscriber) C() <-chan struct{} { return s.notify }

// Drain returns and clears the queued events in production order.
func (s *Subscriber) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Close detaches the subscriber from the bus.
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s.id)
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}

func (s *Subscriber) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= subscriberQueue && e.Type != EventTap {
		dropped := false
		for i := range s.queue {
			if s.queue[i].Type != EventTap {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			// Queue is all taps; the delta loses.
			s.mu.Unlock()
			return
		}
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus is a single-producer-multiple-consumer broadcast of state deltas
// and tap events. Subscribers are identified by opaque handles; a slow
// subscriber never blocks the publisher.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscriber),
		logger: logger.With("component", "events"),
	}
}

// Subscribe attaches a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &Subscriber{id: id, bus: b, notify: make(chan struct{}, 1)}
	b.subs[id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers e to every subscriber in production order.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.push(e)
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
