// Package hub manages change-notification subscribers: registration,
// filtered fan-out, and per-subscriber backpressure. Broadcast never blocks
// the caller; a subscriber that cannot keep up loses its oldest queued
// events and receives a trailing Resync marker telling it to refetch full
// state instead of stalling the broadcaster.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markview/markview/internal/errors"
	"github.com/markview/markview/internal/logging"
)

// ChangeKind is the logical change type carried to subscribers.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// ChangeEvent is a document change notification. Seq totally orders all
// events delivered to subscribers of one coordinator instance.
type ChangeEvent struct {
	Path        string     `json:"path"`
	Kind        ChangeKind `json:"kind"`
	Seq         uint64     `json:"seq"`
	ObservedAt  time.Time  `json:"observed_at"`
	RenamedFrom string     `json:"renamed_from,omitempty"`
}

// MessageType discriminates subscriber queue items.
type MessageType string

const (
	MessageChange MessageType = "change"
	MessageResync MessageType = "resync"
)

// Message is one item on a subscriber's outbound queue.
type Message struct {
	Type  MessageType  `json:"type"`
	Event *ChangeEvent `json:"event,omitempty"`
}

// Filter selects which paths a subscriber cares about.
type Filter struct {
	all   bool
	paths map[string]struct{}
}

// FilterAll matches every path.
func FilterAll() Filter {
	return Filter{all: true}
}

// FilterPaths matches only the given normalized paths.
func FilterPaths(paths ...string) Filter {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}

	return Filter{paths: set}
}

// Matches reports whether the filter selects path.
func (f Filter) Matches(path string) bool {
	if f.all {
		return true
	}
	_, ok := f.paths[path]

	return ok
}

// Subscriber is one registered long-lived client connection. It is owned
// exclusively by the Hub; its bounded queue is the only structure shared
// between the broadcast path and the connection's write loop.
type Subscriber struct {
	id  uuid.UUID
	hub *Hub

	mu        sync.Mutex
	filter    Filter
	queue     []Message
	hasMarker bool
	closed    bool

	notify chan struct{}
	done   chan struct{}
}

// ID returns the subscriber's identity.
func (s *Subscriber) ID() uuid.UUID {
	return s.id
}

// SetFilter replaces the subscription filter.
func (s *Subscriber) SetFilter(filter Filter) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

// Next blocks until a message is queued, the subscriber is removed, or ctx
// is cancelled.
func (s *Subscriber) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			if msg.Type == MessageResync {
				s.hasMarker = false
			}
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Message{}, errors.NewInternal("subscriber removed", nil)
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Queued returns a snapshot of the pending queue, for tests and diagnostics.
func (s *Subscriber) Queued() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.queue))
	copy(out, s.queue)

	return out
}

// enqueue appends a change message, applying the overflow policy: drop the
// oldest queued events and keep exactly one Resync marker at the tail so
// the client knows to refetch state. Never blocks.
func (s *Subscriber) enqueue(event *ChangeEvent, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.filter.Matches(event.Path) {
		return
	}

	msg := Message{Type: MessageChange, Event: event}
	if s.hasMarker {
		// Keep the marker trailing: new events slot in before it.
		s.queue = append(s.queue[:len(s.queue)-1], msg, s.queue[len(s.queue)-1])
	} else {
		s.queue = append(s.queue, msg)
	}

	overflowed := false
	for len(s.queue) > depth {
		s.queue = s.queue[1:]
		overflowed = true
	}

	if overflowed && !s.hasMarker {
		if len(s.queue) == depth {
			s.queue = s.queue[1:]
		}
		s.queue = append(s.queue, Message{Type: MessageResync})
		s.hasMarker = true
	}

	s.signal()
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.hasMarker = false
	s.mu.Unlock()

	close(s.done)
}

// Hub owns the subscriber set. All mutation happens through Subscribe,
// Unsubscribe, and Broadcast.
type Hub struct {
	mu          sync.Mutex
	subscribers []*Subscriber // registration order
	byID        map[uuid.UUID]*Subscriber
	depth       int
	logger      logging.Logger
}

// New creates a hub whose subscribers buffer at most depth messages.
func New(depth int, logger logging.Logger) *Hub {
	return &Hub{
		byID:   make(map[uuid.UUID]*Subscriber),
		depth:  depth,
		logger: logger.WithComponent("hub"),
	}
}

// Subscribe registers a new subscriber with the given filter.
func (h *Hub) Subscribe(filter Filter) *Subscriber {
	s := &Subscriber{
		id:     uuid.New(),
		hub:    h,
		filter: filter,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.subscribers = append(h.subscribers, s)
	h.byID[s.id] = s
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug(context.Background(), "subscriber registered", "id", s.id.String(), "total", count)

	return s
}

// Unsubscribe removes a subscriber and discards its queue. Removing an
// unknown id is a no-op.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	s, ok := h.byID[id]
	if ok {
		delete(h.byID, id)
		for i, sub := range h.subscribers {
			if sub.id == id {
				h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
				break
			}
		}
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		s.close()
		h.logger.Debug(context.Background(), "subscriber removed", "id", id.String(), "total", count)
	}
}

// Broadcast fans event out to every matching subscriber in registration
// order. It never blocks and never returns an error to the caller;
// backpressure is absorbed per subscriber.
func (h *Hub) Broadcast(event ChangeEvent) {
	h.mu.Lock()
	subscribers := make([]*Subscriber, len(h.subscribers))
	copy(subscribers, h.subscribers)
	depth := h.depth
	h.mu.Unlock()

	for _, s := range subscribers {
		s.enqueue(&event, depth)
	}
}

// Count reports the current number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subscribers)
}
