// Package hub fans tagged messages out to every connected viewer. Publishing
// never blocks: a subscriber that falls more than its buffer behind is
// marked lagged and dropped, leaving the others untouched.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/m8bridge/internal/protocol"
)

// DefaultCapacity is the per-subscriber queue length.
const DefaultCapacity = 8

// Sentinel errors surfaced by Subscription.Recv and Hub.Subscribe.
var (
	ErrLagged = errors.New("hub: subscriber lagged")
	ErrClosed = errors.New("hub: closed")
)

// SubscriberStats captures per-subscriber delivery metrics.
type SubscriberStats struct {
	ID      string `json:"id"`
	Sent    int64  `json:"sent"`
	Dropped int64  `json:"dropped"`
	Bytes   int64  `json:"bytes"`
	Lagged  bool   `json:"lagged"`
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Published   int64             `json:"published"`
	Bytes       int64             `json:"bytes"`
	Closed      bool              `json:"closed"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Hub is the broadcast fan-out for one device.
type Hub struct {
	log      *slog.Logger
	capacity int

	mu     sync.RWMutex
	subs   map[string]*Subscription
	nextID uint64
	closed bool
	done   chan struct{}

	published atomic.Int64
	bytes     atomic.Int64
}

// New creates a Hub whose subscribers buffer up to capacity messages.
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		log:      slog.With("component", "hub"),
		capacity: capacity,
		subs:     make(map[string]*Subscription),
		done:     make(chan struct{}),
	}
}

// Publish delivers m to every current subscriber without blocking.
// Publishing after Close is a no-op.
func (h *Hub) Publish(m protocol.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	h.published.Add(1)
	h.bytes.Add(int64(m.Len()))
	for _, s := range h.subs {
		s.deliver(m)
	}
}

// Subscribe registers a new subscriber that receives every message
// published from now on.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	s := &Subscription{
		id:     fmt.Sprintf("sub-%d", h.nextID),
		hub:    h,
		ch:     make(chan protocol.Message, h.capacity),
		lagged: make(chan struct{}),
	}
	h.subs[s.id] = s

	h.log.Info("subscriber added", "subscriber", s.id, "subscribers", len(h.subs))
	return s, nil
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.log.Info("subscriber removed", "subscriber", id, "subscribers", n)
	}
}

// Close stops the hub. Every subscriber's Done channel is closed and later
// Subscribe calls fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	h.log.Info("hub closed", "subscribers", len(h.subs))
}

// Done is closed by Close.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns hub-wide and per-subscriber counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{
		Published:   h.published.Load(),
		Bytes:       h.bytes.Load(),
		Closed:      h.closed,
		Subscribers: make([]SubscriberStats, 0, len(h.subs)),
	}
	for _, s := range h.subs {
		st.Subscribers = append(st.Subscribers, s.Stats())
	}
	return st
}

// Subscription is one subscriber's view of the hub. Its methods may be used
// from one goroutine at a time, except Close which is safe anywhere.
type Subscription struct {
	id  string
	hub *Hub
	ch  chan protocol.Message

	lagOnce sync.Once
	lagged  chan struct{}

	closeOnce sync.Once

	sent    atomic.Int64
	dropped atomic.Int64
	bytes   atomic.Int64
}

// deliver runs under the hub's read lock.
func (s *Subscription) deliver(m protocol.Message) {
	select {
	case <-s.lagged:
		s.dropped.Add(1)
		return
	default:
	}

	select {
	case s.ch <- m:
		s.sent.Add(1)
		s.bytes.Add(int64(m.Len()))
	default:
		s.dropped.Add(1)
		s.lagOnce.Do(func() { close(s.lagged) })
	}
}

// ID identifies the subscription in logs and stats.
func (s *Subscription) ID() string { return s.id }

// C returns the message channel. It is never closed; select on Lagged and
// Done alongside it.
func (s *Subscription) C() <-chan protocol.Message { return s.ch }

// Lagged is closed once the subscriber has missed a message.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

// Done is closed when the hub closes.
func (s *Subscription) Done() <-chan struct{} { return s.hub.done }

// Err reports why the subscription can no longer be trusted: ErrLagged,
// ErrClosed, or nil while it is healthy.
func (s *Subscription) Err() error {
	select {
	case <-s.lagged:
		return ErrLagged
	default:
	}
	select {
	case <-s.hub.done:
		return ErrClosed
	default:
	}
	return nil
}

// Recv returns the next message. A lagged subscriber gets ErrLagged before
// any further message; a closed hub yields ErrClosed once the queue is empty.
func (s *Subscription) Recv(ctx context.Context) (protocol.Message, error) {
	if err := s.Err(); errors.Is(err, ErrLagged) {
		return protocol.Message{}, err
	}
	select {
	case m := <-s.ch:
		return m, nil
	default:
	}

	select {
	case m := <-s.ch:
		return m, nil
	case <-s.lagged:
		return protocol.Message{}, ErrLagged
	case <-s.hub.done:
		return protocol.Message{}, ErrClosed
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { s.hub.remove(s.id) })
}

func (s *Subscription) Stats() SubscriberStats {
	lagged := false
	select {
	case <-s.lagged:
		lagged = true
	default:
	}
	return SubscriberStats{
		ID:      s.id,
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Bytes:   s.bytes.Load(),
		Lagged:  lagged,
	}
}
