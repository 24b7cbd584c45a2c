package hub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/optimus/telemetry/internal/types"
	"github.com/rs/zerolog"
)

// DefaultQueueLen is the per-subscriber outbound queue depth
const DefaultQueueLen = 256

// OverflowPolicy decides what happens when a subscriber's queue is full
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued message to make room
	DropOldest OverflowPolicy = "drop_oldest"
	// Disconnect removes the subscriber
	Disconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy validates a policy name; empty means DropOldest
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", DropOldest:
		return DropOldest, nil
	case Disconnect:
		return Disconnect, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Subscriber is one live listener. Messages arrive on a bounded channel in
// broadcast order; the channel is closed once the subscriber is closed.
type Subscriber struct {
	id      string
	ch      chan types.Message
	done    chan struct{}
	mu      sync.Mutex // serializes sends with close
	closed  bool
	dropped atomic.Uint64
}

// ID returns the subscriber id
func (s *Subscriber) ID() string { return s.id }

// Messages returns the delivery channel
func (s *Subscriber) Messages() <-chan types.Message { return s.ch }

// Done is closed when the subscriber is closed
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped returns how many messages were discarded on overflow
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Close marks the subscriber disconnected. The hub removes it on the next
// broadcast. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// deliver enqueues msg without blocking. It returns false when the
// subscriber is gone and should be removed.
func (s *Subscriber) deliver(msg types.Message, policy OverflowPolicy) (ok bool, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}

	select {
	case s.ch <- msg:
		return true, false
	default:
	}

	if policy == Disconnect {
		return false, false
	}

	// drop oldest if queue full
	select {
	case <-s.ch:
		s.dropped.Add(1)
		dropped = true
	default:
	}
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
		dropped = true
	}
	return true, dropped
}

// Hub fans messages out to a dynamic set of subscribers
type Hub struct {
	logger   zerolog.Logger
	queueLen int
	policy   OverflowPolicy
	onDrop   func()
	mu       sync.RWMutex
	subs     map[string]*Subscriber
}

// Option configures a Hub
type Option func(*Hub)

// WithQueueLen sets the per-subscriber queue depth
func WithQueueLen(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueLen = n
		}
	}
}

// WithOverflowPolicy sets the slow-subscriber policy
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(h *Hub) { h.policy = p }
}

// WithDropHook is called once for every message discarded on overflow
func WithDropHook(fn func()) Option {
	return func(h *Hub) { h.onDrop = fn }
}

// New creates an empty hub
func New(logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:   logger.With().Str("component", "hub").Logger(),
		queueLen: DefaultQueueLen,
		policy:   DropOldest,
		subs:     make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber. A non-nil backlog is queued before
// the subscriber becomes visible to Broadcast, so it precedes every live
// message.
func (h *Hub) Subscribe(backlog *types.Message) *Subscriber {
	s := &Subscriber{
		id:   uuid.NewString(),
		ch:   make(chan types.Message, h.queueLen),
		done: make(chan struct{}),
	}
	if backlog != nil {
		s.ch <- *backlog
	}

	h.mu.Lock()
	h.subs[s.id] = s
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Info().
		Str("subscriber", s.id).
		Int("subscribers", count).
		Msg("Subscriber connected")
	return s
}

// Unsubscribe removes and closes s. Idempotent.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	h.mu.Lock()
	_, exists := h.subs[s.id]
	delete(h.subs, s.id)
	count := len(h.subs)
	h.mu.Unlock()

	s.Close()
	if exists {
		h.logger.Info().
			Str("subscriber", s.id).
			Int("subscribers", count).
			Msg("Subscriber disconnected")
	}
}

// Broadcast delivers msg to every current subscriber without blocking on
// any of them. Subscribers that cannot take it are removed after the pass.
func (h *Hub) Broadcast(msg types.Message) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	var failed []*Subscriber
	for _, s := range subs {
		ok, dropped := s.deliver(msg, h.policy)
		if !ok {
			failed = append(failed, s)
			continue
		}
		if dropped {
			h.logger.Debug().Str("subscriber", s.id).Msg("Subscriber queue full, dropped oldest message")
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}

	for _, s := range failed {
		h.logger.Debug().Str("subscriber", s.id).Msg("Delivery failed, removing subscriber")
		h.Unsubscribe(s)
	}
}

// Count returns the number of registered subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
