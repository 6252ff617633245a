package hub

import (
	"sort"
	"sync"
	"sync/atomic"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/pkg/logger"
)

// DefaultBuffer is the per-subscriber queue depth when no option or
// config overrides it.
const DefaultBuffer = 256

// Option configures one subscription.
type Option func(*subOptions)

type subOptions struct {
	buffer int
	types  map[models.StreamType]bool
}

// WithBuffer sets the subscriber's queue depth. Values below 1 are
// raised to 1.
func WithBuffer(n int) Option {
	return func(o *subOptions) {
		if n < 1 {
			n = 1
		}
		o.buffer = n
	}
}

// WithTypes restricts delivery to the given record types. No types
// means everything.
func WithTypes(types ...models.StreamType) Option {
	return func(o *subOptions) {
		if o.types == nil {
			o.types = make(map[models.StreamType]bool, len(types))
		}
		for _, t := range types {
			o.types[t] = true
		}
	}
}

// Subscriber is one consumer's bounded queue onto the hub.
type Subscriber struct {
	id    uint64
	types map[models.StreamType]bool // nil = all types

	mu      sync.Mutex // serializes evict+send so queue order stays FIFO
	ch      chan models.Envelope
	closed  bool
	dropped atomic.Uint64
}

// C is the delivery channel. It closes on Unsubscribe or hub Close.
func (s *Subscriber) C() <-chan models.Envelope { return s.ch }

// ID returns the hub-assigned subscriber id.
func (s *Subscriber) ID() uint64 { return s.id }

// Dropped returns how many envelopes were evicted from this
// subscriber's queue because it was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscriber) wants(t models.StreamType) bool {
	return s.types == nil || s.types[t]
}

// push enqueues without ever blocking the publisher. A full queue
// evicts its oldest envelope to make room, so a stalled subscriber
// always holds the most recent window of records. Returns how many
// envelopes were evicted.
func (s *Subscriber) push(env models.Envelope) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	evicted := 0
	for {
		select {
		case s.ch <- env:
			return evicted
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			evicted++
		default:
			// Consumer drained it between the two selects; the next
			// send attempt succeeds.
		}
	}
}

func (s *Subscriber) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// SubscriberStats is a point-in-time view of one subscription.
type SubscriberStats struct {
	ID      uint64
	Queued  int
	Dropped uint64
}

// Hub fans stored records out to live subscribers. Publish never
// blocks and never fails; slow consumers lose their oldest queued
// envelopes, counted per subscriber.
type Hub struct {
	lgr           *logger.Logger
	metrics       repository.Metrics
	defaultBuffer int

	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool
}

func New(defaultBuffer int, lgr *logger.Logger, m repository.Metrics) *Hub {
	if defaultBuffer < 1 {
		defaultBuffer = DefaultBuffer
	}
	return &Hub{
		lgr:           lgr,
		metrics:       m,
		defaultBuffer: defaultBuffer,
		subs:          make(map[uint64]*Subscriber),
	}
}

// Subscribe registers a new consumer. On a closed hub the returned
// subscriber's channel is already closed.
func (h *Hub) Subscribe(opts ...Option) *Subscriber {
	options := subOptions{buffer: h.defaultBuffer}
	for _, opt := range opts {
		opt(&options)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		id:    h.nextID,
		types: options.types,
		ch:    make(chan models.Envelope, options.buffer),
	}
	if h.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}

	h.subs[sub.id] = sub
	h.metrics.SetHubSubscribers(len(h.subs))
	h.lgr.Debug("hub subscriber added",
		logger.Uint64("subscriber", sub.id), logger.Int("buffer", options.buffer))
	return sub
}

// Unsubscribe removes a consumer and closes its channel. Safe to call
// twice and safe concurrently with Publish.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	_, present := h.subs[sub.id]
	delete(h.subs, sub.id)
	remaining := len(h.subs)
	h.mu.Unlock()

	sub.shut()
	if present {
		h.metrics.SetHubSubscribers(remaining)
		h.lgr.Debug("hub subscriber removed", logger.Uint64("subscriber", sub.id))
	}
}

// Publish delivers the envelope to every subscriber interested in its
// type. With no subscribers it is a no-op.
func (h *Hub) Publish(env models.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if !sub.wants(env.Type) {
			continue
		}
		for i := sub.push(env); i > 0; i-- {
			h.metrics.RecordHubDrop()
		}
	}
}

// Stats reports all current subscriptions sorted by id.
func (h *Hub) Stats() []SubscriberStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := make([]SubscriberStats, 0, len(h.subs))
	for _, sub := range h.subs {
		stats = append(stats, SubscriberStats{
			ID:      sub.id,
			Queued:  len(sub.ch),
			Dropped: sub.Dropped(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Close shuts every subscriber channel and rejects future publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[uint64]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.shut()
	}
	h.metrics.SetHubSubscribers(0)
}
