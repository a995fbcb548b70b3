// Package events provides the pub/sub fabric that surfaces deliberation
// lifecycle events to streaming consumers and webhook subscribers.
//
// Sequence numbers are assigned per query from a single locked counter, so
// every consumer observes the integer sequence 1..K with no gaps. Delivery
// to a slow subscriber never blocks a producer: the subscriber's buffer
// overflows by dropping, and drops are counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a lifecycle event kind.
type EventType string

const (
	CouncilStarted     EventType = "council.started"
	Stage1SlotStarted  EventType = "stage1.slot.started"
	Stage1SlotComplete EventType = "stage1.slot.completed"
	Stage1Complete     EventType = "stage1.complete"
	Stage2SlotStarted  EventType = "stage2.slot.started"
	Stage2SlotComplete EventType = "stage2.slot.completed"
	Stage2Complete     EventType = "stage2.complete"
	Stage3Started      EventType = "stage3.started"
	Stage3Token        EventType = "stage3.token"
	Stage3Complete     EventType = "stage3.complete"
	CouncilCompleted   EventType = "council.completed"
	CouncilFailed      EventType = "council.failed"
	DegradationNotice  EventType = "degradation.notice"
)

// Terminal reports whether the event ends a query's stream.
func Terminal(t EventType) bool {
	return t == CouncilCompleted || t == CouncilFailed
}

// LayerEvent is one entry in a query's totally ordered event stream.
type LayerEvent struct {
	Type      EventType              `json:"type"`
	QueryID   string                 `json:"query_id"`
	Stage     string                 `json:"stage,omitempty"`
	Slot      *int                   `json:"slot,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Seq       uint64                 `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscriber receives events for a query (or all queries) over a bounded
// channel. Consumers track their position with the event Seq cursor.
type Subscriber struct {
	ch      chan *LayerEvent
	queryID string // empty matches all queries
	types   map[EventType]bool

	mu     sync.Mutex
	closed bool
}

// Events returns the subscriber's receive channel.
func (s *Subscriber) Events() <-chan *LayerEvent { return s.ch }

func (s *Subscriber) matches(ev *LayerEvent) bool {
	if s.queryID != "" && s.queryID != ev.QueryID {
		return false
	}
	if len(s.types) > 0 && !s.types[ev.Type] {
		return false
	}
	return true
}

// trySend delivers without blocking. Returns false when the buffer is full
// or the subscriber is closed.
func (s *Subscriber) trySend(ev *LayerEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// BusConfig holds configuration for the event bus.
type BusConfig struct {
	BufferSize int // buffer size for subscriber channels
}

// DefaultBusConfig returns default bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{BufferSize: 256}
}

// BusMetrics tracks bus delivery statistics.
type BusMetrics struct {
	Published int64
	Delivered int64
	Dropped   int64
}

// Bus fans events out to subscribers and assigns per-query sequence numbers.
type Bus struct {
	mu      sync.RWMutex
	subs    []*Subscriber
	seq     map[string]*uint64
	config  BusConfig
	closed  bool
	metrics BusMetrics

	// OnDrop, when set, is invoked after an event is dropped for a
	// subscriber. Used to surface a warning notice.
	OnDrop func(ev *LayerEvent)
}

// NewBus creates a new event bus.
func NewBus(config BusConfig) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig().BufferSize
	}
	return &Bus{
		seq:    make(map[string]*uint64),
		config: config,
	}
}

// Emit assigns the next sequence number for the event's query, stamps the
// event and delivers it to matching subscribers. Numbering and delivery
// happen under one lock so every subscriber observes a query's events in
// strictly increasing sequence order; trySend never blocks, so holding the
// lock across delivery is safe.
func (b *Bus) Emit(ev *LayerEvent) {
	if ev == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ctr, ok := b.seq[ev.QueryID]
	if !ok {
		ctr = new(uint64)
		b.seq[ev.QueryID] = ctr
	}
	ev.Seq = atomic.AddUint64(ctr, 1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	atomic.AddInt64(&b.metrics.Published, 1)
	for _, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		if sub.trySend(ev) {
			atomic.AddInt64(&b.metrics.Delivered, 1)
		} else {
			atomic.AddInt64(&b.metrics.Dropped, 1)
			if b.OnDrop != nil {
				b.OnDrop(ev)
			}
		}
	}

	if Terminal(ev.Type) {
		b.sealQuery(ev.QueryID)
	}
}

// sealQuery ends a query's stream: the counter is released and every
// subscriber scoped to the query is closed, so a consumer whose buffer
// dropped the terminal event still observes end-of-stream instead of
// blocking on an open empty channel. Caller holds b.mu.
func (b *Bus) sealQuery(queryID string) {
	delete(b.seq, queryID)
	kept := b.subs[:0]
	for _, sub := range b.subs {
		if sub.queryID == queryID {
			sub.close()
			continue
		}
		kept = append(kept, sub)
	}
	b.subs = kept
}

// Subscribe registers a subscriber for one query's events. An empty queryID
// subscribes to all queries; an empty type list subscribes to all kinds.
// A query-scoped subscriber's channel is closed once the query's terminal
// event has been published.
func (b *Bus) Subscribe(queryID string, types ...EventType) *Subscriber {
	sub := &Subscriber{
		ch:      make(chan *LayerEvent, b.config.BufferSize),
		queryID: queryID,
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Metrics returns a snapshot of delivery statistics.
func (b *Bus) Metrics() BusMetrics {
	return BusMetrics{
		Published: atomic.LoadInt64(&b.metrics.Published),
		Delivered: atomic.LoadInt64(&b.metrics.Delivered),
		Dropped:   atomic.LoadInt64(&b.metrics.Dropped),
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
