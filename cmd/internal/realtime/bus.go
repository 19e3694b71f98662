package realtime

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jinyphp/chat-sub001/cmd/internal/ids"
	"github.com/jinyphp/chat-sub001/cmd/internal/metrics"
)

// DefaultSubscriptionBuffer is the queue size of a subscription when none is configured.
const DefaultSubscriptionBuffer = 64

// Bus fans room events out to the subscriptions of that room.
//
// Concurrency guarantees:
//   - Subscribe/Unsubscribe are safe under concurrent Publish.
//   - Publish never blocks: a full subscription loses its oldest queued event.
//   - All subscriptions of a room observe the room's events in the same order.
//   - Publish is panic-safe because subscription queues are never closed.
type Bus struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	buffer  int

	mu    sync.Mutex
	rooms map[string]*roomSubs
}

type roomSubs struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// Subscription is one independent listener on a room.
type Subscription struct {
	ID     string
	RoomID string

	bus       *Bus
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBuffer sets the per-subscription queue size.
func WithBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMetrics attaches collectors for publish and drop counts.
func WithMetrics(m *metrics.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus constructs an empty Bus.
func NewBus(log *slog.Logger, opts ...BusOption) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		log:    log,
		buffer: DefaultSubscriptionBuffer,
		rooms:  make(map[string]*roomSubs),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new listener on roomID.
func (b *Bus) Subscribe(roomID string) *Subscription {
	sub := &Subscription{
		ID:     ids.New(),
		RoomID: roomID,
		bus:    b,
		events: make(chan Event, b.buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	rs := b.rooms[roomID]
	if rs == nil {
		rs = &roomSubs{subs: make(map[string]*Subscription)}
		b.rooms[roomID] = rs
	}
	rs.mu.Lock()
	rs.subs[sub.ID] = sub
	n := len(rs.subs)
	rs.mu.Unlock()
	b.mu.Unlock()

	b.log.Debug("bus.subscribe", "room_id", roomID, "subscription_id", sub.ID, "subscribers", n)
	return sub
}

// Unsubscribe removes sub from its room and signals its listener. Idempotent.
// The room entry is discarded once its last subscription leaves.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.closeOnce.Do(func() {
		b.mu.Lock()
		n := 0
		if rs := b.rooms[sub.RoomID]; rs != nil {
			rs.mu.Lock()
			delete(rs.subs, sub.ID)
			n = len(rs.subs)
			rs.mu.Unlock()
			if n == 0 {
				delete(b.rooms, sub.RoomID)
			}
		}
		b.mu.Unlock()

		// Signal after removal so no publisher still holds sub in its dispatch set.
		close(sub.done)

		b.log.Debug("bus.unsubscribe", "room_id", sub.RoomID, "subscription_id", sub.ID, "subscribers", n)
	})
}

// Publish delivers ev to every current subscription of roomID.
// With no subscribers the event is discarded.
func (b *Bus) Publish(roomID string, ev Event) {
	ev.RoomID = roomID

	b.mu.Lock()
	rs := b.rooms[roomID]
	b.mu.Unlock()

	b.metrics.EventPublished(string(ev.Kind))
	if rs == nil {
		return
	}

	dropped := 0
	rs.mu.Lock()
	for _, sub := range rs.subs {
		dropped += sub.offer(ev)
	}
	rs.mu.Unlock()

	if dropped > 0 {
		b.metrics.EventsDropped(dropped)
		b.log.Debug("bus.drop", "room_id", roomID, "kind", string(ev.Kind), "dropped", dropped)
	}
}

// SubscriberCount returns the number of live subscriptions of roomID.
func (b *Bus) SubscriberCount(roomID string) int {
	b.mu.Lock()
	rs := b.rooms[roomID]
	b.mu.Unlock()
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.subs)
}

// Rooms returns the ids of rooms that currently have subscribers.
func (b *Bus) Rooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		out = append(out, id)
	}
	return out
}

// Close unsubscribes every listener. Sessions observe it as a shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	var all []*Subscription
	for _, rs := range b.rooms {
		rs.mu.Lock()
		for _, sub := range rs.subs {
			all = append(all, sub)
		}
		rs.mu.Unlock()
	}
	b.mu.Unlock()

	for _, sub := range all {
		b.Unsubscribe(sub)
	}
}

// offer enqueues ev, evicting the oldest queued event when the queue is full.
// It must be called with the room lock held, which makes the bus the only sender.
func (s *Subscription) offer(ev Event) int {
	select {
	case <-s.done:
		return 0
	default:
	}

	select {
	case s.events <- ev:
		return 0
	default:
	}

	dropped := 0
	select {
	case <-s.events:
		dropped++
	default:
	}

	select {
	case s.events <- ev:
	default:
		// Cannot happen while the room lock is held; count it rather than block.
		dropped++
	}
	s.dropped.Add(int64(dropped))
	return dropped
}

// Events returns the event queue. It is never closed; watch Done.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed once the subscription is removed from the bus.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns the number of events this subscription lost to backpressure.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close is shorthand for Bus.Unsubscribe.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Unsubscribe(s)
}
