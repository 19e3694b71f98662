// Package relay bridges the in-process bus of several chat nodes over Redis pub/sub.
//
// Every local publish is delivered to the local bus first and then forwarded to the
// Redis channel <prefix><roomID>, tagged with the node id. Each node re-publishes
// events from other nodes into its own bus and ignores its own.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/jinyphp/chat-sub001/cmd/internal/ids"
	"github.com/jinyphp/chat-sub001/cmd/internal/metrics"
	"github.com/jinyphp/chat-sub001/cmd/internal/realtime"
)

const (
	DefaultChannelPrefix = "chat:room:"
	defaultQueueSize     = 1024
)

type wireEvent struct {
	Node  string         `json:"node"`
	Event realtime.Event `json:"event"`
}

type outbound struct {
	channel string
	payload []byte
}

// Redis is a realtime.Publisher that also relays events to other nodes.
type Redis struct {
	rdb     redis.UniversalClient
	bus     *realtime.Bus
	prefix  string
	nodeID  string
	log     *slog.Logger
	metrics *metrics.Metrics

	out       chan outbound
	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Redis relay.
type Option func(*Redis)

// WithChannelPrefix overrides DefaultChannelPrefix.
func WithChannelPrefix(p string) Option {
	return func(r *Redis) {
		if strings.TrimSpace(p) != "" {
			r.prefix = p
		}
	}
}

// WithNodeID overrides the generated node id.
func WithNodeID(id string) Option {
	return func(r *Redis) {
		if strings.TrimSpace(id) != "" {
			r.nodeID = id
		}
	}
}

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Redis) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics attaches collectors for relay failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Redis) { r.metrics = m }
}

// NewRedis builds a relay around bus. Call Run to start forwarding.
func NewRedis(rdb redis.UniversalClient, bus *realtime.Bus, opts ...Option) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("relay: nil redis client")
	}
	if bus == nil {
		return nil, errors.New("relay: nil bus")
	}
	r := &Redis{
		rdb:    rdb,
		bus:    bus,
		prefix: DefaultChannelPrefix,
		nodeID: ids.New(),
		log:    slog.Default(),
		out:    make(chan outbound, defaultQueueSize),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NodeID returns the id this node tags its events with.
func (r *Redis) NodeID() string { return r.nodeID }

// Ready is closed once the Redis subscription is confirmed.
func (r *Redis) Ready() <-chan struct{} { return r.ready }

// Publish delivers ev locally and queues it for the other nodes. It never blocks;
// when the outbound queue is full the remote copy is dropped.
func (r *Redis) Publish(roomID string, ev realtime.Event) {
	r.bus.Publish(roomID, ev)

	ev.RoomID = roomID
	b, err := json.Marshal(wireEvent{Node: r.nodeID, Event: ev})
	if err != nil {
		r.metrics.RelayError("encode")
		r.log.Error("relay.encode.fail", "room_id", roomID, "kind", string(ev.Kind), "err", err)
		return
	}

	select {
	case r.out <- outbound{channel: r.prefix + roomID, payload: b}:
	default:
		r.metrics.RelayError("queue_full")
		r.log.Warn("relay.queue.full", "room_id", roomID, "kind", string(ev.Kind))
	}
}

// Run forwards queued events to Redis and relays remote events into the local bus
// until ctx ends.
func (r *Redis) Run(ctx context.Context) error {
	ps := r.rdb.PSubscribe(ctx, r.prefix+"*")
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info("relay.start", "node_id", r.nodeID, "pattern", r.prefix+"*")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.sendLoop(ctx)
	}()
	defer wg.Wait()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg)
		}
	}
}

func (r *Redis) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-r.out:
			if err := r.rdb.Publish(ctx, o.channel, o.payload).Err(); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.metrics.RelayError("publish")
				r.log.Warn("relay.publish.fail", "channel", o.channel, "err", err)
			}
		}
	}
}

func (r *Redis) deliver(msg *redis.Message) {
	roomID := strings.TrimPrefix(msg.Channel, r.prefix)
	if roomID == "" {
		return
	}

	var in wireEvent
	if err := json.Unmarshal([]byte(msg.Payload), &in); err != nil {
		r.metrics.RelayError("decode")
		r.log.Warn("relay.decode.fail", "channel", msg.Channel, "err", err)
		return
	}
	if in.Node == r.nodeID {
		return
	}

	ev := in.Event
	ev.Origin = in.Node
	r.bus.Publish(roomID, ev)
}
