package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jinyphp/chat-sub001/cmd/internal/realtime"
	"github.com/jinyphp/chat-sub001/cmd/internal/roomlog"
)

type node struct {
	bus   *realtime.Bus
	relay *Redis
}

func startNode(t *testing.T, ctx context.Context, addr, id string) node {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	bus := realtime.NewBus(nil)
	r, err := NewRedis(rdb, bus, WithNodeID(id), WithChannelPrefix("test:room:"))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("relay %s did not stop", id)
		}
	})

	select {
	case <-r.Ready():
	case err := <-done:
		t.Fatalf("relay %s exited early: %v", id, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("relay %s not ready", id)
	}
	return node{bus: bus, relay: r}
}

func waitEvent(t *testing.T, sub *realtime.Subscription) realtime.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for relayed event")
		return realtime.Event{}
	}
}

func TestRedis_RelaysAcrossNodes(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, srv.Addr(), "node-a")
	b := startNode(t, ctx, srv.Addr(), "node-b")

	localA := a.bus.Subscribe("r1")
	remoteB := b.bus.Subscribe("r1")
	defer localA.Close()
	defer remoteB.Close()

	rec := roomlog.Record{ID: 1, SenderID: "alice", SenderDisplayName: "Alice", Content: "hi", Kind: roomlog.KindText, CreatedAt: time.Now().UTC()}
	a.relay.Publish("r1", realtime.MessageAppended("r1", rec))

	got := waitEvent(t, localA)
	if got.Message == nil || got.Message.ID != 1 || got.Origin != "" {
		t.Fatalf("unexpected local event: %+v", got)
	}

	got = waitEvent(t, remoteB)
	if got.Kind != realtime.EventMessageAppended || got.RoomID != "r1" || got.Origin != "node-a" {
		t.Fatalf("unexpected relayed event: %+v", got)
	}
	if got.Message == nil || got.Message.Content != "hi" || got.Message.SenderDisplayName != "Alice" {
		t.Fatalf("message lost in transit: %+v", got.Message)
	}

	// Node A must not see its own event a second time.
	select {
	case ev := <-localA.Events():
		t.Fatalf("own event echoed back: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedis_TypingAndPresenceRoundTrip(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, srv.Addr(), "node-a")
	b := startNode(t, ctx, srv.Addr(), "node-b")

	sub := b.bus.Subscribe("r2")
	defer sub.Close()

	a.relay.Publish("r2", realtime.TypingChanged("r2", "alice", "Alice", true))
	got := waitEvent(t, sub)
	if got.Typing == nil || got.Typing.UserID != "alice" || !got.Typing.IsTyping {
		t.Fatalf("unexpected typing event: %+v", got)
	}

	a.relay.Publish("r2", realtime.PresenceChanged("r2", []roomlog.PresenceRecord{{UserID: "alice", Status: roomlog.StatusActive}}))
	got = waitEvent(t, sub)
	if got.Kind != realtime.EventPresenceChanged || len(got.Presence) != 1 || got.Presence[0].UserID != "alice" {
		t.Fatalf("unexpected presence event: %+v", got)
	}
}

func TestRedis_RunFailsWithoutServer(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer rdb.Close()

	r, err := NewRedis(rdb, realtime.NewBus(nil))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Run(ctx); err == nil {
		t.Fatalf("expected Run to fail without a server")
	}
}
