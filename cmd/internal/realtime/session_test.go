package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/jinyphp/chat-sub001/shared/contracts/stream/v1"
)

type chanSink struct {
	ch   chan v1.Envelope
	fail atomic.Bool
}

func newChanSink() *chanSink { return &chanSink{ch: make(chan v1.Envelope, 256)} }

func (s *chanSink) Send(ctx context.Context, env v1.Envelope) error {
	if s.fail.Load() {
		return errors.New("sink broken")
	}
	select {
	case s.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chanSink) next(t *testing.T) v1.Envelope {
	t.Helper()
	select {
	case env := <-s.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for push")
		return v1.Envelope{}
	}
}

// nextOf skips heartbeats until an envelope of typ arrives.
func (s *chanSink) nextOf(t *testing.T, typ string) v1.Envelope {
	t.Helper()
	for {
		env := s.next(t)
		if env.Type == typ {
			return env
		}
		if env.Type != v1.TypeHeartbeat {
			t.Fatalf("expected %s, got %s", typ, env.Type)
		}
	}
}

type runResult struct {
	reason CloseReason
	err    error
}

func startSession(t *testing.T, b *Bus, roomID string, cfg SessionConfig, onClose func(context.Context)) (*Session, *chanSink, context.CancelFunc, <-chan runResult) {
	t.Helper()
	sink := newChanSink()
	sess := NewSession(SessionParams{
		Bus:          b,
		Subscription: b.Subscribe(roomID),
		Sink:         sink,
		UserID:       "viewer",
		Config:       cfg,
		OnClose:      onClose,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		reason, err := sess.Run(ctx)
		done <- runResult{reason, err}
	}()
	return sess, sink, cancel, done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
		return runResult{}
	}
}

func TestSession_ConnectedFirstThenEventsInOrder(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	sess, sink, cancel, done := startSession(t, b, "r1", SessionConfig{HeartbeatInterval: time.Hour}, nil)
	defer cancel()

	first := sink.next(t)
	if first.Type != v1.TypeConnected {
		t.Fatalf("expected connected first, got %s", first.Type)
	}
	var cp v1.ConnectedPayload
	if err := json.Unmarshal(first.Payload, &cp); err != nil {
		t.Fatalf("unmarshal connected: %v", err)
	}
	if cp.RoomID != "r1" || cp.SessionID != sess.ID {
		t.Fatalf("unexpected connected payload: %+v", cp)
	}
	if sess.State() != StateStreaming {
		t.Fatalf("expected streaming, got %s", sess.State())
	}

	for i := int64(1); i <= 3; i++ {
		b.Publish("r1", msgEvent("r1", i))
	}
	b.Publish("r1", TypingChanged("r1", "u2", "Bob", true))

	for i := int64(1); i <= 3; i++ {
		env := sink.nextOf(t, v1.TypeMessage)
		var mp v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &mp); err != nil {
			t.Fatalf("unmarshal message: %v", err)
		}
		if mp.ID != i {
			t.Fatalf("expected id %d, got %d", i, mp.ID)
		}
	}
	env := sink.nextOf(t, v1.TypeTyping)
	var tp v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &tp); err != nil {
		t.Fatalf("unmarshal typing: %v", err)
	}
	if tp.UserID != "u2" || !tp.IsTyping {
		t.Fatalf("unexpected typing payload: %+v", tp)
	}

	cancel()
	r := waitRun(t, done)
	if r.err != nil || r.reason != CloseClient {
		t.Fatalf("expected client close, got %+v", r)
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected closed, got %s", sess.State())
	}
	if n := b.SubscriberCount("r1"); n != 0 {
		t.Fatalf("expected subscription released, got %d", n)
	}
}

func TestSession_HeartbeatWhileIdle(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	_, sink, cancel, done := startSession(t, b, "r1", SessionConfig{HeartbeatInterval: 20 * time.Millisecond}, nil)
	defer cancel()

	if env := sink.next(t); env.Type != v1.TypeConnected {
		t.Fatalf("expected connected, got %s", env.Type)
	}
	for i := 0; i < 3; i++ {
		if env := sink.next(t); env.Type != v1.TypeHeartbeat {
			t.Fatalf("expected heartbeat, got %s", env.Type)
		}
	}

	cancel()
	waitRun(t, done)
}

func TestSession_LifetimeCapSendsClosed(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	var hooked atomic.Bool
	_, sink, cancel, done := startSession(t, b, "r1", SessionConfig{
		HeartbeatInterval: time.Hour,
		MaxLifetime:       50 * time.Millisecond,
	}, func(ctx context.Context) {
		if ctx.Err() != nil {
			t.Errorf("close hook got a dead context")
		}
		hooked.Store(true)
	})
	defer cancel()

	sink.nextOf(t, v1.TypeConnected)
	env := sink.nextOf(t, v1.TypeClosed)
	var cp v1.ClosedPayload
	if err := json.Unmarshal(env.Payload, &cp); err != nil {
		t.Fatalf("unmarshal closed: %v", err)
	}
	if cp.Reason != v1.CloseLifetime || cp.ReconnectMS != DefaultReconnectAfter.Milliseconds() {
		t.Fatalf("unexpected closed payload: %+v", cp)
	}

	r := waitRun(t, done)
	if r.reason != CloseLifetime {
		t.Fatalf("expected lifetime close, got %+v", r)
	}
	if !hooked.Load() {
		t.Fatalf("close hook did not run")
	}
	if n := b.SubscriberCount("r1"); n != 0 {
		t.Fatalf("expected subscription released, got %d", n)
	}
}

func TestSession_SinkFailureEndsSilently(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	_, sink, cancel, done := startSession(t, b, "r1", SessionConfig{HeartbeatInterval: time.Hour}, nil)
	defer cancel()

	sink.nextOf(t, v1.TypeConnected)
	sink.fail.Store(true)
	b.Publish("r1", msgEvent("r1", 1))

	r := waitRun(t, done)
	if r.err != nil || r.reason != CloseSink {
		t.Fatalf("expected sink close, got %+v", r)
	}
}

func TestSession_BusShutdown(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	_, sink, cancel, done := startSession(t, b, "r1", SessionConfig{HeartbeatInterval: time.Hour}, nil)
	defer cancel()

	sink.nextOf(t, v1.TypeConnected)
	b.Close()

	env := sink.nextOf(t, v1.TypeClosed)
	var cp v1.ClosedPayload
	if err := json.Unmarshal(env.Payload, &cp); err != nil {
		t.Fatalf("unmarshal closed: %v", err)
	}
	if cp.Reason != v1.CloseShutdown {
		t.Fatalf("expected shutdown reason, got %q", cp.Reason)
	}
	if r := waitRun(t, done); r.reason != CloseShutdown {
		t.Fatalf("expected shutdown close, got %+v", r)
	}
}

func TestSession_RunTwiceAndAbort(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	sess := NewSession(SessionParams{Bus: b, Subscription: b.Subscribe("r1"), Sink: newChanSink()})
	sess.Abort()

	if n := b.SubscriberCount("r1"); n != 0 {
		t.Fatalf("expected abort to release the subscription, got %d", n)
	}
	if _, err := sess.Run(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
