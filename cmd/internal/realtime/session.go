package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinyphp/chat-sub001/cmd/internal/ids"
	"github.com/jinyphp/chat-sub001/cmd/internal/metrics"
	v1 "github.com/jinyphp/chat-sub001/shared/contracts/stream/v1"
)

// ErrSessionClosed is returned by Run on a session that already ran.
var ErrSessionClosed = errors.New("realtime: session closed")

// Sink is the transport a session pushes envelopes into (SSE, WebSocket).
// A Send error ends the session.
type Sink interface {
	Send(ctx context.Context, env v1.Envelope) error
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason tells why a session ended.
type CloseReason string

const (
	CloseClient   CloseReason = "client"
	CloseLifetime CloseReason = "lifetime"
	CloseShutdown CloseReason = "shutdown"
	CloseSink     CloseReason = "sink"
)

// SessionConfig holds the timing knobs of a session.
type SessionConfig struct {
	HeartbeatInterval time.Duration
	MaxLifetime       time.Duration
	ReconnectAfter    time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	if c.ReconnectAfter <= 0 {
		c.ReconnectAfter = DefaultReconnectAfter
	}
	return c
}

// SessionParams are the collaborators of one session.
type SessionParams struct {
	Bus          *Bus
	Subscription *Subscription
	Sink         Sink
	UserID       string
	Config       SessionConfig
	Log          *slog.Logger
	Metrics      *metrics.Metrics
	// OnClose runs after the subscription is released. Its context outlives the
	// transport context.
	OnClose func(ctx context.Context)
}

// Session pushes one room's events to one viewer.
// A single goroutine (Run) owns the sink, so pushes keep publish order.
type Session struct {
	ID     string
	RoomID string
	UserID string

	bus     *Bus
	sub     *Subscription
	sink    Sink
	cfg     SessionConfig
	log     *slog.Logger
	metrics *metrics.Metrics
	onClose func(ctx context.Context)

	state   atomic.Int32
	runOnce sync.Once
}

// NewSession builds a session around an existing subscription.
// The caller has already verified that the viewer may read the room.
func NewSession(p SessionParams) *Session {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		ID:      ids.New(),
		RoomID:  p.Subscription.RoomID,
		UserID:  p.UserID,
		bus:     p.Bus,
		sub:     p.Subscription,
		sink:    p.Sink,
		cfg:     p.Config.withDefaults(),
		log:     log,
		metrics: p.Metrics,
		onClose: p.OnClose,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Run streams until the client leaves, the lifetime cap elapses, or the
// subscription is dropped. It returns why the session ended.
func (s *Session) Run(ctx context.Context) (CloseReason, error) {
	ran := false
	var reason CloseReason
	s.runOnce.Do(func() {
		ran = true
		reason = s.run(ctx)
	})
	if !ran {
		return "", ErrSessionClosed
	}
	return reason, nil
}

// Abort releases a session that will never run, e.g. when the transport upgrade
// failed after the subscription was taken. No close hook runs.
func (s *Session) Abort() {
	s.runOnce.Do(func() {
		s.bus.Unsubscribe(s.sub)
		s.state.Store(int32(StateClosed))
	})
}

func (s *Session) run(ctx context.Context) (reason CloseReason) {
	s.state.Store(int32(StateStreaming))
	s.metrics.SessionOpened()
	started := time.Now()

	s.log.Info("stream.open", "session_id", s.ID, "room_id", s.RoomID, "user_id", s.UserID)

	defer func() {
		s.close(ctx, reason)
		s.log.Info("stream.close",
			"session_id", s.ID,
			"room_id", s.RoomID,
			"user_id", s.UserID,
			"reason", string(reason),
			"dropped", s.sub.Dropped(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}()

	now := time.Now().UTC()
	if err := s.push(ctx, v1.TypeConnected, now, v1.ConnectedPayload{
		RoomID:     s.RoomID,
		SessionID:  s.ID,
		ServerTime: now,
	}); err != nil {
		return s.sinkReason(ctx)
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	lifetime := time.NewTimer(s.cfg.MaxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-ctx.Done():
			return CloseClient

		case <-s.sub.Done():
			s.pushClosed(ctx, v1.CloseShutdown)
			return CloseShutdown

		case <-lifetime.C:
			s.pushClosed(ctx, v1.CloseLifetime)
			return CloseLifetime

		case t := <-heartbeat.C:
			ts := t.UTC()
			if err := s.push(ctx, v1.TypeHeartbeat, ts, v1.HeartbeatPayload{ServerTime: ts}); err != nil {
				return s.sinkReason(ctx)
			}

		case ev := <-s.sub.Events():
			env, err := eventEnvelope(ev, time.Now().UTC())
			if err != nil {
				s.log.Warn("stream.event.skip", "session_id", s.ID, "kind", string(ev.Kind), "err", err)
				continue
			}
			if err := s.sink.Send(ctx, env); err != nil {
				return s.sinkReason(ctx)
			}
		}
	}
}

// sinkReason distinguishes a client that went away from a broken sink.
func (s *Session) sinkReason(ctx context.Context) CloseReason {
	if ctx.Err() != nil {
		return CloseClient
	}
	return CloseSink
}

func (s *Session) push(ctx context.Context, typ string, now time.Time, payload any) error {
	env, err := newEnvelope(typ, s.RoomID, now, payload)
	if err != nil {
		return err
	}
	return s.sink.Send(ctx, env)
}

func (s *Session) pushClosed(ctx context.Context, reason string) {
	_ = s.push(ctx, v1.TypeClosed, time.Now().UTC(), v1.ClosedPayload{
		Reason:      reason,
		ReconnectMS: s.cfg.ReconnectAfter.Milliseconds(),
	})
}

func (s *Session) close(ctx context.Context, reason CloseReason) {
	s.bus.Unsubscribe(s.sub)
	s.state.Store(int32(StateClosed))
	s.metrics.SessionClosed(string(reason))

	if s.onClose != nil {
		hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.onClose(hookCtx)
	}
}
