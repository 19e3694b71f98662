package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jinyphp/chat-sub001/cmd/internal/auth"
	"github.com/jinyphp/chat-sub001/cmd/internal/realtime"
	v1 "github.com/jinyphp/chat-sub001/shared/contracts/stream/v1"
)

// handleSSE streams the room as text/event-stream until the client leaves or the
// session ends on its own.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identify(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("room")

	sink := realtime.NewSSESink(w, h.cfg.StreamWriteTimeout, h.cfg.SSERetry)
	sess, err := h.gw.OpenStream(r.Context(), roomID, who, sink)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	if _, err := sess.Run(r.Context()); err != nil {
		h.log.Warn("sse.run.fail", "room_id", roomID, "user_id", who.ID, "err", err)
	}
}

// handleWS streams the room over a WebSocket. Clients may send typing frames back.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identify(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("room")

	if !h.ws.Precheck(w, r) {
		return
	}

	sink := realtime.NewWSSink(h.cfg.StreamWriteTimeout)
	sess, err := h.gw.OpenStream(r.Context(), roomID, who, sink)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	conn, err := h.ws.Accept(w, r)
	if err != nil {
		sess.Abort()
		return
	}
	sink.Bind(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		err := realtime.ReadFrames(ctx, conn, h.frameLimiter, who.ID, func(ctx context.Context, env v1.Envelope) {
			h.onFrame(ctx, roomID, who, env)
		})
		if err != nil {
			h.log.Info("ws.read.end", "room_id", roomID, "user_id", who.ID, "err", err)
		}
	}()
	go func() {
		defer cancel()
		if err := realtime.KeepAlive(ctx, conn, h.log); err != nil {
			h.log.Info("ws.keepalive.end", "room_id", roomID, "user_id", who.ID, "err", err)
		}
	}()

	reason, err := sess.Run(ctx)
	if err != nil {
		h.log.Warn("ws.run.fail", "room_id", roomID, "user_id", who.ID, "err", err)
	}
	_ = conn.Close(realtime.CloseStatus(reason), string(reason))
}

// onFrame handles one client frame. Only typing is accepted from clients.
func (h *Handler) onFrame(ctx context.Context, roomID string, who auth.Identity, env v1.Envelope) {
	if env.Type != v1.TypeTyping {
		return
	}
	var p v1.TypingPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
	}
	if err := h.gw.SetTyping(ctx, roomID, who, p.IsTyping); err != nil {
		h.log.Info("ws.typing.reject", "room_id", roomID, "user_id", who.ID, "err", err)
	}
}
