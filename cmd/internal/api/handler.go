// Package api exposes the chat gateway over HTTP: JSON endpoints for polling
// clients plus SSE and WebSocket room streams.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jinyphp/chat-sub001/cmd/internal/auth"
	"github.com/jinyphp/chat-sub001/cmd/internal/chat"
	"github.com/jinyphp/chat-sub001/cmd/internal/realtime"
)

// Config controls request limits and stream transport settings.
type Config struct {
	MaxBodyBytes int64

	// Per-user send limit (sliding window).
	SendRateEvents int
	SendRateWindow time.Duration

	StreamWriteTimeout time.Duration
	// SSERetry is the reconnect delay advertised to EventSource clients.
	SSERetry time.Duration

	WS realtime.WSConfig
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:       64 << 10,
		SendRateEvents:     20,
		SendRateWindow:     10 * time.Second,
		StreamWriteTimeout: 5 * time.Second,
		SSERetry:           realtime.DefaultReconnectAfter,
		WS:                 realtime.DefaultWSConfig(),
	}
}

// Handler wires HTTP routes to the chat gateway.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	gw       *chat.Gateway
	resolver auth.Resolver

	sendLimiter  *realtime.RateLimiter
	frameLimiter *realtime.RateLimiter
	ws           *realtime.WSAcceptor
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, gw *chat.Gateway, resolver auth.Resolver, cfg Config) (*Handler, error) {
	if gw == nil {
		return nil, errors.New("api: nil gateway")
	}
	if resolver == nil {
		return nil, errors.New("api: nil identity resolver")
	}
	if log == nil {
		log = slog.Default()
	}

	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = def.StreamWriteTimeout
	}
	if cfg.SSERetry <= 0 {
		cfg.SSERetry = def.SSERetry
	}

	return &Handler{
		log:          log,
		cfg:          cfg,
		gw:           gw,
		resolver:     resolver,
		sendLimiter:  realtime.NewRateLimiter(cfg.SendRateEvents, cfg.SendRateWindow),
		frameLimiter: realtime.NewRateLimiter(0, 0),
		ws:           realtime.NewWSAcceptor(log, cfg.WS),
	}, nil
}

// Register wires the room routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/rooms/{room}/messages", h.handleSend)
	mux.HandleFunc("GET /v1/rooms/{room}/messages", h.handleList)
	mux.HandleFunc("DELETE /v1/rooms/{room}/messages/{id}", h.handleDelete)
	mux.HandleFunc("POST /v1/rooms/{room}/typing", h.handleTyping)
	mux.HandleFunc("POST /v1/rooms/{room}/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("GET /v1/rooms/{room}/presence", h.handlePresence)
	mux.HandleFunc("GET /v1/rooms/{room}/stream", h.handleSSE)
	mux.HandleFunc("GET /v1/rooms/{room}/ws", h.handleWS)
}

// identify resolves the caller or answers 401.
func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	who, err := h.resolver.Resolve(r)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			h.log.Warn("auth.resolve.fail", "path", r.URL.Path, "err", err)
		}
		writeError(w, http.StatusUnauthorized, apiError{Code: codeUnauthorized, Message: "missing or invalid credentials"})
		return auth.Identity{}, false
	}
	return who, true
}

// writeGatewayError maps a gateway error to a status code.
func (h *Handler) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, apiError{Code: codeInvalidRequest, Message: verr.Reason, Field: verr.Field})
	case errors.Is(err, chat.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, apiError{Code: codeUnauthorized, Message: "missing or invalid credentials"})
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, apiError{Code: codeForbidden, Message: "not allowed in this room"})
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, apiError{Code: codeNotFound, Message: "room or message not found"})
	case errors.Is(err, chat.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, apiError{Code: codeStoreUnavailable, Message: "room log temporarily unavailable"})
	case errors.Is(err, chat.ErrStreamClosed):
		writeError(w, http.StatusServiceUnavailable, apiError{Code: codeStreamClosed, Message: "stream could not be opened"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client is gone; nothing useful to write.
		h.log.Debug("http.request.canceled", "path", r.URL.Path, "err", err)
	default:
		h.log.Error("http.request.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, apiError{Code: codeInternal, Message: "internal error"})
	}
}
