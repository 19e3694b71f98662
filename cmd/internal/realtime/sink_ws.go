package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/jinyphp/chat-sub001/shared/contracts/stream/v1"
)

const (
	// WSSubprotocol is the subprotocol clients must offer.
	WSSubprotocol = "chat.stream.v1"

	wsDefaultWriteTimeout = 5 * time.Second
	wsPingInterval        = 25 * time.Second
	wsPingTimeout         = 5 * time.Second
	wsMaxPingFailures     = 3

	// Secure-by-default for dev: Origin required, localhost only.
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// ErrSinkNotBound is returned by WSSink.Send before a connection is bound.
var ErrSinkNotBound = errors.New("realtime: websocket sink not bound")

// WSConfig is the origin policy of the WebSocket endpoint.
type WSConfig struct {
	OriginRequired bool
	AllowedOrigins []string
	// DevInsecure disables coder/websocket's own origin verification.
	DevInsecure bool
}

// DefaultWSConfig returns the localhost-only policy.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		OriginRequired: true,
		AllowedOrigins: strings.Split(wsDefaultAllowedOrigins, ","),
	}
}

// WSAcceptor upgrades HTTP requests after enforcing the origin policy.
type WSAcceptor struct {
	log            *slog.Logger
	originRequired bool
	allowedOrigins []string
	devInsecure    bool

	// Derived for websocket.Accept origin checks: same-host is accepted by the
	// library, cross-origin requires OriginPatterns.
	originPatterns []string
}

// NewWSAcceptor constructs an acceptor for cfg.
func NewWSAcceptor(log *slog.Logger, cfg WSConfig) *WSAcceptor {
	if log == nil {
		log = slog.Default()
	}
	return &WSAcceptor{
		log:            log,
		originRequired: cfg.OriginRequired,
		allowedOrigins: cfg.AllowedOrigins,
		devInsecure:    cfg.DevInsecure,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// Accept upgrades the request. On error the HTTP response has been written.
func (a *WSAcceptor) Accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	if err := a.enforceOrigin(r); err != nil {
		a.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil, err
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{WSSubprotocol},
		OriginPatterns:     a.originPatterns,
		InsecureSkipVerify: a.devInsecure,
	})
	if err != nil {
		a.log.Error("ws.accept.fail", "err", err)
		return nil, err
	}

	if sp := conn.Subprotocol(); sp != WSSubprotocol {
		a.log.Info("ws.reject.subprotocol", "got", sp, "want", WSSubprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("subprotocol %q required", WSSubprotocol)
	}

	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// Precheck rejects a handshake that Accept would refuse, before the caller touches any
// room state. It writes the response and returns false on rejection.
func (a *WSAcceptor) Precheck(w http.ResponseWriter, r *http.Request) bool {
	if err := a.enforceOrigin(r); err != nil {
		a.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	if !offersSubprotocol(r, WSSubprotocol) {
		a.log.Info("ws.reject.subprotocol", "got", r.Header.Get("Sec-WebSocket-Protocol"), "want", WSSubprotocol)
		http.Error(w, "subprotocol "+WSSubprotocol+" required", http.StatusBadRequest)
		return false
	}
	return true
}

func offersSubprotocol(r *http.Request, want string) bool {
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if strings.TrimSpace(p) == want {
				return true
			}
		}
	}
	return false
}

// WSSink writes envelopes as WebSocket text frames.
type WSSink struct {
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSSink returns an unbound sink. Bind it once the upgrade succeeded.
func NewWSSink(writeTimeout time.Duration) *WSSink {
	if writeTimeout <= 0 {
		writeTimeout = wsDefaultWriteTimeout
	}
	return &WSSink{writeTimeout: writeTimeout}
}

// Bind attaches the upgraded connection.
func (s *WSSink) Bind(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Send writes one envelope.
func (s *WSSink) Send(ctx context.Context, env v1.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSinkNotBound
	}
	return writeEnvelope(ctx, conn, env, s.writeTimeout)
}

// ReadFrames reads client frames until the peer leaves or ctx ends.
//
// Valid envelopes are passed to handle; malformed frames are ignored. A client that
// exceeds limiter is disconnected with a policy violation.
func ReadFrames(ctx context.Context, conn *websocket.Conn, limiter *RateLimiter, key string, handle func(context.Context, v1.Envelope)) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose, readErrCtxDone, readErrConnClosed:
				return nil
			case readErrBadJSON:
				continue
			default:
				return err
			}
		}

		if limiter != nil && !limiter.Allow(key, time.Now().UTC()) {
			_ = conn.Close(websocket.StatusPolicyViolation, "rate limited")
			return errors.New("rate limited")
		}
		if err := env.Validate(); err != nil {
			continue
		}
		handle(ctx, env)
	}
}

// KeepAlive pings the peer until ctx ends. It returns once too many pings in a row fail.
func KeepAlive(ctx context.Context, conn *websocket.Conn, log *slog.Logger) error {
	t := time.NewTicker(wsPingInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			log.Info("ws.ping.fail", "failures", failures, "err", err)
			if failures >= wsMaxPingFailures {
				return fmt.Errorf("ping failed %d times: %w", failures, err)
			}
		}
	}
}

// CloseStatus maps a session close reason to a WebSocket close code.
func CloseStatus(reason CloseReason) websocket.StatusCode {
	switch reason {
	case CloseLifetime, CloseShutdown:
		return websocket.StatusGoingAway
	case CloseSink:
		return websocket.StatusAbnormalClosure
	default:
		return websocket.StatusNormalClosure
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (a *WSAcceptor) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if a.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(a.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, allowed := range a.allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" {
			return nil
		}
		if origin == allowed {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(allowed) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns returns the allowlisted hosts as websocket.Accept patterns.
// A "*" entry maps to the match-all pattern.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
