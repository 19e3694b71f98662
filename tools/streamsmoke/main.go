// Package main is a CI-friendly smoke test for the room stream.
//
// It validates:
//   - handshake + subprotocol selection
//   - connected push on both clients
//   - POST message -> message push to the other client
//   - typing frame over WebSocket -> typing push to the other client
//   - polling fallback: GET messages?since_id= returns the same message
//
// With -watch it keeps printing every push received by the first client.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"

	v1 "github.com/jinyphp/chat-sub001/shared/contracts/stream/v1"
)

const (
	subprotocol  = "chat.stream.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name  string
	token string
	conn  *websocket.Conn

	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL   = flag.String("base", "http://127.0.0.1:8080", "Server base URL")
		room      = flag.String("room", "lobby", "Room ID")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA     = flag.String("user-a", "alice", "First user id (token subject when issuing)")
		userB     = flag.String("user-b", "bob", "Second user id (token subject when issuing)")
		tokenA    = flag.String("token-a", "", "Access token of the first user (skips issuing)")
		tokenB    = flag.String("token-b", "", "Access token of the second user (skips issuing)")
		secretHex = flag.String("secret-key-hex", os.Getenv("CHAT_PASETO_SECRET_KEY_HEX"), "Ed25519 secret key used to issue dev tokens")
		issuer    = flag.String("issuer", envOr("CHAT_AUTH_ISSUER", "chat"), "Token issuer")
		text      = flag.String("text", "hello room 👋", "Message text to send")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		watch     = flag.Bool("watch", false, "Keep printing pushes after the checks")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := url.Parse(strings.TrimRight(*baseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fatalf("invalid -base: %q", *baseURL)
	}

	ta, tb := *tokenA, *tokenB
	if ta == "" || tb == "" {
		if strings.TrimSpace(*secretHex) == "" {
			fatalf("either -token-a/-token-b or -secret-key-hex is required")
		}
		ta = mustIssue(*secretHex, *issuer, *userA)
		tb = mustIssue(*secretHex, *issuer, *userB)
	}

	root, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsURL := wsURLFor(base, *room)

	a := mustConnect(root, "A", ta, wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", tb, wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s url=%s\n", a.sessionID, b.sessionID, wsURL)
	}

	msgID := mustPostMessage(root, base, *room, a.token, *text, *timeout)

	skip := map[string]struct{}{v1.TypePresence: {}, v1.TypeHeartbeat: {}, v1.TypeTyping: {}}
	env := b.mustReadUntilType(root, v1.TypeMessage, *timeout, skip)
	var msg v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		fatalf("unmarshal message payload: %v", err)
	}
	if msg.ID != msgID || msg.Content != *text {
		fatalf("message mismatch: got id=%d content=%q want id=%d content=%q", msg.ID, msg.Content, msgID, *text)
	}

	typing, err := v1.New(v1.TypeTyping, "", *room, time.Now(), v1.TypingPayload{IsTyping: true})
	if err != nil {
		fatalf("build typing frame: %v", err)
	}
	mustWriteWithTimeout(root, a.conn, typing, *timeout)

	skip = map[string]struct{}{v1.TypePresence: {}, v1.TypeHeartbeat: {}, v1.TypeMessage: {}}
	env = b.mustReadUntilType(root, v1.TypeTyping, *timeout, skip)
	var tp v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &tp); err != nil {
		fatalf("unmarshal typing payload: %v", err)
	}
	if !tp.IsTyping || tp.UserID == "" {
		fatalf("typing payload mismatch: %+v", tp)
	}

	mustPollContains(root, base, *room, b.token, msgID-1, msgID, *timeout)

	fmt.Printf("OK: A=%s B=%s room=%s message_id=%d\n", a.sessionID, b.sessionID, *room, msgID)

	if *watch {
		a.printUntilDone(root)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func mustIssue(secretHex, issuer, uid string) string {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(secretHex))
	if err != nil {
		fatalf("invalid -secret-key-hex: %v", err)
	}
	now := time.Now().UTC()

	tok := paseto.NewToken()
	tok.SetIssuer(issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(15 * time.Minute))
	tok.SetString("uid", uid)
	tok.SetString("name", uid)
	return tok.V4Sign(secret, nil)
}

func wsURLFor(base *url.URL, room string) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/rooms/" + url.PathEscape(room) + "/ws"
	return u.String()
}

func mustConnect(parent context.Context, name, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fatalf("connect %s: status=%d: %v", name, status, err)
	}

	assertSubprotocol(resp, subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		token: token,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	env := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout, nil)
	var p v1.ConnectedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal connected payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("connected missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeClosed {
				var cp v1.ClosedPayload
				_ = json.Unmarshal(env.Payload, &cp)
				fatalf("stream closed (%s): reason=%q", c.name, cp.Reason)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func (c *smokeClient) printUntilDone(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fmt.Printf("stream ended (%s): %v\n", c.name, err)
			return
		case env, ok := <-c.inbox:
			if !ok {
				return
			}
			fmt.Printf("%s %-9s %s\n", env.TS.Format(time.RFC3339), env.Type, env.Payload)
		}
	}
}

func mustPostMessage(parent context.Context, base *url.URL, room, token, text string, stepTimeout time.Duration) int64 {
	body, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		fatalf("marshal message: %v", err)
	}

	var out struct {
		ID int64 `json:"id"`
	}
	status, raw := mustDo(parent, http.MethodPost, base.String()+"/v1/rooms/"+url.PathEscape(room)+"/messages", token, body, stepTimeout)
	if status != http.StatusCreated {
		fatalf("send message: status=%d body=%s", status, raw)
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.ID <= 0 {
		fatalf("send message: bad response %s", raw)
	}
	return out.ID
}

func mustPollContains(parent context.Context, base *url.URL, room, token string, sinceID, wantID int64, stepTimeout time.Duration) {
	u := base.String() + "/v1/rooms/" + url.PathEscape(room) + "/messages?since_id=" + strconv.FormatInt(sinceID, 10)
	status, raw := mustDo(parent, http.MethodGet, u, token, nil, stepTimeout)
	if status != http.StatusOK {
		fatalf("poll: status=%d body=%s", status, raw)
	}

	var out struct {
		Messages []struct {
			ID int64 `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		fatalf("poll: bad response %s", raw)
	}
	for _, m := range out.Messages {
		if m.ID == wantID {
			return
		}
	}
	fatalf("poll: message %d missing from %s", wantID, raw)
}

func mustDo(parent context.Context, method, rawURL, token string, body []byte, stepTimeout time.Duration) (int, []byte) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read response: %v", err)
	}
	return resp.StatusCode, raw
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
