// Package v1 defines the room stream push contract.
//
// Every push (SSE event or WebSocket text frame) carries one Envelope. The package is
// shared between server and clients and depends on the standard library only.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeConnected is the first push of every stream (server -> client).
	TypeConnected = "connected"
	// TypeMessage carries a newly appended message (server -> room viewers).
	TypeMessage = "message"
	// TypeTyping carries a typing indicator change. Clients may also send it over
	// WebSocket instead of POSTing it.
	TypeTyping = "typing"
	// TypePresence carries the active participant snapshot (server -> room viewers).
	TypePresence = "presence"
	// TypeHeartbeat keeps idle streams alive (server -> client).
	TypeHeartbeat = "heartbeat"
	// TypeClosed is the last push before the server ends a stream (server -> client).
	TypeClosed = "closed"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Close reasons carried by ClosedPayload.
const (
	CloseLifetime = "lifetime"
	CloseShutdown = "shutdown"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RoomID  string          `json:"room_id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with payload marshaled to JSON.
func New(typ, id, roomID string, ts time.Time, payload any) (Envelope, error) {
	env := Envelope{V: Version, Type: typ, ID: id, RoomID: roomID, TS: ts.UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeConnected,
		TypeMessage,
		TypeTyping,
		TypePresence,
		TypeHeartbeat,
		TypeClosed,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// ConnectedPayload opens a stream.
type ConnectedPayload struct {
	RoomID     string    `json:"room_id"`
	SessionID  string    `json:"session_id"`
	ServerTime time.Time `json:"server_time"`
}

// FilePayload is the metadata of an attached file.
type FilePayload struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
	Path string `json:"path"`
}

// MessagePayload is a message as seen by room viewers.
type MessagePayload struct {
	ID                int64        `json:"id"`
	SenderID          string       `json:"sender_id"`
	SenderDisplayName string       `json:"sender_display_name"`
	SenderAvatarURL   string       `json:"sender_avatar_url,omitempty"`
	Content           string       `json:"content"`
	Kind              string       `json:"kind"`
	Notice            string       `json:"notice,omitempty"`
	ReplyToID         *int64       `json:"reply_to_id,omitempty"`
	File              *FilePayload `json:"file,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// TypingPayload reports a typing indicator change.
// Clients sending it over WebSocket only set IsTyping.
type TypingPayload struct {
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	IsTyping    bool   `json:"is_typing"`
}

// PresenceUser is one active participant.
type PresenceUser struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// PresencePayload is the active participant snapshot of a room.
type PresencePayload struct {
	ActiveCount int            `json:"active_count"`
	Users       []PresenceUser `json:"users"`
}

// HeartbeatPayload keeps idle streams alive.
type HeartbeatPayload struct {
	ServerTime time.Time `json:"server_time"`
}

// ClosedPayload tells the client why the stream ends and when to reconnect.
type ClosedPayload struct {
	Reason      string `json:"reason"`
	ReconnectMS int64  `json:"reconnect_ms,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
