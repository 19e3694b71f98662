package realtime

import (
	"github.com/jinyphp/chat-sub001/cmd/internal/roomlog"
)

// EventKind is the kind of a bus event.
type EventKind string

const (
	EventMessageAppended EventKind = "message"
	EventTypingChanged   EventKind = "typing"
	EventPresenceChanged EventKind = "presence"
)

// Typing is the payload of EventTypingChanged.
type Typing struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
}

// Event is one room event carried by the Bus.
//
// Exactly one of Message, Typing or Presence is set, according to Kind.
// Origin is the node id of the publisher when the event crossed a relay.
type Event struct {
	Kind     EventKind                `json:"kind"`
	RoomID   string                   `json:"room_id"`
	Message  *roomlog.Record          `json:"message,omitempty"`
	Typing   *Typing                  `json:"typing,omitempty"`
	Presence []roomlog.PresenceRecord `json:"presence,omitempty"`
	Origin   string                   `json:"origin,omitempty"`
}

// MessageAppended builds the event published after a successful append.
func MessageAppended(roomID string, rec roomlog.Record) Event {
	return Event{Kind: EventMessageAppended, RoomID: roomID, Message: &rec}
}

// TypingChanged builds a typing indicator event.
func TypingChanged(roomID, userID, displayName string, isTyping bool) Event {
	return Event{
		Kind:   EventTypingChanged,
		RoomID: roomID,
		Typing: &Typing{UserID: userID, DisplayName: displayName, IsTyping: isTyping},
	}
}

// PresenceChanged builds an active-participant snapshot event.
func PresenceChanged(roomID string, snapshot []roomlog.PresenceRecord) Event {
	if snapshot == nil {
		snapshot = []roomlog.PresenceRecord{}
	}
	return Event{Kind: EventPresenceChanged, RoomID: roomID, Presence: snapshot}
}

// Publisher accepts room events. Implementations never block the caller.
type Publisher interface {
	Publish(roomID string, ev Event)
}
