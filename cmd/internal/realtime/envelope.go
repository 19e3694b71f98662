package realtime

import (
	"fmt"
	"time"

	"github.com/jinyphp/chat-sub001/cmd/internal/ids"
	"github.com/jinyphp/chat-sub001/cmd/internal/roomlog"
	v1 "github.com/jinyphp/chat-sub001/shared/contracts/stream/v1"
)

// MessagePayload converts a stored record to its wire form.
func MessagePayload(rec roomlog.Record) v1.MessagePayload {
	p := v1.MessagePayload{
		ID:                rec.ID,
		SenderID:          rec.SenderID,
		SenderDisplayName: rec.SenderDisplayName,
		SenderAvatarURL:   rec.SenderAvatarURL,
		Content:           rec.Content,
		Kind:              string(rec.Kind),
		Notice:            rec.Notice,
		ReplyToID:         rec.ReplyToID,
		CreatedAt:         rec.CreatedAt,
	}
	if f := rec.File; f != nil {
		p.File = &v1.FilePayload{Name: f.Name, Size: f.Size, Mime: f.Mime, Path: f.Path}
	}
	return p
}

// PresencePayload converts an active snapshot to its wire form.
func PresencePayload(snapshot []roomlog.PresenceRecord) v1.PresencePayload {
	users := make([]v1.PresenceUser, 0, len(snapshot))
	for _, r := range snapshot {
		users = append(users, v1.PresenceUser{
			UserID:      r.UserID,
			DisplayName: r.DisplayName,
			AvatarURL:   r.AvatarURL,
			LastSeenAt:  r.LastSeenAt,
		})
	}
	return v1.PresencePayload{ActiveCount: len(users), Users: users}
}

// eventEnvelope converts a bus event to a push envelope.
func eventEnvelope(ev Event, now time.Time) (v1.Envelope, error) {
	var (
		typ     string
		payload any
	)
	switch ev.Kind {
	case EventMessageAppended:
		if ev.Message == nil {
			return v1.Envelope{}, fmt.Errorf("message event without record")
		}
		typ, payload = v1.TypeMessage, MessagePayload(*ev.Message)
	case EventTypingChanged:
		if ev.Typing == nil {
			return v1.Envelope{}, fmt.Errorf("typing event without payload")
		}
		typ, payload = v1.TypeTyping, v1.TypingPayload{
			UserID:      ev.Typing.UserID,
			DisplayName: ev.Typing.DisplayName,
			IsTyping:    ev.Typing.IsTyping,
		}
	case EventPresenceChanged:
		typ, payload = v1.TypePresence, PresencePayload(ev.Presence)
	default:
		return v1.Envelope{}, fmt.Errorf("unknown event kind: %q", ev.Kind)
	}
	return newEnvelope(typ, ev.RoomID, now, payload)
}

func newEnvelope(typ, roomID string, now time.Time, payload any) (v1.Envelope, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.New(typ, id, roomID, now, payload)
}
