// Package roomlog stores each room's append-only message log and presence table.
//
// Every room owns one physical partition, keyed by the room id and the calendar date of
// the room's creation. Partitions are created on the first write and located by
// recomputing the same key from the room's CreatedAt, never from the current date.
package roomlog

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrUnavailable is returned when a partition cannot be created, read or written.
	ErrUnavailable = errors.New("roomlog: partition unavailable")

	// ErrEmptyContent is returned when a text or system record has no content.
	ErrEmptyContent = errors.New("roomlog: empty content")

	// ErrInvalidRecord is returned for records that are structurally invalid
	// (missing sender, unknown kind, file record without file metadata).
	ErrInvalidRecord = errors.New("roomlog: invalid record")

	// ErrRecordNotFound is returned when a message does not exist or is soft-deleted.
	ErrRecordNotFound = errors.New("roomlog: record not found")
)

// Kind is the message kind.
type Kind string

const (
	KindText   Kind = "text"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// NoticeRoomCreated marks the one-time system notice posted when a room is created.
const NoticeRoomCreated = "room_created"

// SystemSenderID is the sender id used for system notices.
const SystemSenderID = "system"

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// FileMeta is the metadata of a stored file. The binary lives elsewhere.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
	Path string `json:"path"`
}

// Record is one message of a room log.
//
// Sender fields are copied at write time; the log never joins a live user table.
type Record struct {
	ID                int64     `json:"id"`
	SenderID          string    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	SenderAvatarURL   string    `json:"sender_avatar_url,omitempty"`
	Content           string    `json:"content"`
	Kind              Kind      `json:"kind"`
	Notice            string    `json:"notice,omitempty"`
	ReplyToID         *int64    `json:"reply_to_id,omitempty"`
	File              *FileMeta `json:"file,omitempty"`
	IsDeleted         bool      `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

// PresenceStatus is the status of a presence row.
type PresenceStatus string

const (
	StatusActive PresenceStatus = "active"
	StatusAway   PresenceStatus = "away"
)

// PresenceRecord is the presence row of one user in one room.
type PresenceRecord struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Status      PresenceStatus `json:"status"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	JoinedAt    time.Time      `json:"joined_at"`
}

// PresenceInput refreshes a presence row.
type PresenceInput struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	SeenAt      time.Time
}

// ListInput describes a ListRecent query.
type ListInput struct {
	RoomID string
	Limit  int
	// SinceID, when set, restricts the window to records with id > *SinceID.
	SinceID *int64
}

// ListResult is a window of records ordered by id ascending.
//
// HasMore means more records exist beyond the window in the paging direction:
// newer ones when SinceID was set, older ones otherwise.
type ListResult struct {
	Records []Record
	HasMore bool
}

// Store is the per-room message log and presence table.
//
// Requirements:
//   - ids are strictly increasing per room with no gaps and no duplicates
//   - reads never create a partition; a missing partition reads as empty
//   - soft-deleted records never appear in reads
//   - DemoteStale demotes rows whose last_seen_at is at or before cutoff
type Store interface {
	Append(ctx context.Context, roomID string, rec Record) (int64, error)
	Get(ctx context.Context, roomID string, id int64) (Record, error)
	SoftDelete(ctx context.Context, roomID string, id int64) error
	ListRecent(ctx context.Context, in ListInput) (ListResult, error)
	HasUserMessages(ctx context.Context, roomID string) (bool, error)

	UpsertPresence(ctx context.Context, roomID string, in PresenceInput) error
	DemoteStale(ctx context.Context, roomID string, cutoff time.Time) (int, error)
	ListPresence(ctx context.Context, roomID string) ([]PresenceRecord, error)

	Close() error
}

// normalizeRecord validates rec and fills defaults. It does not assign the id.
func normalizeRecord(rec Record, now time.Time) (Record, error) {
	if rec.Kind == "" {
		rec.Kind = KindText
	}
	if strings.TrimSpace(rec.SenderID) == "" {
		return Record{}, ErrInvalidRecord
	}

	switch rec.Kind {
	case KindText, KindSystem:
		if strings.TrimSpace(rec.Content) == "" {
			return Record{}, ErrEmptyContent
		}
		rec.File = nil
	case KindFile:
		if rec.File == nil || strings.TrimSpace(rec.File.Path) == "" {
			return Record{}, ErrInvalidRecord
		}
	default:
		return Record{}, ErrInvalidRecord
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ID = 0
	rec.IsDeleted = false
	return rec, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// window selects the visible records of an id-ordered log.
func window(log []Record, limit int, sinceID *int64) ListResult {
	limit = normalizeLimit(limit)
	out := make([]Record, 0, limit+1)

	if sinceID != nil {
		for _, r := range log {
			if r.ID <= *sinceID || r.IsDeleted {
				continue
			}
			out = append(out, r)
			if len(out) > limit {
				break
			}
		}
		hasMore := len(out) > limit
		if hasMore {
			out = out[:limit]
		}
		return ListResult{Records: out, HasMore: hasMore}
	}

	for i := len(log) - 1; i >= 0; i-- {
		if log[i].IsDeleted {
			continue
		}
		out = append(out, log[i])
		if len(out) > limit {
			break
		}
	}
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return ListResult{Records: out, HasMore: hasMore}
}
