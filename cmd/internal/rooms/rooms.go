// Package rooms defines the room directory and membership boundaries consumed by the chat core.
//
// Room CRUD and member management belong to the surrounding product. The core only reads
// a room's identity and creation time, and asks whether a user may read or write in it.
package rooms

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrRoomNotFound is returned when a room id is unknown to the directory.
	ErrRoomNotFound = errors.New("rooms: room not found")

	// ErrInvalidRoomID is returned for ids that cannot name a room.
	ErrInvalidRoomID = errors.New("rooms: invalid room id")
)

// Room is the read-only view of a room the chat core needs.
type Room struct {
	ID        string
	CreatedAt time.Time
	IsActive  bool
}

// Access is the result of a membership check.
type Access struct {
	// Participant is true when the user is an active member of the room.
	Participant bool
	// CanSend is true when the user may post messages. It implies Participant.
	CanSend bool
}

// Directory resolves room ids to rooms.
type Directory interface {
	Lookup(ctx context.Context, roomID string) (Room, error)
}

// Membership answers "may this user read/write in this room".
type Membership interface {
	Check(ctx context.Context, roomID, userID string) (Access, error)
}

var roomIDRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id is usable as a room id (and therefore as a path segment).
func ValidID(id string) bool {
	return roomIDRE.MatchString(id)
}
