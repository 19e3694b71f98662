package roomlog

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jinyphp/chat-sub001/cmd/internal/rooms"
)

// PartitionKey locates the physical partition of one room.
type PartitionKey struct {
	RoomID string
	// Bucket is the UTC calendar date of the room's creation.
	Bucket time.Time
}

// KeyFor derives the partition key from the room's creation time.
// The current date plays no part in it.
func KeyFor(r rooms.Room) PartitionKey {
	c := r.CreatedAt.UTC()
	return PartitionKey{
		RoomID: r.ID,
		Bucket: time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, time.UTC),
	}
}

// Dir returns the bucket directory (YYYY/MM/DD) relative to root.
func (k PartitionKey) Dir(root string) string {
	return filepath.Join(root,
		fmt.Sprintf("%04d", k.Bucket.Year()),
		fmt.Sprintf("%02d", int(k.Bucket.Month())),
		fmt.Sprintf("%02d", k.Bucket.Day()),
	)
}

// Path returns the SQLite file of the partition under root.
func (k PartitionKey) Path(root string) string {
	return filepath.Join(k.Dir(root), "room_"+k.RoomID+".sqlite")
}

func (k PartitionKey) String() string {
	return k.RoomID + "@" + k.Bucket.Format("2006-01-02")
}
