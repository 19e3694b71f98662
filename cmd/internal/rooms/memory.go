package rooms

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryDirectory is an in-process Directory used in dev mode and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	rooms map[string]Room
}

// NewMemoryDirectory constructs an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{rooms: make(map[string]Room)}
}

// Put registers or replaces a room. A zero CreatedAt is set to now (UTC).
func (d *MemoryDirectory) Put(r Room) error {
	if !ValidID(r.ID) {
		return ErrInvalidRoomID
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	d.mu.Lock()
	d.rooms[r.ID] = r
	d.mu.Unlock()
	return nil
}

// Lookup returns the room registered under roomID.
func (d *MemoryDirectory) Lookup(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	d.mu.RLock()
	r, ok := d.rooms[strings.TrimSpace(roomID)]
	d.mu.RUnlock()

	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return r, nil
}

// MemoryMembership is an in-process Membership used in dev mode and tests.
type MemoryMembership struct {
	mu      sync.RWMutex
	members map[string]map[string]Access // room -> user -> access
}

// NewMemoryMembership constructs an empty MemoryMembership.
func NewMemoryMembership() *MemoryMembership {
	return &MemoryMembership{members: make(map[string]map[string]Access)}
}

// Grant sets the access of userID in roomID.
func (m *MemoryMembership) Grant(roomID, userID string, a Access) {
	if a.CanSend {
		a.Participant = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	users := m.members[roomID]
	if users == nil {
		users = make(map[string]Access)
		m.members[roomID] = users
	}
	users[userID] = a
}

// Revoke removes userID from roomID.
func (m *MemoryMembership) Revoke(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if users := m.members[roomID]; users != nil {
		delete(users, userID)
	}
}

// Check returns the access of userID in roomID. Unknown pairs have no access.
func (m *MemoryMembership) Check(ctx context.Context, roomID, userID string) (Access, error) {
	if err := ctx.Err(); err != nil {
		return Access{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.members[roomID][userID], nil
}
