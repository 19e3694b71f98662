package roomlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when no data directory is configured.
// It keeps one partition per room and honours the same id and read rules as SQLiteStore.
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
	now   func() time.Time
}

type memRoom struct {
	mu       sync.Mutex
	lastID   int64
	msgs     []Record // ordered by id
	presence map[string]PresenceRecord
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms: make(map[string]*memRoom),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) room(roomID string, create bool) *memRoom {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil && create {
		r = &memRoom{
			msgs:     make([]Record, 0, 64),
			presence: make(map[string]PresenceRecord),
		}
		s.rooms[roomID] = r
	}
	return r
}

// Append assigns the next id of the room and stores rec.
func (s *InMemoryStore) Append(ctx context.Context, roomID string, rec Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rec, err := normalizeRecord(rec, s.now())
	if err != nil {
		return 0, err
	}

	r := s.room(roomID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	rec.ID = r.lastID
	r.msgs = append(r.msgs, rec)
	return rec.ID, nil
}

// Get returns a visible record by id.
func (s *InMemoryStore) Get(ctx context.Context, roomID string, id int64) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r := s.room(roomID, false)
	if r == nil {
		return Record{}, ErrRecordNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index(id)
	if !ok || r.msgs[i].IsDeleted {
		return Record{}, ErrRecordNotFound
	}
	return r.msgs[i], nil
}

// SoftDelete hides a record from reads. The id is never reused.
func (s *InMemoryStore) SoftDelete(ctx context.Context, roomID string, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := s.room(roomID, false)
	if r == nil {
		return ErrRecordNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index(id)
	if !ok || r.msgs[i].IsDeleted {
		return ErrRecordNotFound
	}
	r.msgs[i].IsDeleted = true
	return nil
}

// index must be called with r.mu held.
func (r *memRoom) index(id int64) (int, bool) {
	i := sort.Search(len(r.msgs), func(i int) bool { return r.msgs[i].ID >= id })
	return i, i < len(r.msgs) && r.msgs[i].ID == id
}

// ListRecent returns a window of visible records ordered by id ascending.
func (s *InMemoryStore) ListRecent(ctx context.Context, in ListInput) (ListResult, error) {
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}
	r := s.room(in.RoomID, false)
	if r == nil {
		return ListResult{}, nil
	}

	r.mu.Lock()
	res := window(r.msgs, in.Limit, in.SinceID)
	r.mu.Unlock()
	return res, nil
}

// HasUserMessages reports whether the room holds a visible non-system message.
func (s *InMemoryStore) HasUserMessages(ctx context.Context, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r := s.room(roomID, false)
	if r == nil {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if !m.IsDeleted && m.Kind != KindSystem {
			return true, nil
		}
	}
	return false, nil
}

// UpsertPresence marks the user active and refreshes last_seen_at.
// joined_at keeps the value of the first upsert.
func (s *InMemoryStore) UpsertPresence(ctx context.Context, roomID string, in PresenceInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if in.UserID == "" {
		return ErrInvalidRecord
	}
	seen := in.SeenAt
	if seen.IsZero() {
		seen = s.now()
	}
	seen = seen.UTC()

	r := s.room(roomID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.presence[in.UserID]
	if !ok {
		row = PresenceRecord{UserID: in.UserID, JoinedAt: seen}
	}
	row.DisplayName = in.DisplayName
	row.AvatarURL = in.AvatarURL
	row.Status = StatusActive
	row.LastSeenAt = seen
	r.presence[in.UserID] = row
	return nil
}

// DemoteStale moves active rows last seen at or before cutoff to away.
func (s *InMemoryStore) DemoteStale(ctx context.Context, roomID string, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r := s.room(roomID, false)
	if r == nil {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, row := range r.presence {
		if row.Status == StatusActive && !row.LastSeenAt.After(cutoff) {
			row.Status = StatusAway
			r.presence[id] = row
			n++
		}
	}
	return n, nil
}

// ListPresence returns active rows, most recently seen first.
func (s *InMemoryStore) ListPresence(ctx context.Context, roomID string) ([]PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := s.room(roomID, false)
	if r == nil {
		return nil, nil
	}

	r.mu.Lock()
	out := make([]PresenceRecord, 0, len(r.presence))
	for _, row := range r.presence {
		if row.Status == StatusActive {
			out = append(out, row)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}
