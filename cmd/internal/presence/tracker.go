// Package presence tracks who is currently active in a room.
//
// Presence is derived from heartbeats: a heartbeat marks the caller active and
// demotes every row whose last heartbeat is older than the away threshold. There is
// no background sweep.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/jinyphp/chat-sub001/cmd/internal/roomlog"
)

// DefaultAwayAfter is the idle time after which a participant is shown as away.
const DefaultAwayAfter = 5 * time.Minute

// Participant identifies the user a heartbeat is sent for.
type Participant struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Result is the outcome of one heartbeat.
type Result struct {
	ActiveCount int
	Demoted     int
	// Changed reports whether the set of active users differs from the one
	// observed before the heartbeat.
	Changed  bool
	Snapshot []roomlog.PresenceRecord
}

// Tracker maintains presence rows through a roomlog.Store.
type Tracker struct {
	store     roomlog.Store
	awayAfter time.Duration
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAwayAfter overrides DefaultAwayAfter. Non-positive values are ignored.
func WithAwayAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.awayAfter = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker constructs a Tracker.
func NewTracker(store roomlog.Store, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("presence: nil store")
	}
	t := &Tracker{
		store:     store,
		awayAfter: DefaultAwayAfter,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// AwayAfter returns the configured threshold.
func (t *Tracker) AwayAfter() time.Duration { return t.awayAfter }

// IsOnline reports whether lastSeenAt is within the away threshold of now.
func (t *Tracker) IsOnline(lastSeenAt time.Time) bool {
	return t.IsOnlineAt(t.now(), lastSeenAt)
}

// IsOnlineAt is IsOnline against an explicit clock reading.
func (t *Tracker) IsOnlineAt(now, lastSeenAt time.Time) bool {
	return now.Sub(lastSeenAt) < t.awayAfter
}

// Heartbeat marks p active, demotes stale rows and returns the active snapshot.
func (t *Tracker) Heartbeat(ctx context.Context, roomID string, p Participant) (Result, error) {
	now := t.now()

	before, err := t.store.ListPresence(ctx, roomID)
	if err != nil {
		return Result{}, err
	}
	prev := make(map[string]struct{}, len(before))
	for _, row := range before {
		if t.IsOnlineAt(now, row.LastSeenAt) {
			prev[row.UserID] = struct{}{}
		}
	}

	if err := t.store.UpsertPresence(ctx, roomID, roomlog.PresenceInput{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		SeenAt:      now,
	}); err != nil {
		return Result{}, err
	}

	demoted, err := t.store.DemoteStale(ctx, roomID, now.Add(-t.awayAfter))
	if err != nil {
		return Result{}, err
	}

	snap, err := t.store.ListPresence(ctx, roomID)
	if err != nil {
		return Result{}, err
	}

	changed := len(snap) != len(prev)
	if !changed {
		for _, row := range snap {
			if _, ok := prev[row.UserID]; !ok {
				changed = true
				break
			}
		}
	}

	return Result{
		ActiveCount: len(snap),
		Demoted:     demoted,
		Changed:     changed,
		Snapshot:    snap,
	}, nil
}

// Touch records last-seen-now for p without housekeeping.
func (t *Tracker) Touch(ctx context.Context, roomID string, p Participant) error {
	return t.store.UpsertPresence(ctx, roomID, roomlog.PresenceInput{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		SeenAt:      t.now(),
	})
}

// Snapshot returns the active participants of the room, most recently seen first.
// Rows past the threshold that no heartbeat has demoted yet are filtered out.
func (t *Tracker) Snapshot(ctx context.Context, roomID string) ([]roomlog.PresenceRecord, error) {
	rows, err := t.store.ListPresence(ctx, roomID)
	if err != nil {
		return nil, err
	}
	now := t.now()
	out := rows[:0]
	for _, row := range rows {
		if t.IsOnlineAt(now, row.LastSeenAt) {
			out = append(out, row)
		}
	}
	return out, nil
}
