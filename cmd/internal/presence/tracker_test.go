package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jinyphp/chat-sub001/cmd/internal/roomlog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustTracker(t *testing.T, clock *fakeClock) *Tracker {
	t.Helper()
	tr, err := NewTracker(roomlog.NewInMemoryStore(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func TestTracker_IsOnlineBoundary(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	tr := mustTracker(t, &fakeClock{now: now})

	cases := []struct {
		name string
		ago  time.Duration
		want bool
	}{
		{name: "just now", ago: 0, want: true},
		{name: "4m59s", ago: 4*time.Minute + 59*time.Second, want: true},
		{name: "exactly 5m", ago: 5 * time.Minute, want: false},
		{name: "5m01s", ago: 5*time.Minute + time.Second, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tr.IsOnline(now.Add(-tc.ago)); got != tc.want {
				t.Fatalf("IsOnline(now-%s)=%v want %v", tc.ago, got, tc.want)
			}
		})
	}
}

func TestTracker_Heartbeat_DemotesAndCounts(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr := mustTracker(t, clock)
	ctx := context.Background()

	res, err := tr.Heartbeat(ctx, "r1", Participant{UserID: "alice", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("heartbeat alice: %v", err)
	}
	if res.ActiveCount != 1 || !res.Changed {
		t.Fatalf("first heartbeat: %+v", res)
	}

	clock.Advance(time.Minute)
	res, err = tr.Heartbeat(ctx, "r1", Participant{UserID: "bob", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("heartbeat bob: %v", err)
	}
	if res.ActiveCount != 2 || !res.Changed {
		t.Fatalf("bob joins: %+v", res)
	}
	if res.Snapshot[0].UserID != "bob" {
		t.Fatalf("expected newest first, got=%+v", res.Snapshot)
	}

	clock.Advance(30 * time.Second)
	res, err = tr.Heartbeat(ctx, "r1", Participant{UserID: "bob", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("heartbeat bob again: %v", err)
	}
	if res.Changed {
		t.Fatalf("repeat heartbeat must not change the active set: %+v", res)
	}

	clock.Advance(5 * time.Minute)
	res, err = tr.Heartbeat(ctx, "r1", Participant{UserID: "bob", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("heartbeat after idle: %v", err)
	}
	if res.ActiveCount != 1 || res.Demoted != 1 || !res.Changed {
		t.Fatalf("alice should be demoted: %+v", res)
	}
	if res.Snapshot[0].UserID != "bob" {
		t.Fatalf("unexpected snapshot: %+v", res.Snapshot)
	}

	res, err = tr.Heartbeat(ctx, "r1", Participant{UserID: "alice", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("heartbeat alice back: %v", err)
	}
	if res.ActiveCount != 2 || !res.Changed {
		t.Fatalf("alice returns: %+v", res)
	}
}

func TestTracker_SnapshotFiltersUndemotedStaleRows(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr := mustTracker(t, clock)
	ctx := context.Background()

	if err := tr.Touch(ctx, "r1", Participant{UserID: "alice"}); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	clock.Advance(6 * time.Minute)

	snap, err := tr.Snapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("expected empty snapshot, got=%+v", snap)
	}
}

func TestTracker_WithAwayAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	tr, err := NewTracker(roomlog.NewInMemoryStore(), WithAwayAfter(time.Minute), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if tr.IsOnline(now.Add(-61 * time.Second)) {
		t.Fatalf("expected offline past custom threshold")
	}
}

func TestTracker_StoreAgreesAtThreshold(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := roomlog.NewInMemoryStore()
	tr, err := NewTracker(store, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	ctx := context.Background()

	if _, err := tr.Heartbeat(ctx, "r1", Participant{UserID: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("Heartbeat alice: %v", err)
	}
	clock.Advance(DefaultAwayAfter)

	res, err := tr.Heartbeat(ctx, "r1", Participant{UserID: "bob", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("Heartbeat bob: %v", err)
	}
	if res.Demoted != 1 || res.ActiveCount != 1 {
		t.Fatalf("alice must be demoted exactly at the threshold, got %+v", res)
	}

	rows, err := store.ListPresence(ctx, "r1")
	if err != nil {
		t.Fatalf("ListPresence: %v", err)
	}
	snap, err := tr.Snapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(rows) != len(snap) || len(rows) != 1 || rows[0].UserID != "bob" {
		t.Fatalf("store rows=%+v snapshot=%+v", rows, snap)
	}
}
