package rooms

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestValidID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want bool
	}{
		{in: "room-1", want: true},
		{in: "Room_42", want: true},
		{in: "", want: false},
		{in: "../etc", want: false},
		{in: "a/b", want: false},
		{in: "room 1", want: false},
	}

	for _, tc := range cases {
		if got := ValidID(tc.in); got != tc.want {
			t.Fatalf("ValidID(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestMemoryDirectory_PutLookup(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory()
	created := time.Date(2024, 3, 9, 22, 15, 0, 0, time.UTC)

	if err := d.Put(Room{ID: "r1", CreatedAt: created, IsActive: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := d.Put(Room{ID: "bad/id"}); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected ErrInvalidRoomID, got %v", err)
	}

	r, err := d.Lookup(context.Background(), "r1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !r.CreatedAt.Equal(created) || !r.IsActive {
		t.Fatalf("unexpected room: %+v", r)
	}

	if _, err := d.Lookup(context.Background(), "missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestMemoryMembership_GrantCheckRevoke(t *testing.T) {
	t.Parallel()

	m := NewMemoryMembership()
	ctx := context.Background()

	m.Grant("r1", "alice", Access{CanSend: true})
	m.Grant("r1", "bob", Access{Participant: true})

	a, err := m.Check(ctx, "r1", "alice")
	if err != nil {
		t.Fatalf("check alice: %v", err)
	}
	if !a.Participant || !a.CanSend {
		t.Fatalf("alice: expected participant+send, got %+v", a)
	}

	b, _ := m.Check(ctx, "r1", "bob")
	if !b.Participant || b.CanSend {
		t.Fatalf("bob: expected read-only participant, got %+v", b)
	}

	c, _ := m.Check(ctx, "r1", "carol")
	if c.Participant {
		t.Fatalf("carol: expected no access, got %+v", c)
	}

	m.Revoke("r1", "alice")
	a, _ = m.Check(ctx, "r1", "alice")
	if a.Participant {
		t.Fatalf("alice after revoke: expected no access, got %+v", a)
	}
}
