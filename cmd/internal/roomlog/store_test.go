package roomlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jinyphp/chat-sub001/cmd/internal/rooms"
)

type storeFactory struct {
	name string
	new  func(t *testing.T, dir *rooms.MemoryDirectory) Store
}

func factories() []storeFactory {
	return []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T, _ *rooms.MemoryDirectory) Store {
				return NewInMemoryStore()
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T, dir *rooms.MemoryDirectory) Store {
				t.Helper()
				s, err := NewSQLiteStore(t.TempDir(), dir)
				if err != nil {
					t.Fatalf("NewSQLiteStore: %v", err)
				}
				return s
			},
		},
	}
}

func mustDirectory(t *testing.T, ids ...string) *rooms.MemoryDirectory {
	t.Helper()
	d := rooms.NewMemoryDirectory()
	for _, id := range ids {
		if err := d.Put(rooms.Room{ID: id, CreatedAt: time.Date(2024, 3, 9, 22, 15, 0, 0, time.UTC), IsActive: true}); err != nil {
			t.Fatalf("put room %s: %v", id, err)
		}
	}
	return d
}

func mustAppend(t *testing.T, s Store, roomID, content string) int64 {
	t.Helper()
	id, err := s.Append(context.Background(), roomID, Record{
		SenderID:          "u1",
		SenderDisplayName: "User One",
		Content:           content,
	})
	if err != nil {
		t.Fatalf("append %q: %v", content, err)
	}
	return id
}

func ids(recs []Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStore_ConcurrentAppend_NoGapsNoDuplicates(t *testing.T) {
	t.Parallel()

	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t, mustDirectory(t, "r1"))
			defer s.Close()

			const writers = 32
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				got  []int64
				errs = make(chan error, writers)
			)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id, err := s.Append(context.Background(), "r1", Record{
						SenderID: fmt.Sprintf("u%d", i),
						Content:  fmt.Sprintf("msg-%d", i),
					})
					if err != nil {
						errs <- err
						return
					}
					mu.Lock()
					got = append(got, id)
					mu.Unlock()
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("append: %v", err)
			}

			sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
			for i, id := range got {
				if id != int64(i+1) {
					t.Fatalf("ids not contiguous: %v", got)
				}
			}
		})
	}
}

func TestStore_ListRecent_Windows(t *testing.T) {
	t.Parallel()

	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t, mustDirectory(t, "r1"))
			defer s.Close()
			ctx := context.Background()

			for i := 1; i <= 5; i++ {
				mustAppend(t, s, "r1", fmt.Sprintf("m%d", i))
			}

			res, err := s.ListRecent(ctx, ListInput{RoomID: "r1", Limit: 3})
			if err != nil {
				t.Fatalf("ListRecent: %v", err)
			}
			if !equalIDs(ids(res.Records), []int64{3, 4, 5}) || !res.HasMore {
				t.Fatalf("newest window: ids=%v has_more=%v", ids(res.Records), res.HasMore)
			}

			since := int64(2)
			res, err = s.ListRecent(ctx, ListInput{RoomID: "r1", Limit: 2, SinceID: &since})
			if err != nil {
				t.Fatalf("ListRecent since: %v", err)
			}
			if !equalIDs(ids(res.Records), []int64{3, 4}) || !res.HasMore {
				t.Fatalf("since window: ids=%v has_more=%v", ids(res.Records), res.HasMore)
			}

			since = 5
			res, err = s.ListRecent(ctx, ListInput{RoomID: "r1", SinceID: &since})
			if err != nil {
				t.Fatalf("ListRecent tail: %v", err)
			}
			if len(res.Records) != 0 || res.HasMore {
				t.Fatalf("tail window: ids=%v has_more=%v", ids(res.Records), res.HasMore)
			}
		})
	}
}

func TestStore_SoftDelete_HidesRecordKeepsIDs(t *testing.T) {
	t.Parallel()

	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t, mustDirectory(t, "r1"))
			defer s.Close()
			ctx := context.Background()

			mustAppend(t, s, "r1", "a")
			mustAppend(t, s, "r1", "b")

			if err := s.SoftDelete(ctx, "r1", 2); err != nil {
				t.Fatalf("SoftDelete: %v", err)
			}
			if err := s.SoftDelete(ctx, "r1", 2); !errors.Is(err, ErrRecordNotFound) {
				t.Fatalf("second SoftDelete: expected ErrRecordNotFound got=%v", err)
			}
			if _, err := s.Get(ctx, "r1", 2); !errors.Is(err, ErrRecordNotFound) {
				t.Fatalf("Get deleted: expected ErrRecordNotFound got=%v", err)
			}

			res, err := s.ListRecent(ctx, ListInput{RoomID: "r1"})
			if err != nil {
				t.Fatalf("ListRecent: %v", err)
			}
			if !equalIDs(ids(res.Records), []int64{1}) {
				t.Fatalf("expected only id 1 visible, got=%v", ids(res.Records))
			}

			if id := mustAppend(t, s, "r1", "c"); id != 3 {
				t.Fatalf("expected id 3 after delete, got=%d", id)
			}
			mustAppend(t, s, "r1", "d")
			if err := s.SoftDelete(ctx, "r1", 3); err != nil {
				t.Fatalf("SoftDelete 3: %v", err)
			}

			for _, since := range []int64{0, 1, 2} {
				since := since
				res, err := s.ListRecent(ctx, ListInput{RoomID: "r1", SinceID: &since})
				if err != nil {
					t.Fatalf("ListRecent since=%d: %v", since, err)
				}
				got := ids(res.Records)
				for _, id := range got {
					if id == 2 || id == 3 {
						t.Fatalf("since=%d returned deleted id %d: %v", since, id, got)
					}
				}
				if got[len(got)-1] != 4 {
					t.Fatalf("since=%d expected id 4 last, got=%v", since, got)
				}
			}

			since := int64(1)
			res, err = s.ListRecent(ctx, ListInput{RoomID: "r1", SinceID: &since, Limit: 1})
			if err != nil {
				t.Fatalf("ListRecent since=1 limit=1: %v", err)
			}
			if !equalIDs(ids(res.Records), []int64{4}) || res.HasMore {
				t.Fatalf("expected [4] without more, got=%v has_more=%v", ids(res.Records), res.HasMore)
			}
		})
	}
}

func TestStore_HasUserMessages(t *testing.T) {
	t.Parallel()

	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t, mustDirectory(t, "r1"))
			defer s.Close()
			ctx := context.Background()

			has := func() bool {
				t.Helper()
				ok, err := s.HasUserMessages(ctx, "r1")
				if err != nil {
					t.Fatalf("HasUserMessages: %v", err)
				}
				return ok
			}

			if has() {
				t.Fatalf("empty room reported user messages")
			}

			if _, err := s.Append(ctx, "r1", Record{
				SenderID: SystemSenderID, SenderDisplayName: "System",
				Content: "Room created", Kind: KindSystem, Notice: NoticeRoomCreated,
			}); err != nil {
				t.Fatalf("Append notice: %v", err)
			}
			if has() {
				t.Fatalf("system notice counted as user message")
			}

			id := mustAppend(t, s, "r1", "hello")
			if !has() {
				t.Fatalf("expected user message after append")
			}

			if err := s.SoftDelete(ctx, "r1", id); err != nil {
				t.Fatalf("SoftDelete: %v", err)
			}
			if has() {
				t.Fatalf("deleted message counted as user message")
			}
		})
	}
}

func TestStore_DemoteStale_CutoffInclusive(t *testing.T) {
	t.Parallel()

	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t, mustDirectory(t, "r1"))
			defer s.Close()
			ctx := context.Background()

			seen := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
			if err := s.UpsertPresence(ctx, "r1", PresenceInput{UserID: "alice", DisplayName: "Alice", SeenAt: seen}); err != nil {
				t.Fatalf("UpsertPresence: %v", err)
			}

			if n, err := s.DemoteStale(ctx, "r1", seen.Add(-time.Nanosecond)); err != nil || n != 0 {
				t.Fatalf("cutoff before last seen: n=%d err=%v", n, err)
			}
			if n, err := s.DemoteStale(ctx, "r1", seen); err != nil || n != 1 {
				t.Fatalf("cutoff at last seen: n=%d err=%v", n, err)
			}
			rows, err := s.ListPresence(ctx, "r1")
			if err != nil {
				t.Fatalf("ListPresence: %v", err)
			}
			if len(rows) != 0 {
				t.Fatalf("expected no active rows, got=%+v", rows)
			}
		})
	}
}

func TestStore_Append_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rec  Record
		want error
	}{
		{name: "blank text", rec: Record{SenderID: "u1", Content: "   "}, want: ErrEmptyContent},
		{name: "missing sender", rec: Record{Content: "hi"}, want: ErrInvalidRecord},
		{name: "file without meta", rec: Record{SenderID: "u1", Kind: KindFile}, want: ErrInvalidRecord},
		{name: "unknown kind", rec: Record{SenderID: "u1", Kind: "sticker", Content: "x"}, want: ErrInvalidRecord},
	}

	s := NewInMemoryStore()
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.Append(context.Background(), "r1", tc.rec)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v got=%v", tc.want, err)
			}
		})
	}
}

func TestStore_Presence_UpsertDemoteList(t *testing.T) {
	t.Parallel()

	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t, mustDirectory(t, "r1"))
			defer s.Close()
			ctx := context.Background()

			base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
			mustUpsert := func(user string, at time.Time) {
				t.Helper()
				if err := s.UpsertPresence(ctx, "r1", PresenceInput{UserID: user, DisplayName: user, SeenAt: at}); err != nil {
					t.Fatalf("UpsertPresence %s: %v", user, err)
				}
			}

			mustUpsert("alice", base)
			mustUpsert("bob", base.Add(-10*time.Minute))
			mustUpsert("alice", base.Add(time.Minute))

			n, err := s.DemoteStale(ctx, "r1", base.Add(-5*time.Minute))
			if err != nil {
				t.Fatalf("DemoteStale: %v", err)
			}
			if n != 1 {
				t.Fatalf("expected 1 demoted got=%d", n)
			}

			rows, err := s.ListPresence(ctx, "r1")
			if err != nil {
				t.Fatalf("ListPresence: %v", err)
			}
			if len(rows) != 1 || rows[0].UserID != "alice" {
				t.Fatalf("expected only alice active, got=%+v", rows)
			}
			if !rows[0].JoinedAt.Equal(base) {
				t.Fatalf("joined_at changed: %v", rows[0].JoinedAt)
			}
			if !rows[0].LastSeenAt.Equal(base.Add(time.Minute)) {
				t.Fatalf("last_seen_at not refreshed: %v", rows[0].LastSeenAt)
			}

			mustUpsert("bob", base.Add(2*time.Minute))
			rows, err = s.ListPresence(ctx, "r1")
			if err != nil {
				t.Fatalf("ListPresence: %v", err)
			}
			if len(rows) != 2 || rows[0].UserID != "bob" {
				t.Fatalf("expected bob first after reactivation, got=%+v", rows)
			}
		})
	}
}

func TestSQLiteStore_PartitionPathFromRoomCreation(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := mustDirectory(t, "lobby")
	s, err := NewSQLiteStore(root, dir, WithClock(func() time.Time {
		return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	mustAppend(t, s, "lobby", "hello")

	want := filepath.Join(root, "2024", "03", "09", "room_lobby.sqlite")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected partition at %s: %v", want, err)
	}
}

func TestSQLiteStore_ReadsNeverCreatePartition(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := NewSQLiteStore(root, mustDirectory(t, "quiet"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	res, err := s.ListRecent(ctx, ListInput{RoomID: "quiet"})
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(res.Records) != 0 || res.HasMore {
		t.Fatalf("expected empty result, got=%+v", res)
	}
	if rows, err := s.ListPresence(ctx, "quiet"); err != nil || len(rows) != 0 {
		t.Fatalf("ListPresence: rows=%v err=%v", rows, err)
	}
	if n, err := s.DemoteStale(ctx, "quiet", time.Now()); err != nil || n != 0 {
		t.Fatalf("DemoteStale: n=%d err=%v", n, err)
	}

	path := KeyFor(rooms.Room{ID: "quiet", CreatedAt: time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)}).Path(root)
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no partition file, stat err=%v", err)
	}
}

func TestSQLiteStore_UnknownRoom(t *testing.T) {
	t.Parallel()

	s, err := NewSQLiteStore(t.TempDir(), mustDirectory(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	_, err = s.Append(context.Background(), "ghost", Record{SenderID: "u1", Content: "hi"})
	if !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound got=%v", err)
	}
}

func TestSQLiteStore_ReopenContinuesIDs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := mustDirectory(t, "r1")

	first, err := NewSQLiteStore(root, dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	mustAppend(t, first, "r1", "a")
	mustAppend(t, first, "r1", "b")
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := NewSQLiteStore(root, dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore reopen: %v", err)
	}
	defer second.Close()

	if id := mustAppend(t, second, "r1", "c"); id != 3 {
		t.Fatalf("expected id 3 after reopen, got=%d", id)
	}
}

func TestSQLiteStore_FileRecordRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewSQLiteStore(t.TempDir(), mustDirectory(t, "r1"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	reply := mustAppend(t, s, "r1", "see attachment")
	id, err := s.Append(ctx, "r1", Record{
		SenderID:  "u2",
		Kind:      KindFile,
		ReplyToID: &reply,
		File:      &FileMeta{Name: "a.png", Size: 42, Mime: "image/png", Path: "uploads/a.png"},
	})
	if err != nil {
		t.Fatalf("append file: %v", err)
	}

	got, err := s.Get(ctx, "r1", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Kind != KindFile || got.File == nil || got.File.Size != 42 || got.File.Path != "uploads/a.png" {
		t.Fatalf("unexpected file record: %+v", got)
	}
	if got.ReplyToID == nil || *got.ReplyToID != reply {
		t.Fatalf("reply_to_id lost: %+v", got.ReplyToID)
	}
}

func TestKeyFor_UsesUTCDateOfCreation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+9", 9*60*60)
	k := KeyFor(rooms.Room{ID: "r1", CreatedAt: time.Date(2024, 3, 10, 7, 0, 0, 0, loc)})
	if got := k.Path("/data"); got != filepath.Join("/data", "2024", "03", "09", "room_r1.sqlite") {
		t.Fatalf("unexpected path %s", got)
	}
}

// blindDirectory resolves rooms regardless of the caller's context.
type blindDirectory struct {
	*rooms.MemoryDirectory
}

func (d blindDirectory) Lookup(_ context.Context, roomID string) (rooms.Room, error) {
	return d.MemoryDirectory.Lookup(context.Background(), roomID)
}

func TestSQLiteStore_PartitionOpenOutlivesCaller(t *testing.T) {
	t.Parallel()

	s, err := NewSQLiteStore(t.TempDir(), blindDirectory{mustDirectory(t, "r1")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	gone, cancel := context.WithCancel(context.Background())
	cancel()

	p, err := s.partition(gone, "r1", true)
	if err != nil {
		t.Fatalf("partition with canceled caller: %v", err)
	}
	if p == nil {
		t.Fatalf("expected an open partition")
	}
	if id := mustAppend(t, s, "r1", "after"); id != 1 {
		t.Fatalf("expected id 1, got=%d", id)
	}
}
