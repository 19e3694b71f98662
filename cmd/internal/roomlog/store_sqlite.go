package roomlog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jinyphp/chat-sub001/cmd/internal/rooms"
)

const (
	sqliteBusyTimeoutMS  = 5000
	partitionDirPerm     = 0o750
	partitionOpenTimeout = 15 * time.Second
)

// SQLiteStore keeps one SQLite file per room under a date-bucketed directory tree:
//
//	<root>/<YYYY>/<MM>/<DD>/room_<roomID>.sqlite
//
// Each partition has one writer at a time. Readers go through SQLite's WAL and never
// block on the writer lock.
type SQLiteStore struct {
	root string
	dir  rooms.Directory
	log  *slog.Logger
	now  func() time.Time

	mu    sync.Mutex
	parts map[string]*sqlitePartition
	open  singleflight.Group
}

type sqlitePartition struct {
	key  PartitionKey
	path string
	db   *gorm.DB

	writeMu sync.Mutex
	lastID  int64 // last committed id; guarded by writeMu

	presenceMu sync.Mutex
}

// messageRow is the messages table. Times are unix nanoseconds in UTC so that
// range filters compare as integers.
type messageRow struct {
	ID                int64  `gorm:"primaryKey;autoIncrement:false"`
	SenderID          string `gorm:"not null"`
	SenderDisplayName string `gorm:"not null"`
	SenderAvatarURL   string
	Content           string
	Kind              string `gorm:"not null"`
	Notice            string
	ReplyToID         *int64
	FileName          *string
	FileSize          *int64
	FileMime          *string
	FilePath          *string
	IsDeleted         bool  `gorm:"not null;index"`
	CreatedNs         int64 `gorm:"not null"`
}

func (messageRow) TableName() string { return "messages" }

type presenceRow struct {
	UserID      string `gorm:"primaryKey"`
	DisplayName string `gorm:"not null"`
	AvatarURL   string
	Status      string `gorm:"not null;index"`
	LastSeenNs  int64  `gorm:"not null;index"`
	JoinedNs    int64  `gorm:"not null"`
}

func (presenceRow) TableName() string { return "presence" }

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the clock used for records without a CreatedAt.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLiteStore constructs a SQLiteStore rooted at root.
// Rooms are resolved through dir the first time a partition is touched.
func NewSQLiteStore(root string, dir rooms.Directory, opts ...SQLiteOption) (*SQLiteStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("roomlog: empty data dir")
	}
	if dir == nil {
		return nil, errors.New("roomlog: nil room directory")
	}
	if err := os.MkdirAll(root, partitionDirPerm); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %w", ErrUnavailable, err)
	}

	s := &SQLiteStore{
		root:  root,
		dir:   dir,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
		parts: make(map[string]*sqlitePartition),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the data directory.
func (s *SQLiteStore) Root() string { return s.root }

// Close closes every open partition.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	parts := s.parts
	s.parts = make(map[string]*sqlitePartition)
	s.mu.Unlock()

	var errs []error
	for _, p := range parts {
		sqlDB, err := p.db.DB()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.key, err))
		}
	}
	return errors.Join(errs...)
}

func (s *SQLiteStore) cached(roomID string) *sqlitePartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parts[roomID]
}

// partition returns the open partition of roomID.
// With create=false a partition whose file does not exist yet yields (nil, nil).
func (s *SQLiteStore) partition(ctx context.Context, roomID string, create bool) (*sqlitePartition, error) {
	if p := s.cached(roomID); p != nil {
		return p, nil
	}
	if !rooms.ValidID(roomID) {
		return nil, rooms.ErrInvalidRoomID
	}

	room, err := s.dir.Lookup(ctx, roomID)
	if err != nil {
		return nil, err
	}
	key := KeyFor(room)
	path := key.Path(s.root)

	if !create {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: stat %s: %w", ErrUnavailable, key, err)
		}
	}

	v, err, _ := s.open.Do(roomID, func() (any, error) {
		if p := s.cached(roomID); p != nil {
			return p, nil
		}
		// Shared by every waiter, so one caller going away must not fail the rest.
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), partitionOpenTimeout)
		defer cancel()
		p, err := s.openPartition(openCtx, key, path)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.parts[roomID] = p
		s.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sqlitePartition), nil
}

func (s *SQLiteStore) openPartition(ctx context.Context, key PartitionKey, path string) (*sqlitePartition, error) {
	if err := os.MkdirAll(key.Dir(s.root), partitionDirPerm); err != nil {
		return nil, fmt.Errorf("%w: create bucket %s: %w", ErrUnavailable, key, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, sqliteBusyTimeoutMS)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnavailable, key, err)
	}
	db = db.WithContext(ctx)

	if err := db.AutoMigrate(&messageRow{}, &presenceRow{}); err != nil {
		closeGorm(db)
		return nil, fmt.Errorf("%w: migrate %s: %w", ErrUnavailable, key, err)
	}

	var last int64
	if err := db.Model(&messageRow{}).Select("COALESCE(MAX(id), 0)").Scan(&last).Error; err != nil {
		closeGorm(db)
		return nil, fmt.Errorf("%w: load last id %s: %w", ErrUnavailable, key, err)
	}

	s.log.Debug("roomlog.partition.open",
		slog.String("room_id", key.RoomID),
		slog.String("path", path),
		slog.Int64("last_id", last),
	)

	return &sqlitePartition{
		key:    key,
		path:   path,
		db:     db.WithContext(context.Background()),
		lastID: last,
	}, nil
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Append assigns the next id of the room and stores rec.
// The cached id only advances after the insert commits.
func (s *SQLiteStore) Append(ctx context.Context, roomID string, rec Record) (int64, error) {
	rec, err := normalizeRecord(rec, s.now())
	if err != nil {
		return 0, err
	}
	p, err := s.partition(ctx, roomID, true)
	if err != nil {
		return 0, err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	id := p.lastID + 1
	row := toMessageRow(id, rec)
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("%w: insert message: %w", ErrUnavailable, err)
	}
	p.lastID = id
	return id, nil
}

// Get returns a visible record by id.
func (s *SQLiteStore) Get(ctx context.Context, roomID string, id int64) (Record, error) {
	p, err := s.partition(ctx, roomID, false)
	if err != nil {
		return Record{}, err
	}
	if p == nil {
		return Record{}, ErrRecordNotFound
	}

	var row messageRow
	err = p.db.WithContext(ctx).
		Where("id = ? AND is_deleted = ?", id, false).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: get message: %w", ErrUnavailable, err)
	}
	return row.toRecord(), nil
}

// SoftDelete hides a record from reads. The id is never reused.
func (s *SQLiteStore) SoftDelete(ctx context.Context, roomID string, id int64) error {
	p, err := s.partition(ctx, roomID, false)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrRecordNotFound
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	res := p.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Update("is_deleted", true)
	if res.Error != nil {
		return fmt.Errorf("%w: soft delete: %w", ErrUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListRecent returns a window of visible records ordered by id ascending.
func (s *SQLiteStore) ListRecent(ctx context.Context, in ListInput) (ListResult, error) {
	p, err := s.partition(ctx, in.RoomID, false)
	if err != nil {
		return ListResult{}, err
	}
	if p == nil {
		return ListResult{}, nil
	}

	limit := normalizeLimit(in.Limit)
	q := p.db.WithContext(ctx).Where("is_deleted = ?", false).Limit(limit + 1)
	if in.SinceID != nil {
		q = q.Where("id > ?", *in.SinceID).Order("id ASC")
	} else {
		q = q.Order("id DESC")
	}

	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return ListResult{}, fmt.Errorf("%w: list messages: %w", ErrUnavailable, err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	if in.SinceID == nil {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return ListResult{Records: out, HasMore: hasMore}, nil
}

// UpsertPresence marks the user active and refreshes last_seen_at.
// joined_at keeps the value of the first upsert.
func (s *SQLiteStore) UpsertPresence(ctx context.Context, roomID string, in PresenceInput) error {
	if in.UserID == "" {
		return ErrInvalidRecord
	}
	seen := in.SeenAt
	if seen.IsZero() {
		seen = s.now()
	}

	p, err := s.partition(ctx, roomID, true)
	if err != nil {
		return err
	}

	p.presenceMu.Lock()
	defer p.presenceMu.Unlock()

	row := presenceRow{
		UserID:      in.UserID,
		DisplayName: in.DisplayName,
		AvatarURL:   in.AvatarURL,
		Status:      string(StatusActive),
		LastSeenNs:  seen.UTC().UnixNano(),
		JoinedNs:    seen.UTC().UnixNano(),
	}
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "status", "last_seen_ns"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: upsert presence: %w", ErrUnavailable, err)
	}
	return nil
}

// HasUserMessages reports whether the room holds a visible non-system message.
func (s *SQLiteStore) HasUserMessages(ctx context.Context, roomID string) (bool, error) {
	p, err := s.partition(ctx, roomID, false)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, nil
	}

	var n int64
	err = p.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("is_deleted = ? AND kind <> ?", false, string(KindSystem)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("%w: probe user messages: %w", ErrUnavailable, err)
	}
	return n > 0, nil
}

// DemoteStale moves active rows last seen at or before cutoff to away.
func (s *SQLiteStore) DemoteStale(ctx context.Context, roomID string, cutoff time.Time) (int, error) {
	p, err := s.partition(ctx, roomID, false)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, nil
	}

	p.presenceMu.Lock()
	defer p.presenceMu.Unlock()

	res := p.db.WithContext(ctx).
		Model(&presenceRow{}).
		Where("status = ? AND last_seen_ns <= ?", string(StatusActive), cutoff.UTC().UnixNano()).
		Update("status", string(StatusAway))
	if res.Error != nil {
		return 0, fmt.Errorf("%w: demote presence: %w", ErrUnavailable, res.Error)
	}
	return int(res.RowsAffected), nil
}

// ListPresence returns active rows, most recently seen first.
func (s *SQLiteStore) ListPresence(ctx context.Context, roomID string) ([]PresenceRecord, error) {
	p, err := s.partition(ctx, roomID, false)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	var rows []presenceRow
	err = p.db.WithContext(ctx).
		Where("status = ?", string(StatusActive)).
		Order("last_seen_ns DESC").
		Order("user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list presence: %w", ErrUnavailable, err)
	}

	out := make([]PresenceRecord, len(rows))
	for i, r := range rows {
		out[i] = PresenceRecord{
			UserID:      r.UserID,
			DisplayName: r.DisplayName,
			AvatarURL:   r.AvatarURL,
			Status:      PresenceStatus(r.Status),
			LastSeenAt:  time.Unix(0, r.LastSeenNs).UTC(),
			JoinedAt:    time.Unix(0, r.JoinedNs).UTC(),
		}
	}
	return out, nil
}

func toMessageRow(id int64, rec Record) messageRow {
	row := messageRow{
		ID:                id,
		SenderID:          rec.SenderID,
		SenderDisplayName: rec.SenderDisplayName,
		SenderAvatarURL:   rec.SenderAvatarURL,
		Content:           rec.Content,
		Kind:              string(rec.Kind),
		Notice:            rec.Notice,
		ReplyToID:         rec.ReplyToID,
		CreatedNs:         rec.CreatedAt.UTC().UnixNano(),
	}
	if f := rec.File; f != nil {
		row.FileName = &f.Name
		row.FileSize = &f.Size
		row.FileMime = &f.Mime
		row.FilePath = &f.Path
	}
	return row
}

func (r messageRow) toRecord() Record {
	rec := Record{
		ID:                r.ID,
		SenderID:          r.SenderID,
		SenderDisplayName: r.SenderDisplayName,
		SenderAvatarURL:   r.SenderAvatarURL,
		Content:           r.Content,
		Kind:              Kind(r.Kind),
		Notice:            r.Notice,
		ReplyToID:         r.ReplyToID,
		IsDeleted:         r.IsDeleted,
		CreatedAt:         time.Unix(0, r.CreatedNs).UTC(),
	}
	if r.FilePath != nil {
		rec.File = &FileMeta{Path: *r.FilePath}
		if r.FileName != nil {
			rec.File.Name = *r.FileName
		}
		if r.FileSize != nil {
			rec.File.Size = *r.FileSize
		}
		if r.FileMime != nil {
			rec.File.Mime = *r.FileMime
		}
	}
	return rec
}
