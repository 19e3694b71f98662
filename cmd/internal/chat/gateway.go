// Package chat is the façade every transport calls: it checks membership, validates
// input, persists through the room log and publishes on the bus.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/jinyphp/chat-sub001/cmd/internal/auth"
	"github.com/jinyphp/chat-sub001/cmd/internal/metrics"
	"github.com/jinyphp/chat-sub001/cmd/internal/presence"
	"github.com/jinyphp/chat-sub001/cmd/internal/realtime"
	"github.com/jinyphp/chat-sub001/cmd/internal/roomlog"
	"github.com/jinyphp/chat-sub001/cmd/internal/rooms"
)

// DefaultMaxMessageChars is the longest accepted text message, in runes.
const DefaultMaxMessageChars = 4000

const systemDisplayName = "System"

// Config holds gateway limits and the stream timing handed to every session.
type Config struct {
	MaxMessageChars int
	Stream          realtime.SessionConfig
}

// Deps are the collaborators of a Gateway. Publisher defaults to Bus.
type Deps struct {
	Store      roomlog.Store
	Directory  rooms.Directory
	Membership rooms.Membership
	Tracker    *presence.Tracker
	Bus        *realtime.Bus
	Publisher  realtime.Publisher
	Log        *slog.Logger
	Metrics    *metrics.Metrics
}

// Gateway implements the chat operations.
type Gateway struct {
	store   roomlog.Store
	dir     rooms.Directory
	members rooms.Membership
	tracker *presence.Tracker
	bus     *realtime.Bus
	pub     realtime.Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// NewGateway validates deps and builds a Gateway.
func NewGateway(d Deps, cfg Config) (*Gateway, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("chat: nil store")
	case d.Directory == nil:
		return nil, errors.New("chat: nil room directory")
	case d.Membership == nil:
		return nil, errors.New("chat: nil membership")
	case d.Tracker == nil:
		return nil, errors.New("chat: nil presence tracker")
	case d.Bus == nil:
		return nil, errors.New("chat: nil bus")
	}
	if d.Publisher == nil {
		d.Publisher = d.Bus
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = DefaultMaxMessageChars
	}

	return &Gateway{
		store:   d.Store,
		dir:     d.Directory,
		members: d.Membership,
		tracker: d.Tracker,
		bus:     d.Bus,
		pub:     d.Publisher,
		log:     d.Log,
		metrics: d.Metrics,
		cfg:     cfg,
	}, nil
}

// authorize resolves the room and the caller's access to it.
func (g *Gateway) authorize(ctx context.Context, roomID string, who auth.Identity, needSend bool) error {
	if strings.TrimSpace(who.ID) == "" {
		return ErrUnauthorized
	}
	if !rooms.ValidID(roomID) {
		return ErrNotFound
	}

	room, err := g.dir.Lookup(ctx, roomID)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			return ErrNotFound
		}
		g.log.Error("room.lookup.fail", "room_id", roomID, "err", err)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !room.IsActive {
		return ErrForbidden
	}

	access, err := g.members.Check(ctx, roomID, who.ID)
	if err != nil {
		g.log.Error("membership.check.fail", "room_id", roomID, "user_id", who.ID, "err", err)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !access.Participant {
		return ErrForbidden
	}
	if needSend && !access.CanSend {
		return ErrForbidden
	}
	return nil
}

// storeErr translates a room log error. op labels the metric.
func (g *Gateway) storeErr(op, roomID string, err error) error {
	switch {
	case errors.Is(err, roomlog.ErrEmptyContent):
		return invalid("content", "empty")
	case errors.Is(err, roomlog.ErrInvalidRecord):
		return invalid("message", "invalid")
	case errors.Is(err, roomlog.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, rooms.ErrRoomNotFound), errors.Is(err, rooms.ErrInvalidRoomID):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	g.metrics.StoreError(op)
	g.log.Error("message."+op+".fail", "room_id", roomID, "err", err)
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// ---- messages ----

// SendInput is a message submitted by a participant.
type SendInput struct {
	RoomID    string
	Sender    auth.Identity
	Content   string
	Kind      roomlog.Kind
	ReplyToID *int64
	File      *roomlog.FileMeta
}

// SendMessage persists a message and publishes it to the room's viewers.
// Nothing is published unless the append succeeded.
func (g *Gateway) SendMessage(ctx context.Context, in SendInput) (roomlog.Record, error) {
	if err := g.authorize(ctx, in.RoomID, in.Sender, true); err != nil {
		return roomlog.Record{}, err
	}

	rec, err := g.validate(ctx, in)
	if err != nil {
		return roomlog.Record{}, err
	}

	id, err := g.store.Append(ctx, in.RoomID, rec)
	if err != nil {
		return roomlog.Record{}, g.storeErr("append", in.RoomID, err)
	}
	rec.ID = id

	g.metrics.MessageAppended()
	g.pub.Publish(in.RoomID, realtime.MessageAppended(in.RoomID, rec))

	g.log.Debug("message.append", "room_id", in.RoomID, "message_id", id, "user_id", in.Sender.ID, "kind", string(rec.Kind))
	return rec, nil
}

func (g *Gateway) validate(ctx context.Context, in SendInput) (roomlog.Record, error) {
	kind := in.Kind
	if kind == "" {
		kind = roomlog.KindText
	}

	rec := roomlog.Record{
		SenderID:          in.Sender.ID,
		SenderDisplayName: in.Sender.DisplayName,
		SenderAvatarURL:   in.Sender.AvatarURL,
		Content:           in.Content,
		Kind:              kind,
		ReplyToID:         in.ReplyToID,
	}
	if rec.SenderDisplayName == "" {
		rec.SenderDisplayName = in.Sender.ID
	}

	switch kind {
	case roomlog.KindText:
		if strings.TrimSpace(in.Content) == "" {
			return roomlog.Record{}, invalid("content", "empty")
		}
	case roomlog.KindFile:
		if in.File == nil || strings.TrimSpace(in.File.Path) == "" || strings.TrimSpace(in.File.Name) == "" {
			return roomlog.Record{}, invalid("file", "required")
		}
		if in.File.Size < 0 {
			return roomlog.Record{}, invalid("file.size", "negative")
		}
		f := *in.File
		rec.File = &f
	default:
		return roomlog.Record{}, invalid("kind", "unsupported")
	}

	if utf8.RuneCountInString(in.Content) > g.cfg.MaxMessageChars {
		return roomlog.Record{}, invalid("content", "too_long")
	}

	if in.ReplyToID != nil {
		if *in.ReplyToID <= 0 {
			return roomlog.Record{}, invalid("reply_to_id", "not_found")
		}
		if _, err := g.store.Get(ctx, in.RoomID, *in.ReplyToID); err != nil {
			if errors.Is(err, roomlog.ErrRecordNotFound) {
				return roomlog.Record{}, invalid("reply_to_id", "not_found")
			}
			return roomlog.Record{}, g.storeErr("get", in.RoomID, err)
		}
	}
	return rec, nil
}

// Message is a record as seen by one viewer.
type Message struct {
	roomlog.Record
	Mine bool `json:"mine"`
}

// ListInput is a ListMessages query.
type ListInput struct {
	RoomID  string
	Viewer  auth.Identity
	Limit   int
	SinceID *int64
}

// ListResult is a page of messages ordered by id ascending.
type ListResult struct {
	Messages []Message
	HasMore  bool
}

// ListMessages returns a page of the room log for a participant.
//
// The room_created notice is hidden once the room holds at least one user message,
// whatever page is requested.
func (g *Gateway) ListMessages(ctx context.Context, in ListInput) (ListResult, error) {
	if err := g.authorize(ctx, in.RoomID, in.Viewer, false); err != nil {
		return ListResult{}, err
	}

	res, err := g.store.ListRecent(ctx, roomlog.ListInput{
		RoomID:  in.RoomID,
		Limit:   in.Limit,
		SinceID: in.SinceID,
	})
	if err != nil {
		return ListResult{}, g.storeErr("list", in.RoomID, err)
	}

	hideCreated := false
	for _, r := range res.Records {
		if isRoomCreated(r) {
			hideCreated, err = g.store.HasUserMessages(ctx, in.RoomID)
			if err != nil {
				return ListResult{}, g.storeErr("list", in.RoomID, err)
			}
			break
		}
	}

	out := make([]Message, 0, len(res.Records))
	for _, r := range res.Records {
		if hideCreated && isRoomCreated(r) {
			continue
		}
		out = append(out, Message{Record: r, Mine: r.SenderID == in.Viewer.ID})
	}
	return ListResult{Messages: out, HasMore: res.HasMore}, nil
}

func isRoomCreated(r roomlog.Record) bool {
	return r.Kind == roomlog.KindSystem && r.Notice == roomlog.NoticeRoomCreated
}

// DeleteMessage soft-deletes one of the caller's own messages.
func (g *Gateway) DeleteMessage(ctx context.Context, roomID string, who auth.Identity, id int64) error {
	if err := g.authorize(ctx, roomID, who, false); err != nil {
		return err
	}

	rec, err := g.store.Get(ctx, roomID, id)
	if err != nil {
		return g.storeErr("get", roomID, err)
	}
	if rec.SenderID != who.ID {
		return ErrForbidden
	}
	if err := g.store.SoftDelete(ctx, roomID, id); err != nil {
		return g.storeErr("delete", roomID, err)
	}

	g.log.Info("message.delete", "room_id", roomID, "message_id", id, "user_id", who.ID)
	return nil
}

// PostNotice appends a system message, e.g. roomlog.NoticeRoomCreated, on behalf of
// the room's owner service. It performs no membership check.
func (g *Gateway) PostNotice(ctx context.Context, roomID, notice, content string) (roomlog.Record, error) {
	if !rooms.ValidID(roomID) {
		return roomlog.Record{}, ErrNotFound
	}
	if strings.TrimSpace(notice) == "" {
		return roomlog.Record{}, invalid("notice", "empty")
	}

	rec := roomlog.Record{
		SenderID:          roomlog.SystemSenderID,
		SenderDisplayName: systemDisplayName,
		Content:           content,
		Kind:              roomlog.KindSystem,
		Notice:            notice,
	}
	id, err := g.store.Append(ctx, roomID, rec)
	if err != nil {
		return roomlog.Record{}, g.storeErr("append", roomID, err)
	}
	rec.ID = id

	g.metrics.MessageAppended()
	g.pub.Publish(roomID, realtime.MessageAppended(roomID, rec))
	return rec, nil
}

// ---- typing & presence ----

// SetTyping publishes a typing indicator. Nothing is persisted.
func (g *Gateway) SetTyping(ctx context.Context, roomID string, who auth.Identity, isTyping bool) error {
	if err := g.authorize(ctx, roomID, who, false); err != nil {
		return err
	}
	g.pub.Publish(roomID, realtime.TypingChanged(roomID, who.ID, who.DisplayName, isTyping))
	return nil
}

// Heartbeat refreshes the caller's presence and returns the room's active set.
// A change of the active set is published to viewers. Presence failures are logged
// and read as an empty, unchanged set.
func (g *Gateway) Heartbeat(ctx context.Context, roomID string, who auth.Identity) (presence.Result, error) {
	if err := g.authorize(ctx, roomID, who, false); err != nil {
		return presence.Result{}, err
	}

	res, err := g.tracker.Heartbeat(ctx, roomID, participant(who))
	if err != nil {
		g.metrics.StoreError("presence")
		g.log.Warn("presence.heartbeat.fail", "room_id", roomID, "user_id", who.ID, "err", err)
		return presence.Result{}, nil
	}
	if res.Changed {
		g.pub.Publish(roomID, realtime.PresenceChanged(roomID, res.Snapshot))
	}
	return res, nil
}

// Presence returns the active participants of the room. Presence failures are
// logged and read as an empty set.
func (g *Gateway) Presence(ctx context.Context, roomID string, who auth.Identity) ([]roomlog.PresenceRecord, error) {
	if err := g.authorize(ctx, roomID, who, false); err != nil {
		return nil, err
	}
	snap, err := g.tracker.Snapshot(ctx, roomID)
	if err != nil {
		g.metrics.StoreError("presence")
		g.log.Warn("presence.snapshot.fail", "room_id", roomID, "user_id", who.ID, "err", err)
		return []roomlog.PresenceRecord{}, nil
	}
	return snap, nil
}

// ---- streams ----

// OpenStream subscribes the caller to the room and returns a session ready to Run.
// No subscription exists unless the caller is a participant.
func (g *Gateway) OpenStream(ctx context.Context, roomID string, who auth.Identity, sink realtime.Sink) (*realtime.Session, error) {
	if sink == nil {
		return nil, ErrStreamClosed
	}
	if err := g.authorize(ctx, roomID, who, false); err != nil {
		return nil, err
	}

	sub := g.bus.Subscribe(roomID)
	p := participant(who)

	sess := realtime.NewSession(realtime.SessionParams{
		Bus:          g.bus,
		Subscription: sub,
		Sink:         sink,
		UserID:       who.ID,
		Config:       g.cfg.Stream,
		Log:          g.log,
		Metrics:      g.metrics,
		OnClose: func(ctx context.Context) {
			if err := g.tracker.Touch(ctx, roomID, p); err != nil {
				g.log.Warn("presence.touch.fail", "room_id", roomID, "user_id", who.ID, "err", err)
			}
		},
	})

	// Presence is best effort; a failure never blocks the stream.
	if res, err := g.tracker.Heartbeat(ctx, roomID, p); err != nil {
		g.log.Warn("presence.heartbeat.fail", "room_id", roomID, "user_id", who.ID, "err", err)
	} else if res.Changed {
		g.pub.Publish(roomID, realtime.PresenceChanged(roomID, res.Snapshot))
	}

	return sess, nil
}

func participant(who auth.Identity) presence.Participant {
	name := who.DisplayName
	if name == "" {
		name = who.ID
	}
	return presence.Participant{UserID: who.ID, DisplayName: name, AvatarURL: who.AvatarURL}
}
