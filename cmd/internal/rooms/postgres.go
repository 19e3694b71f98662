package rooms

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads rooms from <schema>.rooms.
//
// Ownership model: the pool belongs to the caller.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresMembership checks membership via <schema>.room_members joined with <schema>.rooms.
type PostgresMembership struct {
	pool   *pgxpool.Pool
	schema string
}

// Option configures the Postgres-backed room stores.
type Option func(*pgOptions) error

type pgOptions struct {
	schema string
}

// WithSchema sets the DB schema used by the stores (default: "chat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) Option {
	return func(o *pgOptions) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("rooms: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("rooms: invalid schema identifier")
		}
		o.schema = schema
		return nil
	}
}

func applyOptions(opts []Option) (pgOptions, error) {
	o := pgOptions{schema: "chat"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return pgOptions{}, err
		}
	}
	return o, nil
}

// NewPostgresDirectory constructs a Directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...Option) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("rooms: nil pool")
	}
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresDirectory{pool: pool, schema: o.schema}, nil
}

// NewPostgresMembership constructs a Membership backed by PostgreSQL.
func NewPostgresMembership(pool *pgxpool.Pool, opts ...Option) (*PostgresMembership, error) {
	if pool == nil {
		return nil, errors.New("rooms: nil pool")
	}
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresMembership{pool: pool, schema: o.schema}, nil
}

// Lookup loads a room by id.
func (d *PostgresDirectory) Lookup(ctx context.Context, roomID string) (Room, error) {
	if d == nil || d.pool == nil {
		return Room{}, errors.New("rooms: nil directory")
	}
	roomID = strings.TrimSpace(roomID)
	if !ValidID(roomID) {
		return Room{}, ErrRoomNotFound
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	var r Room
	err := d.pool.QueryRow(ctx,
		`SELECT id, created_at, is_active FROM `+pgIdent(d.schema, "rooms")+` WHERE id = $1`,
		roomID,
	).Scan(&r.ID, &r.CreatedAt, &r.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

// Check reports whether userID is an active member of an active room and whether it may send.
func (m *PostgresMembership) Check(ctx context.Context, roomID, userID string) (Access, error) {
	if m == nil || m.pool == nil {
		return Access{}, errors.New("rooms: nil membership store")
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return Access{}, nil
	}
	if err := ctx.Err(); err != nil {
		return Access{}, err
	}

	members := pgIdent(m.schema, "room_members")
	rooms := pgIdent(m.schema, "rooms")

	var active, canSend bool
	err := m.pool.QueryRow(ctx,
		`SELECT (m.is_active AND r.is_active), m.can_send
		   FROM `+members+` m
		   JOIN `+rooms+` r ON r.id = m.room_id
		  WHERE m.room_id = $1 AND m.user_id = $2`,
		roomID, userID,
	).Scan(&active, &canSend)
	if errors.Is(err, pgx.ErrNoRows) {
		return Access{}, nil
	}
	if err != nil {
		return Access{}, err
	}

	return Access{Participant: active, CanSend: active && canSend}, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
