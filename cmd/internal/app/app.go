// Package app wires the chat server runtime: config, logging, storage, the event bus,
// the optional Redis relay and the HTTP routes.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jinyphp/chat-sub001/cmd/internal/api"
	"github.com/jinyphp/chat-sub001/cmd/internal/auth"
	"github.com/jinyphp/chat-sub001/cmd/internal/chat"
	"github.com/jinyphp/chat-sub001/cmd/internal/metrics"
	"github.com/jinyphp/chat-sub001/cmd/internal/presence"
	"github.com/jinyphp/chat-sub001/cmd/internal/realtime"
	"github.com/jinyphp/chat-sub001/cmd/internal/relay"
	"github.com/jinyphp/chat-sub001/cmd/internal/roomlog"
	"github.com/jinyphp/chat-sub001/cmd/internal/rooms"
)

// App is the chat server runtime: it owns the HTTP server and every long-lived resource.
type App struct {
	cfg Config
	log Logger

	metrics *metrics.Metrics
	store   roomlog.Store
	bus     *realtime.Bus
	gateway *chat.Gateway
	api     *api.Handler

	dbPool    *pgxpool.Pool
	dbEnabled bool

	rdb   *redis.Client
	relay *relay.Redis

	// Set only without a database.
	devDir     *rooms.MemoryDirectory
	devMembers *rooms.MemoryMembership
}

// devRoomCreatedAt is fixed so dev room partitions survive restarts.
var devRoomCreatedAt = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	resolver, err := auth.NewPasetoResolver(cfg.PasetoPublicKeyHex, cfg.AuthIssuer)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, log, resolver)
}

// newApp wires everything behind the identity resolver.
func newApp(ctx context.Context, cfg Config, log Logger, resolver auth.Resolver) (*App, error) {
	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	built := false
	defer func() {
		if !built {
			a.closeResources()
		}
	}()

	dir, members, err := a.newRooms(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.newStore(dir); err != nil {
		return nil, err
	}

	tracker, err := presence.NewTracker(a.store, presence.WithAwayAfter(cfg.PresenceAwayAfter))
	if err != nil {
		return nil, err
	}

	a.bus = realtime.NewBus(log, realtime.WithBuffer(cfg.StreamBuffer), realtime.WithMetrics(a.metrics))

	var pub realtime.Publisher = a.bus
	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.relay, err = relay.NewRedis(a.rdb, a.bus,
			relay.WithChannelPrefix(cfg.RedisChannelPrefix),
			relay.WithNodeID(cfg.NodeID),
			relay.WithLogger(log),
			relay.WithMetrics(a.metrics),
		)
		if err != nil {
			return nil, err
		}
		pub = a.relay
		log.Info("relay.enabled", "addr", cfg.RedisAddr, "node_id", a.relay.NodeID())
	}

	a.gateway, err = chat.NewGateway(chat.Deps{
		Store:      a.store,
		Directory:  dir,
		Membership: members,
		Tracker:    tracker,
		Bus:        a.bus,
		Publisher:  pub,
		Log:        log,
		Metrics:    a.metrics,
	}, chat.Config{
		MaxMessageChars: cfg.MaxMessageChars,
		Stream: realtime.SessionConfig{
			HeartbeatInterval: cfg.StreamHeartbeat,
			MaxLifetime:       cfg.StreamMaxLifetime,
			ReconnectAfter:    cfg.StreamReconnect,
		},
	})
	if err != nil {
		return nil, err
	}

	a.api, err = api.NewHandler(log, a.gateway, resolver, api.Config{
		MaxBodyBytes:       cfg.MaxBodyBytes,
		SendRateEvents:     cfg.SendRateEvents,
		SendRateWindow:     cfg.SendRateWindow,
		StreamWriteTimeout: cfg.StreamWriteTimeout,
		SSERetry:           cfg.StreamReconnect,
		WS: realtime.WSConfig{
			OriginRequired: cfg.WSOriginRequired,
			AllowedOrigins: cfg.WSAllowedOrigins,
			DevInsecure:    cfg.WSDevInsecureOrigin,
		},
	})
	if err != nil {
		return nil, err
	}

	a.seedDevRooms(ctx)
	built = true
	return a, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.relay, a.metrics, a.api)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server (and the relay, when enabled) and blocks until ctx is
// canceled or a component fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		// No WriteTimeout: streams are long-lived and set per-write deadlines.
		IdleTimeout:    nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes: nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	baseURL := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", baseURL,
		"ws_url", wsBaseURL(baseURL)+"/v1/rooms/{room}/ws",
		"db_enabled", a.dbEnabled,
		"data_dir", a.cfg.DataDir,
		"relay_enabled", a.relay != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.relay != nil {
		g.Go(func() error {
			if err := a.relay.Run(gctx); err != nil {
				a.log.Error("relay.fail", "err", err)
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		// Ending every stream first lets Shutdown drain long-lived handlers.
		a.bus.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.closeResources()
	a.log.Info("server.stopped")
	return err
}

// closeResources releases storage and client connections. Safe on a partially built App.
func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// newRooms decides between the Postgres room directory and the in-memory one.
func (a *App) newRooms(ctx context.Context) (rooms.Directory, rooms.Membership, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_rooms", "dev_rooms", len(a.cfg.DevRooms))
		a.devDir = rooms.NewMemoryDirectory()
		a.devMembers = rooms.NewMemoryMembership()
		return a.devDir, a.devMembers, nil
	}

	pool, err := NewDBPool(ctx, a.cfg, a.log)
	if err != nil {
		return nil, nil, err
	}
	a.dbPool = pool
	a.dbEnabled = true

	dir, err := rooms.NewPostgresDirectory(pool, rooms.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}
	members, err := rooms.NewPostgresMembership(pool, rooms.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}

	a.log.Info("db.enabled.postgres_rooms", "schema", a.cfg.DBSchema)
	return dir, members, nil
}

// newStore decides between SQLite partitions under DataDir and the in-memory room log.
func (a *App) newStore(dir rooms.Directory) error {
	if a.cfg.DataDir == "" {
		a.log.Info("roomlog.inmemory")
		a.store = roomlog.NewInMemoryStore()
		return nil
	}

	st, err := roomlog.NewSQLiteStore(a.cfg.DataDir, dir, roomlog.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.log.Info("roomlog.sqlite", "root", st.Root())
	a.store = st
	return nil
}

// seedDevRooms creates the configured in-memory rooms and posts their
// room_created notice once.
func (a *App) seedDevRooms(ctx context.Context) {
	if len(a.cfg.DevRooms) == 0 || a.devDir == nil {
		return
	}

	for _, id := range a.cfg.DevRooms {
		if err := a.devDir.Put(rooms.Room{ID: id, CreatedAt: devRoomCreatedAt, IsActive: true}); err != nil {
			a.log.Warn("dev.room.skip", "room_id", id, "err", err)
			continue
		}
		for _, uid := range a.cfg.DevMembers {
			a.devMembers.Grant(id, uid, rooms.Access{Participant: true, CanSend: true})
		}

		existing, err := a.store.ListRecent(ctx, roomlog.ListInput{RoomID: id, Limit: 1})
		if err != nil {
			a.log.Warn("dev.room.list.fail", "room_id", id, "err", err)
			continue
		}
		if len(existing.Records) > 0 {
			continue
		}
		if _, err := a.gateway.PostNotice(ctx, id, roomlog.NoticeRoomCreated, "Room created"); err != nil {
			a.log.Warn("dev.room.notice.fail", "room_id", id, "err", err)
		}
	}
	a.log.Info("dev.rooms.seeded", "rooms", strings.Join(a.cfg.DevRooms, ","), "members", len(a.cfg.DevMembers))
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
