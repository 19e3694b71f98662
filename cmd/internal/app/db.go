package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName = "chatd"
	dbConnectTimeout  = 3 * time.Second
	dbHealthPeriod    = 30 * time.Second
)

// NewDBPool opens the pool behind room lookups and membership checks and verifies
// that a connection can be acquired. It runs no migrations: the rooms and memberships
// tables belong to the service that owns rooms.
func NewDBPool(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}
	if err := PingDB(ctx, pool, dbConnectTimeout); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("db.pool.ready",
		"host", pcfg.ConnConfig.Host,
		"database", pcfg.ConnConfig.Database,
		"schema", cfg.DBSchema,
		"max_conns", pcfg.MaxConns,
		"min_conns", pcfg.MinConns,
	)
	return pool, nil
}

// dbPoolConfig parses CHAT_DATABASE_URL and applies the chat pool limits. An
// application_name given in the URL wins over the default.
func dbPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: parse CHAT_DATABASE_URL: %w", err)
	}

	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbApplicationName
	}
	if pcfg.ConnConfig.ConnectTimeout <= 0 {
		pcfg.ConnConfig.ConnectTimeout = dbConnectTimeout
	}
	pcfg.HealthCheckPeriod = dbHealthPeriod

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	if pcfg.MinConns > pcfg.MaxConns {
		pcfg.MinConns = pcfg.MaxConns
	}
	return pcfg, nil
}

// PingDB reports whether a membership check could get a live connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("db: acquire: %w", err)
	}
	defer conn.Release()

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("db: ping: %w", err)
	}
	return nil
}
