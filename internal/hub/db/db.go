// Package db opens the hub's Postgres pool and runs schema
// migrations at startup.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool limits. The hub's DB traffic is light (registration, last-seen
// touches, reaper sweeps); a small bounded pool is enough and keeps a
// misbehaving fleet from exhausting Postgres connections.
const (
	maxConns        = 4
	connectTimeout  = 4 * time.Second
	maxConnIdle     = 2 * time.Minute
	maxConnLifetime = 30 * time.Minute
)

// Open creates a lazily-connecting Postgres pool for the given URL.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MinConns = 0
	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = maxConnIdle
	cfg.MaxConnLifetime = maxConnLifetime
	cfg.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	slog.Info("database pool established",
		"max_conns", maxConns,
		"private_network", strings.Contains(databaseURL, "railway.internal"),
	)
	return pool, nil
}
