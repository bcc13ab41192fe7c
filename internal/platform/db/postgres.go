package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes the connection pool. Zero values keep pgx defaults.
type PoolOptions struct {
	MaxConns        int32
	MaxConnIdleTime time.Duration
	ApplicationName string
}

// New opens a pgx pool and verifies it with a ping.
func New(ctx context.Context, dsn string, opts ...PoolOptions) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	for _, o := range opts {
		if o.MaxConns > 0 {
			config.MaxConns = o.MaxConns
		}
		if o.MaxConnIdleTime > 0 {
			config.MaxConnIdleTime = o.MaxConnIdleTime
		}
		if o.ApplicationName != "" {
			config.ConnConfig.RuntimeParams["application_name"] = o.ApplicationName
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}

	return pool, nil
}
