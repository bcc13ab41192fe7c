package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options selects the redis instance shared by locks, dedup and asynq.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// RedisOpt converts o to go-redis options.
func (o Options) RedisOpt() *redis.Options {
	return &redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB}
}

// New connects to redis and pings it.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(opts.RedisOpt())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s: %w", opts.Addr, err)
	}

	return client, nil
}
