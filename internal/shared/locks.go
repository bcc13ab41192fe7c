package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CycleLockKey guards a single scheduler cycle across processes.
const CycleLockKey = "payments:cycle:lock"

// WebhookEventKey builds redis keys for processed webhook events.
func WebhookEventKey(eventID string) string {
	return fmt.Sprintf("payments:webhook:event:%s", eventID)
}

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("shared: lock held")

// Locker acquires short-lived keys.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// RedisLocker implements Locker with SET NX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker constructs a locker. A nil client yields a locker that always
// acquires.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire sets key when absent. The returned release deletes the key only
// while it still carries this holder's token.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return func(context.Context) error { return nil }, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		current, err := l.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("shared: release %s: %w", key, err)
		}
		if current != token {
			return nil
		}
		return l.client.Del(ctx, key).Err()
	}, nil
}
