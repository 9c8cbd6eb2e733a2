package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:"

// RedisTracker implements Tracker on Redis. This is the authoritative
// implementation when multiple server processes share one deployment.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis builds a tracker over an existing Redis client.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) SetOnline(ctx context.Context, userID, token string) error {
	if err := t.client.Set(ctx, keyPrefix+userID, token, t.ttl).Err(); err != nil {
		return fmt.Errorf("presence set: %w", err)
	}
	return nil
}

func (t *RedisTracker) Refresh(ctx context.Context, userID string) error {
	if err := t.client.Expire(ctx, keyPrefix+userID, t.ttl).Err(); err != nil {
		return fmt.Errorf("presence refresh: %w", err)
	}
	return nil
}

func (t *RedisTracker) SetOffline(ctx context.Context, userID string) error {
	if err := t.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("presence delete: %w", err)
	}
	return nil
}

func (t *RedisTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.Exists(ctx, keyPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence exists: %w", err)
	}
	return n > 0, nil
}
