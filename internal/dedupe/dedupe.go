// Package dedupe suppresses redelivered webhook events.
package dedupe

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache records provider event ids for a TTL. Seen returns true when the
// event was already recorded within the window.
type Cache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Close() error
}

// RedisCache backs the cache with Redis SET NX.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Seen(ctx context.Context, eventID string) (bool, error) {
	stored, err := c.rdb.SetNX(ctx, "event:"+eventID, 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	return !stored, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// Disabled accepts every event. Used when no dedupe backend is configured.
type Disabled struct{}

func (Disabled) Seen(context.Context, string) (bool, error) { return false, nil }
func (Disabled) Close() error                               { return nil }
