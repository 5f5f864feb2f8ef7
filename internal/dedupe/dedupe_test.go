package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(rdb, ttl)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestSeen(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	seen, err := cache.Seen(ctx, "wamid.ABC")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = cache.Seen(ctx, "wamid.ABC")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = cache.Seen(ctx, "wamid.XYZ")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSeenExpiry(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	seen, err := cache.Seen(ctx, "wamid.ABC")
	require.NoError(t, err)
	assert.False(t, seen)

	mr.FastForward(2 * time.Minute)

	seen, err = cache.Seen(ctx, "wamid.ABC")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestDisabled(t *testing.T) {
	var cache Cache = Disabled{}

	seen, err := cache.Seen(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = cache.Seen(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, seen)

	assert.NoError(t, cache.Close())
}
