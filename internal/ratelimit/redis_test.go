package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStoreSharedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// Two limiters stand in for two instances sharing one Redis.
	a := NewLimiter(NewRedisStore(client, "chat:"), 3, time.Minute, nil)
	b := NewLimiter(NewRedisStore(client, "chat:"), 3, time.Minute, nil)
	ctx := context.Background()

	for _, l := range []*Limiter{a, b, a} {
		ok, err := l.Allow(ctx, "alice", ActionSend)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := b.Allow(ctx, "alice", ActionSend)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.TTL("chat:ratelimit:alice") > 0)

	mr.FastForward(time.Minute)
	ok, err = a.Allow(ctx, "alice", ActionSend)
	require.NoError(t, err)
	assert.True(t, ok)
}
