package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript increments the counter and arms its expiry on the first hit
// of a window. A counter left without a TTL is re-armed.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisStore shares windows between instances through Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore builds a store over client. Keys are prefixed with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrementScript.Run(ctx, s.client, []string{s.prefix + key}, ttl.Milliseconds()).Int64()
}
