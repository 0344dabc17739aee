package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisCounterStore backs quota counters with Redis so concurrent sessions
// across processes share one budget per user.
type RedisCounterStore struct {
	rdb *redis.Client
}

// NewRedisCounterStore wraps an existing client.
func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

// Incr increments the counter and sets its TTL only when the key has none
// yet, in one pipeline round trip.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, eris.Wrapf(err, "ratelimit: incr %s", key)
	}
	return incr.Val(), nil
}

// Get returns the counter value, zero when the key is absent or expired.
func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Get(ctx, key).Int64()
	if err != nil {
		if eris.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, eris.Wrapf(err, "ratelimit: get %s", key)
	}
	return v, nil
}

// Del removes the given counter keys.
func (s *RedisCounterStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return eris.Wrap(err, "ratelimit: del counters")
	}
	return nil
}

// Ping verifies the connection, for startup checks.
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return eris.Wrap(err, "ratelimit: ping redis")
	}
	return nil
}
