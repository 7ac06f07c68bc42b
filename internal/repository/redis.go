package repository

import (
	"context"
	"errors"
	"time"

	"apigate/client"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps session keys in redis with native expiry.
type RedisBackend struct {
	rdb redis.UniversalClient
}

func NewRedisBackend(rdb redis.UniversalClient) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, client.ErrNotFound
	}
	return val, err
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.rdb.Del(ctx, keys...).Err()
}

func (b *RedisBackend) Health(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
