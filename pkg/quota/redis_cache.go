package quota

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend adapts a go-redis client to the CacheBackend interface.
type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps a connected go-redis client as a CacheBackend.
// Returns nil for a nil client, so callers can pass an optional client
// straight through and get the cache-disabled behavior.
func NewRedisBackend(client *redis.Client) CacheBackend {
	if client == nil {
		return nil
	}
	return &redisBackend{client: client}
}

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return raw, nil
}

func (b *redisBackend) Set(ctx context.Context, key string, value []byte, expireAt time.Time) error {
	args := redis.SetArgs{}
	if !expireAt.IsZero() {
		args.ExpireAt = expireAt
	}
	return b.client.SetArgs(ctx, key, value, args).Err()
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}
