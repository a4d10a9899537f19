package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// KV adapts a client to the narrow surface services hold, so they stay
// mockable without a running redis.
type KV struct{ C *redis.Client }

func (k KV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := k.C.Exists(ctx, key).Result()
	return n > 0, err
}

func (k KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return k.C.Set(ctx, key, value, ttl).Err()
}

func (k KV) Del(ctx context.Context, key string) error {
	return k.C.Del(ctx, key).Err()
}
