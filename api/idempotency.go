package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// Deduper makes a command safe to retry under the same idempotency key.
type Deduper interface {
	// Claim reserves key for userID. When the key was already used it
	// reports false together with the stored result, which is nil while the
	// first attempt is still running.
	Claim(ctx context.Context, userID, key string) (bool, []byte, error)
	Complete(ctx context.Context, userID, key string, result []byte) error
	Release(ctx context.Context, userID, key string) error
}

// RedisDeduper stores idempotency keys and their results in Redis so every
// API instance sees the same history.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

func (r *RedisDeduper) Claim(ctx context.Context, userID, key string) (bool, []byte, error) {
	k := r.key(userID, key)
	ok, err := r.client.SetNX(ctx, k, pendingMarker, r.ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if ok {
		return true, nil, nil
	}
	val, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return r.Claim(ctx, userID, key)
	}
	if err != nil {
		return false, nil, err
	}
	if string(val) == pendingMarker {
		return false, nil, nil
	}
	return false, val, nil
}

// Complete stores the result of a claimed key for later replays.
func (r *RedisDeduper) Complete(ctx context.Context, userID, key string, result []byte) error {
	return r.client.Set(ctx, r.key(userID, key), result, r.ttl).Err()
}

// Release forgets a claimed key so a failed command may be retried.
func (r *RedisDeduper) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
