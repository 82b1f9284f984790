package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/lot-ledger/internal/port"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	lockKeyPrefix        = "lock:"
)

// releaseIdempotencyScript deletes the key only if it still holds the token
// written by this adapter's SetIdempotency.
var releaseIdempotencyScript = redis.NewScript(`
local key = KEYS[1]

local current = redis.call('GET', key)
if current == ARGV[1] then
	redis.call('DEL', key)
	return 1
end

return 0
`)

type RedisAdapter struct {
	client *redis.Client
	locker *redislock.Client

	lockTTL   time.Duration
	lockRetry time.Duration

	// claims maps an idempotency key to the token this process wrote for it
	claims sync.Map
}

func NewRedisAdapter(client *redis.Client, lockTTL time.Duration) *RedisAdapter {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &RedisAdapter{
		client:    client,
		locker:    redislock.New(client),
		lockTTL:   lockTTL,
		lockRetry: 50 * time.Millisecond,
	}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, token, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}
	if ok {
		r.claims.Store(key, token)
	}

	return ok, nil
}

// ReleaseIdempotency drops a claim taken by this adapter. Keys claimed
// elsewhere, or re-claimed after expiry, are left alone.
func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	token, ok := r.claims.LoadAndDelete(key)
	if !ok {
		return nil
	}
	return releaseIdempotencyScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key}, token).Err()
}

// Lock takes a distributed lock on key, retrying until ctx is done or the
// lock TTL has elapsed.
func (r *RedisAdapter) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	lock, err := r.locker.Obtain(ctx, lockKeyPrefix+key, r.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(
			redislock.LinearBackoff(r.lockRetry),
			int(r.lockTTL/r.lockRetry),
		),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", port.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// expired under us; nothing left to release
			return nil
		}
		return err
	}, nil
}
