// Package lock provides a Redis-backed run lock that keeps two invocations
// from broadcasting the same slot.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"phrasecast/internal/types"
)

const keyPrefix = "lock:"

// releaseScript deletes the key only while holder still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLock implements types.RunLock with SET NX PX and a compare-and-delete
// release.
type RedisLock struct {
	client redis.UniversalClient
}

// New wraps an existing client.
func New(client redis.UniversalClient) *RedisLock {
	return &RedisLock{client: client}
}

// NewFromURL parses a redis:// URL and connects lazily.
func NewFromURL(url string) (*RedisLock, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeLockUnavailable, "invalid REDIS_URL", err)
	}
	return New(redis.NewClient(opts)), nil
}

// Acquire sets lock:<key> to holder for ttl. It returns false without error
// while another holder owns the key.
func (l *RedisLock) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+key, holder, ttl).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeLockUnavailable,
			fmt.Sprintf("failed to acquire lock %s", key), err)
	}
	return ok, nil
}

// Release drops the lock if holder still owns it.
func (l *RedisLock) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{keyPrefix + key}, holder).Err(); err != nil {
		return types.NewAppError(types.ErrCodeLockUnavailable,
			fmt.Sprintf("failed to release lock %s", key), err)
	}
	return nil
}

// Close closes the underlying client.
func (l *RedisLock) Close() error {
	return l.client.Close()
}

var _ types.RunLock = (*RedisLock)(nil)
