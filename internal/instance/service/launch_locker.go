package service

import (
	"context"
	"errors"
	"time"

	"ctfgate/internal/common/cache"
	"ctfgate/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const launchLockPrefix = "instance:launch:"

var errLockTimeout = errors.New("timed out waiting for launch lock")

// LaunchLocker serializes launches for one key across gateway replicas.
type LaunchLocker interface {
	// Lock blocks until the key is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, key string) (func(), error)
}

type noopLocker struct{}

// NewNoopLocker returns a locker for single-replica deployments.
func NewNoopLocker() LaunchLocker {
	return noopLocker{}
}

func (noopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

// RedisLaunchLocker holds a token-owned Redis lock per key.
type RedisLaunchLocker struct {
	cache cache.LockOps
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

func NewRedisLaunchLocker(lockOps cache.LockOps, ttl, wait time.Duration) *RedisLaunchLocker {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	if wait <= 0 {
		wait = ttl
	}
	return &RedisLaunchLocker{cache: lockOps, ttl: ttl, wait: wait, retry: 100 * time.Millisecond}
}

// Lock degrades to no lock when Redis fails; the registry's insert-if-absent
// still admits a single record per key.
func (l *RedisLaunchLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := launchLockPrefix + key
	token := uuid.NewString()
	deadline := time.NewTimer(l.wait)
	defer deadline.Stop()

	for {
		ok, err := l.cache.TryLock(ctx, lockKey, token, l.ttl)
		if err != nil {
			logger.Warn(ctx, "launch lock unavailable, continuing without it",
				zap.String("lock_key", lockKey), zap.Error(err))
			return func() {}, nil
		}
		if ok {
			return func() { l.release(lockKey, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errLockTimeout
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisLaunchLocker) release(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.cache.Unlock(ctx, lockKey, token); err != nil {
		logger.Warn(ctx, "failed to release launch lock", zap.String("lock_key", lockKey), zap.Error(err))
	}
}
