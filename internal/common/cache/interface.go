package cache

import (
	"context"
	"time"
)

// Cache defines the cache operations the gateway depends on.
// Implementations must be safe for concurrent use.
type Cache interface {
	BasicOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key, "" when missing
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist (atomic operation)
	// Returns true if the key was set, false if it already existed
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Expire sets a timeout on a key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live of a key
	// Returns a negative duration if the key has no expiration or does not exist
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr increments the integer value of a key by 1
	Incr(ctx context.Context, key string) (int64, error)
}

// LockOps defines distributed lock operations.
// A lock is owned by the token that acquired it; Unlock with a different token is a no-op.
type LockOps interface {
	// TryLock attempts to acquire the lock, returns false if it is held
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Unlock releases the lock if it is still held by token
	Unlock(ctx context.Context, key, token string) error
}
