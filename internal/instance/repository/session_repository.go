package repository

import (
	"context"
	"errors"
	"time"

	"ctfgate/internal/common/cache"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	sessionActiveKeyPrefix = "session:active:"
	defaultSessionLocalTTL = 5 * time.Second
	defaultSessionLocalMax = 4096
)

// SessionRepository checks the portal's single active session per principal.
// The portal writes the current session id to session:active:{principal} on login.
type SessionRepository struct {
	local        *expirable.LRU[string, string]
	redis        cache.BasicOps
	redisTimeout time.Duration
}

func NewSessionRepository(redis cache.BasicOps, redisTimeout, localTTL time.Duration, localSize int) *SessionRepository {
	if localTTL <= 0 {
		localTTL = defaultSessionLocalTTL
	}
	if localSize <= 0 {
		localSize = defaultSessionLocalMax
	}
	if redisTimeout <= 0 {
		redisTimeout = time.Second
	}
	return &SessionRepository{
		local:        expirable.NewLRU[string, string](localSize, nil, localTTL),
		redis:        redis,
		redisTimeout: redisTimeout,
	}
}

// IsActive reports whether sessionID is the principal's current session.
// A locally cached match is trusted for the local TTL; a miss or mismatch re-reads Redis.
func (r *SessionRepository) IsActive(ctx context.Context, principalID, sessionID string) (bool, error) {
	if principalID == "" || sessionID == "" {
		return false, nil
	}
	if cached, ok := r.local.Get(principalID); ok && cached == sessionID {
		return true, nil
	}
	if r.redis == nil {
		return false, errors.New("redis is nil")
	}

	ctxCache, cancel := context.WithTimeout(ctx, r.redisTimeout)
	defer cancel()
	active, err := r.redis.Get(ctxCache, sessionActiveKeyPrefix+principalID)
	if err != nil {
		return false, err
	}
	if active == "" {
		r.local.Remove(principalID)
		return false, nil
	}
	r.local.Add(principalID, active)
	return active == sessionID, nil
}
