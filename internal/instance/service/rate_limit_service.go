package service

import (
	"context"
	"sync"
	"time"

	"ctfgate/internal/common/cache"
	pkgerrors "ctfgate/pkg/errors"
	"ctfgate/pkg/utils/logger"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const localLimiterSize = 10000

// RateLimitService enforces fixed-window limits in Redis, falling back to a
// process-local token bucket when Redis is absent or failing.
type RateLimitService struct {
	cache        cache.BasicOps
	window       time.Duration
	redisTimeout time.Duration

	mu    sync.Mutex
	local *expirable.LRU[string, *rate.Limiter]
}

func NewRateLimitService(cacheClient cache.BasicOps, window time.Duration, redisTimeout time.Duration) *RateLimitService {
	if window <= 0 {
		window = time.Minute
	}
	if redisTimeout <= 0 {
		redisTimeout = 200 * time.Millisecond
	}
	return &RateLimitService{
		cache:        cacheClient,
		window:       window,
		redisTimeout: redisTimeout,
		local:        expirable.NewLRU[string, *rate.Limiter](localLimiterSize, nil, 2*window),
	}
}

// Allow counts one event for key and rejects it when more than max events fall in the window.
func (s *RateLimitService) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = s.window
	}
	if s.cache == nil {
		return s.allowLocal(key, max, window)
	}

	count, err := s.incrWindow(ctx, key, window)
	if err != nil {
		logger.Warn(ctx, "rate limit store unavailable, using local limiter", zap.String("key", key), zap.Error(err))
		return s.allowLocal(key, max, window)
	}
	if count > int64(max) {
		return pkgerrors.New(pkgerrors.TooManyRequests).WithDetail("key", key)
	}
	return nil
}

func (s *RateLimitService) incrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctxCache, cancel := context.WithTimeout(ctx, s.redisTimeout)
	defer cancel()

	acquired, err := s.cache.SetNX(ctxCache, key, 1, window)
	if err != nil {
		return 0, err
	}
	if acquired {
		return 1, nil
	}
	count, err := s.cache.Incr(ctxCache, key)
	if err != nil {
		return 0, err
	}
	// Repair a key that lost its TTL so the window cannot stick forever.
	if ttl, ttlErr := s.cache.TTL(ctxCache, key); ttlErr == nil && ttl < 0 {
		_ = s.cache.Expire(ctxCache, key, window)
	}
	return count, nil
}

func (s *RateLimitService) allowLocal(key string, max int, window time.Duration) error {
	s.mu.Lock()
	limiter, ok := s.local.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(window/time.Duration(max)), max)
		s.local.Add(key, limiter)
	}
	s.mu.Unlock()

	if !limiter.Allow() {
		return pkgerrors.New(pkgerrors.TooManyRequests).WithDetail("key", key)
	}
	return nil
}
