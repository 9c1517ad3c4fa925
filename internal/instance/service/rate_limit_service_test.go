package service_test

import (
	"context"
	"testing"
	"time"

	"ctfgate/internal/common/cache"
	"ctfgate/internal/instance/service"
	pkgerrors "ctfgate/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRateLimitServiceRedisWindow(t *testing.T) {
	c, mr := newRedisCache(t)
	limiter := service.NewRateLimitService(c, time.Minute, time.Second)
	ctx := context.Background()
	key := "instance:rate:launch:203.0.113.7"

	for i := 0; i < 7; i++ {
		if err := limiter.Allow(ctx, key, 7, time.Minute); err != nil {
			t.Fatalf("call %d should pass: %v", i+1, err)
		}
	}
	err := limiter.Allow(ctx, key, 7, time.Minute)
	if pkgerrors.GetCode(err) != pkgerrors.TooManyRequests {
		t.Fatalf("expected TooManyRequests on the 8th call, got %v", err)
	}
	if err := limiter.Allow(ctx, "instance:rate:launch:198.51.100.1", 7, time.Minute); err != nil {
		t.Fatalf("other origins are independent: %v", err)
	}

	mr.FastForward(61 * time.Second)
	if err := limiter.Allow(ctx, key, 7, time.Minute); err != nil {
		t.Fatalf("window should have reset: %v", err)
	}
}

func TestRateLimitServiceRepairsMissingTTL(t *testing.T) {
	c, mr := newRedisCache(t)
	limiter := service.NewRateLimitService(c, time.Minute, time.Second)
	key := "instance:rate:launch:203.0.113.8"
	if err := mr.Set(key, "3"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := limiter.Allow(context.Background(), key, 7, time.Minute); err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected the window to get a ttl, got %v", ttl)
	}
}

func TestRateLimitServiceLocalFallback(t *testing.T) {
	limiter := service.NewRateLimitService(nil, time.Minute, time.Second)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if err := limiter.Allow(ctx, "origin", 7, time.Minute); err != nil {
			t.Fatalf("call %d should pass: %v", i+1, err)
		}
	}
	if err := limiter.Allow(ctx, "origin", 7, time.Minute); pkgerrors.GetCode(err) != pkgerrors.TooManyRequests {
		t.Fatalf("expected TooManyRequests, got %v", err)
	}
}

func TestRateLimitServiceFallsBackWhenRedisFails(t *testing.T) {
	c, mr := newRedisCache(t)
	limiter := service.NewRateLimitService(c, time.Minute, 100*time.Millisecond)
	mr.Close()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if err := limiter.Allow(ctx, "origin", 7, time.Minute); err != nil {
			t.Fatalf("call %d should pass: %v", i+1, err)
		}
	}
	if err := limiter.Allow(ctx, "origin", 7, time.Minute); pkgerrors.GetCode(err) != pkgerrors.TooManyRequests {
		t.Fatalf("expected TooManyRequests, got %v", err)
	}
}
