package repository

import (
	"context"
	"testing"
	"time"

	"ctfgate/internal/common/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSessionRepositoryIsActive(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	repo := NewSessionRepository(redisCache, time.Second, time.Minute, 16)
	ctx := context.Background()

	if ok, err := repo.IsActive(ctx, "alice", "s1"); err != nil || ok {
		t.Fatalf("no active session expected: %v %v", ok, err)
	}

	if err := mr.Set(sessionActiveKeyPrefix+"alice", "s1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, err := repo.IsActive(ctx, "alice", "s1"); err != nil || !ok {
		t.Fatalf("expected active session: %v %v", ok, err)
	}

	// A newer login replaces the session; the old id must be rejected.
	if err := mr.Set(sessionActiveKeyPrefix+"alice", "s2"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, _ := repo.IsActive(ctx, "alice", "s2"); !ok {
		t.Fatalf("new session should be active")
	}
	if ok, _ := repo.IsActive(ctx, "alice", "s1"); ok {
		t.Fatalf("old session should be rejected once the new one is cached")
	}

	if ok, _ := repo.IsActive(ctx, "alice", ""); ok {
		t.Fatalf("empty session id must be rejected")
	}
}
