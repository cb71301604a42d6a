package scheduler

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestHeartbeatCachePublishIsReadableViaRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	cache := newHeartbeatCache(redis.Addr(), "", "test:heartbeat")
	if cache == nil {
		t.Fatalf("expected heartbeat cache")
	}

	cache.Publish(context.Background(), "dev-1", "warming acct-1")

	val, err := redis.Get("test:heartbeat:dev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "warming acct-1" {
		t.Fatalf("published value = %q, want %q", val, "warming acct-1")
	}
	ttl := redis.TTL("test:heartbeat:dev-1")
	if ttl <= 0 || ttl > heartbeatTTL {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
}

func TestHeartbeatCacheNilIsSafe(t *testing.T) {
	var cache *heartbeatCache
	cache.Publish(context.Background(), "dev-1", "anything")
}

func TestNewHeartbeatCacheReturnsNilWithoutAddr(t *testing.T) {
	if cache := newHeartbeatCache("", "", "test:heartbeat"); cache != nil {
		t.Fatalf("expected nil cache when addr is empty")
	}
}
