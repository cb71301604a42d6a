package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// heartbeatTTL bounds how long a published task description is considered
// live; a worker that stops publishing (crash, hang) disappears from
// dashboard observers once it expires rather than showing stale state.
const heartbeatTTL = 90 * time.Second

// heartbeatCache publishes each worker's current task description as a
// short-TTL Redis key, the same ephemeral-windowed-key idiom the rate
// limiter and health alerter use for counters.
type heartbeatCache struct {
	redisClient *redis.Client
	prefix      string
}

// NewHeartbeatCache builds the heartbeat cache scheduler.New expects. addr
// may be empty, in which case Publish becomes a no-op.
func NewHeartbeatCache(addr, password, prefix string) *heartbeatCache {
	return newHeartbeatCache(addr, password, prefix)
}

func newHeartbeatCache(addr, password, prefix string) *heartbeatCache {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sovi:scheduler:heartbeat"
	}
	return &heartbeatCache{
		redisClient: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix:      prefix,
	}
}

// Publish records what a worker is currently doing. Failures are
// best-effort: a dashboard blind spot is never worth failing a worker over.
func (h *heartbeatCache) Publish(ctx context.Context, deviceID, taskDescription string) {
	if h == nil || h.redisClient == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = h.redisClient.Set(cctx, h.prefix+":"+deviceID, taskDescription, heartbeatTTL).Err()
}
