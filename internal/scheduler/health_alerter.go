package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var healthCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// healthProbeThreshold/healthProbeWindow bound how many health-probe
// failures within one fixed window slot escalate a warning to a critical
// device event; a successful probe does not reset the count (spec section 7, taxonomy item 1: "warning on
// first occurrence, escalating to critical on repeat").
const (
	healthProbeThreshold = 3
	healthProbeWindow    = 10 * time.Minute
)

// HealthAlertResult reports how a single probe failure ranks against its
// device's failure count for the current window slot.
type HealthAlertResult struct {
	Count     int64
	Threshold int64
	Escalated bool
}

// HealthAlerter aggregates automation-agent health-probe failures per
// device so repeated failures escalate even across multiple orchestrator
// processes sharing the same Redis.
type HealthAlerter struct {
	redisClient *redis.Client
	prefix      string
}

// NewHealthAlerter builds a Redis-backed alerter. An empty addr disables
// escalation entirely: every observed failure reports as non-escalated,
// local-only.
func NewHealthAlerter(addr, password, prefix string) *HealthAlerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sovi:scheduler:health"
	}
	return &HealthAlerter{
		redisClient: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix:      prefix,
	}
}

// Observe records one health-probe failure for a device and reports whether
// the count for the current window slot has reached the escalation threshold.
func (a *HealthAlerter) Observe(ctx context.Context, deviceID string) (HealthAlertResult, error) {
	result := HealthAlertResult{Threshold: healthProbeThreshold}
	if a == nil || a.redisClient == nil {
		return result, nil
	}
	windowMs := healthProbeWindow.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%d", a.prefix, sanitizeDeviceID(deviceID), slot)
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := healthCounterScript.Run(cctx, a.redisClient, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Escalated = count >= healthProbeThreshold
	return result, nil
}

func sanitizeDeviceID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(id)
}
