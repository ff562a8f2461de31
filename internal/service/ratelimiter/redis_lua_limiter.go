// Package ratelimiter implements the distributed two-level token bucket used
// for pipeline admission (global plus per-partition).
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
)

// BucketConfig parameterizes one token bucket.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// luaTwoLevelScript refills and consumes from the global and the partition
// bucket in one atomic round trip. A token is taken from both buckets or
// from neither, avoiding the classical read-modify-write race.
const luaTwoLevelScript = `
local function load_bucket(key, capacity, now)
  local tokens = capacity
  local last_refill = now
  local data = redis.call("HMGET", key, "tokens", "last_refill")
  if data[1] ~= false and data[1] ~= nil then
    tokens = tonumber(data[1])
  end
  if data[2] ~= false and data[2] ~= nil then
    last_refill = tonumber(data[2])
  end
  return tokens, last_refill
end

local function refill(tokens, last_refill, capacity, rate, now)
  local delta = now - last_refill
  if delta < 0 then delta = 0 end
  return math.min(capacity, tokens + delta * rate)
end

local gkey = KEYS[1]
local pkey = KEYS[2]
local gcap = tonumber(ARGV[1])
local grate = tonumber(ARGV[2])
local pcap = tonumber(ARGV[3])
local prate = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local cost = tonumber(ARGV[6])

local gtokens, glast = load_bucket(gkey, gcap, now)
local ptokens, plast = load_bucket(pkey, pcap, now)
gtokens = refill(gtokens, glast, gcap, grate, now)
ptokens = refill(ptokens, plast, pcap, prate, now)

local allowed = 0
local level = ""
local retry_after = 0

if gtokens < cost then
  level = "global"
  if grate > 0 then retry_after = (cost - gtokens) / grate end
elseif ptokens < cost then
  level = "partition"
  if prate > 0 then retry_after = (cost - ptokens) / prate end
else
  allowed = 1
  gtokens = gtokens - cost
  ptokens = ptokens - cost
end

redis.call("HMSET", gkey, "tokens", gtokens, "last_refill", now)
redis.call("HMSET", pkey, "tokens", ptokens, "last_refill", now)
redis.call("PEXPIRE", pkey, 3600000)

return { allowed, level, tostring(retry_after) }
`

// RedisLuaLimiter implements domain.RateLimiter against a shared Redis.
type RedisLuaLimiter struct {
	rdb       *redis.Client
	global    BucketConfig
	partition BucketConfig
	script    *redis.Script
}

// New constructs a RedisLuaLimiter from the two bucket configs.
func New(rdb *redis.Client, global, partition BucketConfig) *RedisLuaLimiter {
	return &RedisLuaLimiter{
		rdb:       rdb,
		global:    global,
		partition: partition,
		script:    redis.NewScript(luaTwoLevelScript),
	}
}

// Allow consumes one token from both buckets atomically.
//
// Redis errors fail open: denying all traffic on a fast-store blip would be a
// worse failure than briefly exceeding the configured rate.
func (l *RedisLuaLimiter) Allow(ctx context.Context, partitionKey string) (domain.RateLimitDecision, error) {
	if l == nil || l.rdb == nil {
		return domain.RateLimitDecision{Allowed: true}, nil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	keys := []string{"rate:global", "rate:part:" + partitionKey}
	res, err := l.script.Run(ctx, l.rdb, keys,
		l.global.Capacity, l.global.RefillRate,
		l.partition.Capacity, l.partition.RefillRate,
		now, 1,
	).Result()
	if err != nil {
		slog.Error("rate limiter script error", slog.String("partition_key", partitionKey), slog.Any("error", err))
		return domain.RateLimitDecision{Allowed: true}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("rate limiter unexpected script result", slog.Any("result", res))
		return domain.RateLimitDecision{Allowed: true}, nil
	}

	allowed := toInt64(vals[0]) == 1
	level, _ := vals[1].(string)
	var retryAfterSec float64
	if s, ok := vals[2].(string); ok {
		_, _ = fmt.Sscanf(s, "%g", &retryAfterSec)
	}

	if allowed {
		observability.RateLimitDecisionsTotal.WithLabelValues("both", "allowed").Inc()
	} else {
		observability.RateLimitDecisionsTotal.WithLabelValues(level, "denied").Inc()
	}

	return domain.RateLimitDecision{
		Allowed:    allowed,
		RetryAfter: time.Duration(retryAfterSec * float64(time.Second)),
	}, nil
}

// Status returns the current token counts for the diagnostics endpoint.
func (l *RedisLuaLimiter) Status(ctx context.Context, partitionKey string) (map[string]interface{}, error) {
	out := map[string]interface{}{
		"global_capacity":      l.global.Capacity,
		"global_refill_rate":   l.global.RefillRate,
		"partition_capacity":   l.partition.Capacity,
		"partition_refill_rate": l.partition.RefillRate,
	}
	for name, key := range map[string]string{"global_tokens": "rate:global", "partition_tokens": "rate:part:" + partitionKey} {
		v, err := l.rdb.HGet(ctx, key, "tokens").Float64()
		switch {
		case err == redis.Nil:
			out[name] = nil
		case err != nil:
			return nil, fmt.Errorf("op=ratelimiter.status: %w", err)
		default:
			out[name] = v
		}
	}
	return out, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

var _ domain.RateLimiter = (*RedisLuaLimiter)(nil)
