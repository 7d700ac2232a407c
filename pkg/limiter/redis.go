package limiter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// tokenBucketScript refills and spends a bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = logical now (seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 3600)

return {allowed, tostring(tokens)}
`)

// RedisStore shares buckets across kernel processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr. Keys are namespaced by prefix.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy, now contracts.LogicalTime) (bool, error) {
	burst := policy.Burst
	if burst <= 0 {
		burst = 1
	}
	nowSec := float64(now) / 1000
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + "limiter:" + key}, policy.PerSecond, burst, 1, nowSec).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
