package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a Redis-backed token bucket keyed by user. It throttles upload
// presign requests so one caller cannot monopolize the input bucket. State
// lives in Redis so every API replica shares the same budget.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// AllowUpload consumes one token from the caller's bucket. It returns whether
// the request may proceed and the tokens remaining afterwards.
func (l *Limiter) AllowUpload(ctx context.Context, userID string) (bool, float64, error) {
	key := fmt.Sprintf("ratelimit:uploads:%s", userID)
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	return parseBucketReply(res)
}

func parseBucketReply(res interface{}) (bool, float64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	flag, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("rate limit script: unexpected allow flag %T", arr[0])
	}
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case string:
		// redis returns Lua numbers with fractions as strings via cjson-less replies
		fmt.Sscanf(v, "%f", &remaining)
	case float64:
		remaining = v
	}
	return flag == 1, remaining, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
