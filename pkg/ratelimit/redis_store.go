package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript checks and charges every bucket atomically.
// KEYS[i]      = bucket key
// ARGV[1]      = cost (tokens to consume from each bucket)
// ARGV[2]      = current unix time in seconds (fractional)
// ARGV[3]      = idle TTL in seconds
// ARGV[2+2i]   = capacity of KEYS[i]
// ARGV[3+2i]   = refill rate of KEYS[i] (tokens per second)
// Returns {allowed, wait_ms, exhausted_index, remaining}.
var tokenBucketScript = redis.NewScript(`
local cost = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local tokens = {}
local wait = 0
local exhausted = 0

for i = 1, #KEYS do
    local capacity = tonumber(ARGV[2 + i * 2])
    local rate = tonumber(ARGV[3 + i * 2])
    local state = redis.call("HMGET", KEYS[i], "tokens", "last_refill")
    local t = tonumber(state[1])
    local last = tonumber(state[2])

    if not t or not last then
        t = capacity
        last = now
    end

    local elapsed = now - last
    if elapsed > 0 then
        t = t + elapsed * rate
        if t > capacity then
            t = capacity
        end
    end
    tokens[i] = t

    if t < cost then
        local w = ttl * 1000
        if rate > 0 then
            w = math.ceil((cost - t) / rate * 1000)
        end
        if exhausted == 0 or w > wait then
            wait = w
            exhausted = i
        end
    end
end

local remaining = -1
if exhausted == 0 then
    for i = 1, #KEYS do
        tokens[i] = tokens[i] - cost
        redis.call("HMSET", KEYS[i], "tokens", tokens[i], "last_refill", now)
        redis.call("EXPIRE", KEYS[i], ttl)
    end
end

for i = 1, #KEYS do
    if remaining < 0 or tokens[i] < remaining then
        remaining = tokens[i]
    end
end

local allowed = 0
if exhausted == 0 then
    allowed = 1
end
return {allowed, wait, exhausted, math.floor(remaining)}
`)

// peekScript reads one bucket with refill applied, without writing.
// KEYS[1] = bucket key, ARGV = capacity, rate, now.
var peekScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call("HMGET", KEYS[1], "tokens", "last_refill")
local t = tonumber(state[1])
local last = tonumber(state[2])
if not t or not last then
    return capacity
end
local elapsed = now - last
if elapsed > 0 then
    t = t + elapsed * rate
end
if t > capacity then
    t = capacity
end
return math.floor(t)
`)

// ErrInvalidReply is returned when the token bucket script answers with an
// unexpected shape.
var ErrInvalidReply = errors.New("ratelimit: invalid reply from token bucket script")

// RedisStore runs the token bucket in Redis so every process shares one view.
// The script is invoked with EVALSHA and falls back to EVAL on NOSCRIPT.
type RedisStore struct {
	client redis.Scripter
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithIdleTTL sets how long an untouched bucket survives. Default 60s.
func WithIdleTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore creates a store on any client that can run scripts
// (*redis.Client, *redis.ClusterClient, *redis.Ring).
func NewRedisStore(client redis.Scripter, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, ttl: 60 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// Take executes the token bucket script over all buckets.
func (s *RedisStore) Take(ctx context.Context, buckets []BucketKey, cost int64, now time.Time) (TakeResult, error) {
	if s.client == nil {
		return TakeResult{}, errors.New("ratelimit: redis store has no client")
	}
	if len(buckets) == 0 {
		return TakeResult{Allowed: true, Exhausted: -1, Remaining: -1}, nil
	}

	keys := make([]string, len(buckets))
	args := make([]interface{}, 0, 3+2*len(buckets))
	args = append(args, cost, unixSeconds(now), int64(s.ttl.Seconds()))
	for i, b := range buckets {
		keys[i] = b.Key
		args = append(args, b.Bucket.Capacity, b.Bucket.RefillPerSecond)
	}

	res, err := tokenBucketScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return TakeResult{}, fmt.Errorf("redis limiter error: %w", err)
	}
	return parseTakeReply(res)
}

// parseTakeReply accepts the full four-element reply and the short
// {allowed, wait_ms} form.
func parseTakeReply(res interface{}) (TakeResult, error) {
	results, ok := res.([]interface{})
	if !ok || len(results) < 2 {
		return TakeResult{}, ErrInvalidReply
	}

	nums := make([]int64, len(results))
	for i, v := range results {
		n, ok := v.(int64)
		if !ok {
			return TakeResult{}, fmt.Errorf("%w: element %d is %T", ErrInvalidReply, i, v)
		}
		nums[i] = n
	}

	out := TakeResult{
		Allowed:   nums[0] == 1,
		WaitMs:    nums[1],
		Exhausted: -1,
		Remaining: -1,
	}
	if len(nums) >= 3 && nums[2] > 0 {
		out.Exhausted = int(nums[2]) - 1
	}
	if len(nums) >= 4 {
		out.Remaining = nums[3]
	}
	if out.WaitMs < 0 {
		out.WaitMs = 0
	}
	return out, nil
}

// Peek returns the refilled token count of one bucket.
func (s *RedisStore) Peek(ctx context.Context, bucket BucketKey, now time.Time) (int64, error) {
	if s.client == nil {
		return 0, errors.New("ratelimit: redis store has no client")
	}
	res, err := peekScript.Run(ctx, s.client, []string{bucket.Key},
		bucket.Bucket.Capacity, bucket.Bucket.RefillPerSecond, unixSeconds(now)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis limiter peek: %w", err)
	}
	return res, nil
}
