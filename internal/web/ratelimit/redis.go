package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding window Limiter shared by every replica
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// RedisConfig configures a RedisLimiter
type RedisConfig struct {
	Limit  int
	Window time.Duration
	Prefix string
}

// slidingWindow trims entries older than the window, then records the event
// if the window still has room. Returns {allowed, count, oldest score}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)
local current = redis.call('ZCARD', key)
local allowed = 0
if current < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, ttl)
	current = current + 1
	allowed = 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = now
if oldest[2] then
	oldest_score = tonumber(oldest[2])
end
return {allowed, current, tostring(oldest_score)}
`)

// NewRedisLimiter creates a Redis backed limiter
func NewRedisLimiter(client *redis.Client, config RedisConfig) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Limit <= 0 {
		return nil, errors.New("limit must be greater than 0")
	}
	if config.Window <= 0 {
		return nil, errors.New("window must be greater than 0")
	}
	if config.Prefix == "" {
		config.Prefix = "ratelimit:"
	}
	return &RedisLimiter{
		client: client,
		limit:  config.Limit,
		window: config.Window,
		prefix: config.Prefix,
	}, nil
}

// Allow records one event for key if the window has room
func (r *RedisLimiter) Allow(ctx context.Context, key string) (*Decision, error) {
	now := time.Now()
	res, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixNano(),
		now.Add(-r.window).UnixNano(),
		r.limit,
		r.window.Milliseconds(),
		uuid.NewString(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 3 {
		return nil, errors.New("unexpected rate limit script result")
	}

	allowed, ok1 := res[0].(int64)
	count, ok2 := res[1].(int64)
	oldestRaw, ok3 := res[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("unexpected rate limit script result")
	}
	var oldest float64
	if _, err := fmt.Sscan(oldestRaw, &oldest); err != nil {
		return nil, fmt.Errorf("invalid oldest score %q: %w", oldestRaw, err)
	}

	remaining := r.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Limit:     r.limit,
		Remaining: remaining,
		// the oldest event leaving the window frees the next slot
		ResetAt: time.Unix(0, int64(oldest)).Add(r.window),
		Allowed: allowed == 1,
	}, nil
}

// Reset forgets every event recorded for key
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
