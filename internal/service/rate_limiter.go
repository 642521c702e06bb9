package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// slidingWindowScript trims the window, then admits the request if there is room.
// Returns {allowed, remaining, resetAt} with resetAt in unix seconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = now + window
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    end
    return {0, 0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

return {1, limit - count - 1, now + window}
`)

// RateDecision is the verdict for one request against a sliding window
type RateDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds a denied caller should wait
func (d RateDecision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds()) + 1
	if secs < 1 {
		return 1
	}
	return secs
}

// RateLimiter enforces sliding-window limits shared across instances through
// Redis. When Redis cannot answer it counts in process memory instead, so a
// Redis outage neither blocks every visitor nor lifts the limit entirely.
type RateLimiter struct {
	client   *redis.Client
	fallback *memoryWindow
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{
		client:   client,
		fallback: newMemoryWindow(),
		now:      time.Now,
	}
}

// CheckLimit records one request under key and reports whether it is allowed
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) RateDecision {
	now := rl.now()
	fullKey := fmt.Sprintf("ratelimit:%s", key)

	result, err := slidingWindowScript.Run(
		ctx,
		rl.client,
		[]string{fullKey},
		now.Unix(),
		int64(window.Seconds()),
		limit,
	).Int64Slice()

	if err == nil && len(result) != 3 {
		err = fmt.Errorf("unexpected script result length %d", len(result))
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("redis rate limit check failed, using in-process window")
		return rl.fallback.check(fullKey, limit, window, now)
	}

	return RateDecision{
		Allowed:   result[0] == 1,
		Remaining: int(result[1]),
		ResetAt:   time.Unix(result[2], 0),
	}
}
