package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "license:ratelimit:"

// slidingWindowScript trims the window, then admits the request only while
// the set holds fewer than limit entries. It returns {1, 0} on admission and
// {0, oldest score} on rejection.
//
// KEYS[1] set key; ARGV: now ms, window ms, limit, member
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
if redis.call('ZCARD', key) >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		return {0, tonumber(oldest[2])}
	end
	return {0, now}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// RateLimiter is a sliding-window request counter per caller IP kept in a
// Redis sorted set scored by request time.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a request from ip if it fits in the window. When it does not,
// retryAfter is the time until the oldest request in the window ages out.
// Trim, count and add run as one script so concurrent callers cannot
// overshoot the limit.
func (r *RateLimiter) Allow(ctx context.Context, ip string) (bool, time.Duration, error) {
	if r.limit <= 0 {
		return true, 0, nil
	}

	now := r.now()
	res, err := slidingWindowScript.Run(ctx, r.rdb, []string{rateLimitKeyPrefix + ip},
		now.UnixMilli(), r.window.Milliseconds(), r.limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}

	retryAfter := time.UnixMilli(res[1]).Add(r.window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}
