package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindowScript trims the window, then admits the request only if it
// fits, all in one round trip so concurrent callers cannot overshoot.
//
// KEYS[1] window key; ARGV: now (ns), window start (ns), limit, ttl (ms), member
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[3]) then
	return {0, count}
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {1, count + 1}
`)

// RateLimiter implements sliding window rate limiting using Redis.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow records one request for key if it is under the limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)

	res, err := slidingWindowScript.Run(ctx, r.client.rdb,
		[]string{"ratelimit:" + key},
		now.UnixNano(),
		windowStart.UnixNano(),
		r.config.Limit,
		(r.config.Window + time.Second).Milliseconds(),
		fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed, count := res[0] == 1, int(res[1])
	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
		)
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   now.Add(r.config.Window),
	}, nil
}

// Limit is the configured request budget per window.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}
