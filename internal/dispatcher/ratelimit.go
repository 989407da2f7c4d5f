package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/driftlabs/agentgrid/internal/cache"
	"github.com/driftlabs/agentgrid/internal/config"
)

// RateLimiter implements sliding window rate limiting per deployment using
// Redis. Redis errors fail open: an unreachable limiter never blocks
// invocations.
type RateLimiter struct {
	redis  *cache.Redis
	config *config.RateLimitConfig
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redis *cache.Redis, cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{redis: redis, config: cfg}
}

// Check records one request against a deployment's window and reports
// whether it is allowed
func (r *RateLimiter) Check(ctx context.Context, deploymentID string) (*RateLimitResult, error) {
	limit := r.config.PerDeploymentLimit
	windowSeconds := r.config.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = 60
	}

	now := time.Now()
	windowDuration := time.Duration(windowSeconds) * time.Second
	windowStart := now.Add(-windowDuration)

	key := fmt.Sprintf("ratelimit:deployment:%s", deploymentID)

	// Sorted set sliding window: score = timestamp, member = request marker
	pipe := r.redis.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)

	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Error().Err(err).Str("deployment_id", deploymentID).Msg("Failed to check rate limit")
		return &RateLimitResult{
			Allowed:   true,
			Remaining: int64(limit),
			Limit:     limit,
		}, nil
	}

	currentCount := countCmd.Val()

	result := &RateLimitResult{
		Limit:   limit,
		ResetAt: now.Add(windowDuration),
	}

	if currentCount >= int64(limit) {
		result.Allowed = false
		result.Remaining = 0

		oldest, err := r.redis.Client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			oldestTime := time.Unix(0, int64(oldest[0].Score))
			result.RetryAfter = oldestTime.Add(windowDuration).Sub(now)
			if result.RetryAfter < 0 {
				result.RetryAfter = time.Second
			}
		} else {
			result.RetryAfter = windowDuration
		}

		return result, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), deploymentID)
	if err := r.redis.Client.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	}).Err(); err != nil {
		log.Warn().Err(err).Str("deployment_id", deploymentID).Msg("Failed to add rate limit entry")
	}
	r.redis.Client.Expire(ctx, key, windowDuration*2)

	result.Allowed = true
	result.Remaining = int64(limit) - currentCount - 1
	if result.Remaining < 0 {
		result.Remaining = 0
	}

	return result, nil
}

// Reset clears a deployment's rate limit window
func (r *RateLimiter) Reset(ctx context.Context, deploymentID string) error {
	key := fmt.Sprintf("ratelimit:deployment:%s", deploymentID)
	return r.redis.Client.Del(ctx, key).Err()
}
