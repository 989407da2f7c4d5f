package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis wraps the shared Redis client. It backs the durable usage counters
// shared by all router instances and the per-deployment rate limiter.
type Redis struct {
	Client *redis.Client
}

// New creates a new Redis client from a redis:// URL
func New(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Msg("Redis connection established")

	return &Redis{Client: client}, nil
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.Client.Close()
}

// Health checks if Redis is reachable
func (r *Redis) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// usageKey returns the shared monthly usage counter key for a deployment.
// The month component keeps counters naturally scoped to the billing period.
func usageKey(deploymentID string, month time.Time) string {
	return fmt.Sprintf("usage:%s:%s", deploymentID, month.UTC().Format("2006-01"))
}

// IncrementUsage atomically increments the shared usage counter for a
// deployment and returns the new value. All router instances increment the
// same key, so the count survives restarts and scales horizontally.
func (r *Redis) IncrementUsage(ctx context.Context, deploymentID string, now time.Time) (int64, error) {
	key := usageKey(deploymentID, now)
	count, err := r.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	// Counters expire well after the billing period closes
	if count == 1 {
		if err := r.Client.Expire(ctx, key, 62*24*time.Hour).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to set usage counter TTL")
		}
	}
	return count, nil
}

// GetUsage reads the shared usage counter for a deployment
func (r *Redis) GetUsage(ctx context.Context, deploymentID string, now time.Time) (int64, error) {
	val, err := r.Client.Get(ctx, usageKey(deploymentID, now)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return val, nil
}
