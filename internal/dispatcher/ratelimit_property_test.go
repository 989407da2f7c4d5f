package dispatcher

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/driftlabs/agentgrid/internal/cache"
	"github.com/driftlabs/agentgrid/internal/config"
)

var (
	testRedis *cache.Redis
)

func TestMain(m *testing.M) {
	// Try to connect to test Redis
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	var err error
	testRedis, err = cache.New(redisURL)
	if err != nil {
		fmt.Printf("Warning: Failed to connect to test Redis: %v\n", err)
		testRedis = nil
	}

	code := m.Run()

	if testRedis != nil {
		testRedis.Close()
	}

	os.Exit(code)
}

// ============================================
// Property Tests for Rate Limiting
// ============================================

// TestProperty_RateLimit_EnforcesWindowLimit tests the window limit
// *For any* per-deployment limit, exactly that many requests SHALL be allowed within one
// window and the next request SHALL be denied with a positive retry hint.
func TestProperty_RateLimit_EnforcesWindowLimit(t *testing.T) {
	if testRedis == nil {
		t.Skip("Test Redis not available")
	}

	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 10).Draw(rt, "limit")

		limiter := NewRateLimiter(testRedis, &config.RateLimitConfig{
			PerDeploymentLimit: limit,
			WindowSeconds:      60,
		})

		deploymentID := uuid.New().String()
		defer limiter.Reset(ctx, deploymentID)

		for i := 0; i < limit; i++ {
			result, err := limiter.Check(ctx, deploymentID)
			if err != nil {
				t.Fatalf("Rate limit check failed: %v", err)
			}
			if !result.Allowed {
				t.Fatalf("PROPERTY VIOLATION: Request %d of %d should be allowed", i+1, limit)
			}
			if result.Remaining != int64(limit-i-1) {
				t.Fatalf("PROPERTY VIOLATION: After request %d of %d, remaining should be %d, got %d",
					i+1, limit, limit-i-1, result.Remaining)
			}
		}

		result, err := limiter.Check(ctx, deploymentID)
		if err != nil {
			t.Fatalf("Rate limit check failed: %v", err)
		}
		if result.Allowed {
			t.Fatalf("PROPERTY VIOLATION: Request %d should be denied at limit %d", limit+1, limit)
		}
		if result.RetryAfter <= 0 {
			t.Fatalf("PROPERTY VIOLATION: Denied request should carry a positive retry hint, got %v",
				result.RetryAfter)
		}
	})
}

// TestProperty_RateLimit_DeploymentsIsolated tests window isolation
// *For any* two deployments, exhausting one deployment's window SHALL NOT affect the other.
func TestProperty_RateLimit_DeploymentsIsolated(t *testing.T) {
	if testRedis == nil {
		t.Skip("Test Redis not available")
	}

	ctx := context.Background()

	limiter := NewRateLimiter(testRedis, &config.RateLimitConfig{
		PerDeploymentLimit: 2,
		WindowSeconds:      60,
	})

	exhausted := uuid.New().String()
	fresh := uuid.New().String()
	defer limiter.Reset(ctx, exhausted)
	defer limiter.Reset(ctx, fresh)

	for i := 0; i < 3; i++ {
		if _, err := limiter.Check(ctx, exhausted); err != nil {
			t.Fatalf("Rate limit check failed: %v", err)
		}
	}

	result, err := limiter.Check(ctx, fresh)
	if err != nil {
		t.Fatalf("Rate limit check failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("Exhausting one deployment must not limit another")
	}
}

func TestRateLimit_ResetClearsWindow(t *testing.T) {
	if testRedis == nil {
		t.Skip("Test Redis not available")
	}

	ctx := context.Background()

	limiter := NewRateLimiter(testRedis, &config.RateLimitConfig{
		PerDeploymentLimit: 1,
		WindowSeconds:      60,
	})

	deploymentID := uuid.New().String()
	defer limiter.Reset(ctx, deploymentID)

	if _, err := limiter.Check(ctx, deploymentID); err != nil {
		t.Fatalf("Rate limit check failed: %v", err)
	}
	result, err := limiter.Check(ctx, deploymentID)
	if err != nil {
		t.Fatalf("Rate limit check failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Second request should be denied at limit 1")
	}

	if err := limiter.Reset(ctx, deploymentID); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	result, err = limiter.Check(ctx, deploymentID)
	if err != nil {
		t.Fatalf("Rate limit check failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("Request after reset should be allowed")
	}
}
