package dispatcher

import (
	"context"
	"time"
)

// TimeoutConfig holds timeout configuration
type TimeoutConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MinTimeout     time.Duration
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     120 * time.Second,
		MinTimeout:     5 * time.Second,
	}
}

// TimeoutManager derives the per-invocation deadline. Templates may request
// their own timeout; requests outside the configured bounds are clamped.
type TimeoutManager struct {
	config *TimeoutConfig
}

// NewTimeoutManager creates a new timeout manager
func NewTimeoutManager(config *TimeoutConfig) *TimeoutManager {
	if config == nil {
		config = DefaultTimeoutConfig()
	}
	return &TimeoutManager{config: config}
}

// GetTimeout returns the effective timeout for a request.
// Zero means the default; out-of-bounds values are clamped.
func (t *TimeoutManager) GetTimeout(requested time.Duration) time.Duration {
	if requested == 0 {
		return t.config.DefaultTimeout
	}
	if requested < t.config.MinTimeout {
		return t.config.MinTimeout
	}
	if requested > t.config.MaxTimeout {
		return t.config.MaxTimeout
	}
	return requested
}

// WithTimeout creates a context bounded by the effective timeout.
// Returns the context, cancel function, and the timeout used.
func (t *TimeoutManager) WithTimeout(ctx context.Context, requested time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	timeout := t.GetTimeout(requested)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, timeout
}
