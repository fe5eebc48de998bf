package errs

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for transient action failures.
// Exact values are tunables, not a contract; defaults follow the
// scheduler's operational experience.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay    time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	JitterFactor float64       `json:"jitter_factor" yaml:"jitter_factor"`
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Backoff calculates the exponential backoff delay for a given attempt
// (0-based), with jitter: baseDelay * 2^attempt, capped at MaxDelay,
// randomized by ±JitterFactor.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(c.BaseDelay) * multiplier)

	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	if c.JitterFactor > 0 {
		jitter := float64(delay) * c.JitterFactor
		jitterAmount := (rand.Float64()*2 - 1) * jitter
		delay = time.Duration(float64(delay) + jitterAmount)

		if delay < 0 {
			delay = c.BaseDelay
		}
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}

	return delay
}

// ShouldRetry reports whether an operation should be retried given the
// error and how many attempts have already run.
func (c RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= c.MaxAttempts {
		return false
	}
	return IsTransient(err)
}
