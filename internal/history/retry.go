package history

import (
	"math/rand"
	"strings"
	"time"
)

// retryConfig controls retry behavior for transient SQLite errors.
// WAL-mode SQLite under concurrent writers can return SQLITE_BUSY,
// SQLITE_LOCKED and IOERR_SHORT_READ; busy_timeout covers most of the
// first, the rest need application-level retries.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// retryOnContention wraps write operations with the default config.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",   // SQLITE_BUSY code
		"(6)",   // SQLITE_LOCKED code
		"(522)", // SQLITE_IOERR_SHORT_READ code
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp executes fn with exponential backoff + jitter for transient errors.
func retryOp(cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			delay := cfg.baseDelay << uint(attempt)
			if delay > cfg.maxDelay {
				delay = cfg.maxDelay
			}
			delay += time.Duration(rand.Int63n(int64(cfg.baseDelay)))
			time.Sleep(delay)
		}
	}
	return lastErr
}
