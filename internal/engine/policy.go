package engine

import (
	"math"
	"time"

	"listingflow/backend/internal/config"
)

// RetryPolicy is the exponential backoff applied between dispatch attempts.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
}

// PolicyFromConfig extracts the retry policy from engine settings.
func PolicyFromConfig(cfg config.EngineConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
	}
}

// Delay returns the wait before retry number n (1-based):
// BaseDelay * Multiplier^(n-1).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// CanRetry reports whether an execution that has already been retried
// retryCount times may be retried again.
func (p RetryPolicy) CanRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}
