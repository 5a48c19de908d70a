package service

import (
	"context"
	"time"
)

// RetryPolicy governs retry behavior for transient external failures
// (model adapter, critic) per the cancellation-aware backoff described in
// the concurrency model.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy performs a single attempt with no backoff.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       1,
	InitialBackoff: 0,
	MaxBackoff:     0,
	Multiplier:     1,
}

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// AlwaysRetry treats every non-nil error as transient.
func AlwaysRetry(error) bool { return true }

// Retry executes fn with the provided policy, calling classify to decide
// whether a given failure should be retried. It returns the last error, if
// any, and respects context cancellation between attempts.
func Retry(ctx context.Context, policy RetryPolicy, classify Classifier, fn func() error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	if classify == nil {
		classify = AlwaysRetry
	}
	backoff := policy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == policy.Attempts || !classify(err) {
			return err
		}
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			next := time.Duration(float64(backoff) * policy.Multiplier)
			if policy.MaxBackoff > 0 && next > policy.MaxBackoff {
				next = policy.MaxBackoff
			}
			backoff = next
		}
	}
	return lastErr
}
