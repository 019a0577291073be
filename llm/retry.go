// ABOUTME: Call-level retry with exponential backoff and jitter for AI-service requests.
// ABOUTME: Retries only errors that report themselves retryable and honors provider Retry-After hints.

package llm

import (
	"context"
	"log"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures retries of a single AI call. It operates inside a
// pipeline stage and is bounded by the stage's context.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool

	// OnRetry is invoked before each retry sleep with the triggering error,
	// the 0-indexed attempt, and the delay about to be applied.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns 3 retries starting at 2s with 3x backoff, capped
// at 60s, which fits comfortably inside the default stage timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 3.0,
		Jitter:            true,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			log.Printf("component=llm action=retry attempt=%d delay=%s err=%v", attempt+1, delay, err)
		},
	}
}

// NoRetry returns a policy that never retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// CalculateDelay computes the backoff for attempt, capped at MaxDelay. With
// Jitter the delay is drawn uniformly from [0, backoff].
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delayFloat := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delayFloat > float64(p.MaxDelay) {
		delayFloat = float64(p.MaxDelay)
	}
	delay := time.Duration(delayFloat)
	if p.Jitter && delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay) + 1))
	}
	return delay
}

// ShouldRetry reports whether err is retryable and attempts remain.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxRetries {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}
	return false
}

// Retry executes fn under policy. It stops early when ctx is done and returns
// the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !policy.ShouldRetry(lastErr, attempt) {
			return lastErr
		}

		delay := applyRetryAfter(lastErr, policy.CalculateDelay(attempt))
		if policy.OnRetry != nil {
			policy.OnRetry(lastErr, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}

// applyRetryAfter returns the greater of the calculated delay and the
// provider's Retry-After hint.
func applyRetryAfter(err error, calculated time.Duration) time.Duration {
	if pe, ok := extractProviderError(err); ok && pe.RetryAfter != nil {
		hint := time.Duration(*pe.RetryAfter * float64(time.Second))
		if hint > calculated {
			return hint
		}
	}
	return calculated
}
