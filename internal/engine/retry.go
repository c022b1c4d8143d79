package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rendis/bankflow/pkg/schema"
)

// IsRetryableError reports whether another attempt could succeed. Cancelled
// contexts and BankflowErrors with non-retryable codes (validation, template
// rendering, missing agents) stop the retry loop; anything else is retried
// until the policy runs out.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var be *schema.BankflowError
	if errors.As(err, &be) {
		return be.IsRetryable()
	}
	return true
}

// Jitter picks a delay in [d/2, d]. Replaced in tests.
type Jitter func(d time.Duration) time.Duration

func uniformJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(d-half+1)
}

// ComputeBackoff returns the wait before retry number `retry` (1-based).
// Fixed waits delay_seconds each time; exponential doubles it per retry.
// The max_delay_seconds cap applies before jitter, so a jittered delay never
// exceeds it.
func ComputeBackoff(policy schema.RetryPolicy, retry int, jitter Jitter) time.Duration {
	if policy.DelaySeconds <= 0 || retry < 1 {
		return 0
	}
	secs := policy.DelaySeconds
	if policy.BackoffStrategy == schema.BackoffExponential {
		secs *= math.Pow(2, float64(retry-1))
	}
	if policy.MaxDelaySeconds > 0 && secs > policy.MaxDelaySeconds {
		secs = policy.MaxDelaySeconds
	}
	// Durations overflow past ~292 years.
	delay := time.Duration(math.Min(secs, 1e9) * float64(time.Second))
	if policy.Jitter {
		if jitter == nil {
			jitter = uniformJitter
		}
		delay = jitter(delay)
	}
	return delay
}

// WaitForBackoff sleeps for delay or until ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
