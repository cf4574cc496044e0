// Package backoff spaces out commit retries with full-jitter exponential
// delays, so writers that lost the same version race do not collide again
// on the next attempt.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Jitter returns an exponential delay with full jitter.
//
//	delay = max(minDelay, rand(0, min(cap, base * 2^attempt)))
//
// The floor is small: version races resolve in milliseconds and a losing
// writer only needs to fall out of lockstep, not rest.
func Jitter(attempt int, base, cap time.Duration) time.Duration {
	const minDelay = 2 * time.Millisecond
	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(cap) || exp <= 0 { // overflow guard
		exp = float64(cap)
	}
	jitter := time.Duration(rand.Int64N(int64(exp)))
	if jitter < minDelay {
		jitter = minDelay
	}
	return jitter
}

// Sleep blocks for the jittered delay of the given attempt, or until ctx is
// done, returning the context's error in that case.
func Sleep(ctx context.Context, attempt int, base, cap time.Duration) error {
	timer := time.NewTimer(Jitter(attempt, base, cap))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
