// Package backoff holds the wait schedules shared by the registry client and
// the oracle retry loop.
package backoff

import (
	"context"
	"time"
)

// Exponential returns base doubled attempt times, capped at max.
// Attempt is zero-based.
func Exponential(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Linear returns base*(attempt+1), capped at max. Attempt is zero-based.
func Linear(base, max time.Duration, attempt int) time.Duration {
	d := base * time.Duration(attempt+1)
	if max > 0 && d > max {
		return max
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
