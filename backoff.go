package outbox

import (
	"math"
	"time"
)

// BackoffFunc returns how long the processor waits before the next cycle after
// the given number of consecutive failed cycles.
type BackoffFunc func(failures int) time.Duration

// Fixed returns a BackoffFunc that waits the same delay whatever the number of failures.
func Fixed(delay time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a BackoffFunc doubling the delay on every consecutive failure,
// capped to maxDelay.
//
// For example, with delay of 200 milliseconds and maxDelay of 1 minute:
//
// Delay after failure 1: 200ms
// Delay after failure 2: 400ms
// Delay after failure 3: 800ms
// ...
// Delay after failure 9: 51.2s
// Delay after failure 10: 1m0s
func Exponential(delay time.Duration, maxDelay time.Duration) BackoffFunc {
	if delay <= 0 {
		return Fixed(0)
	}

	// highest shift that cannot overflow an int64
	logDelay := math.Floor(math.Log2(float64(delay)))
	var maxShifts uint
	if logDelay < 62 {
		maxShifts = 62 - uint(logDelay)
	}

	return func(failures int) time.Duration {
		if failures <= 1 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(failures-1), maxShifts)
		return min(delay<<n, maxDelay)
	}
}
