package backoff

import (
	"time"
)

// ClampFraction ensures a jitter fraction is within [0, 1].
func ClampFraction(fraction float64) float64 {
	if fraction < 0 {
		return 0
	}
	if fraction > 1 {
		return 1
	}
	return fraction
}

// Jitter adds up to fraction*d of extra delay. rnd must return a value in
// [0, 1); the result saturates instead of overflowing.
func Jitter(d time.Duration, fraction float64, rnd func() float64) time.Duration {
	fraction = ClampFraction(fraction)
	if d <= 0 || fraction == 0 || rnd == nil {
		return d
	}
	extra := time.Duration(float64(d) * fraction * rnd())
	if extra <= 0 {
		return d
	}
	if d > maxDuration-extra {
		return maxDuration
	}
	return d + extra
}
