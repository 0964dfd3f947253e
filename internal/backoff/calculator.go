package backoff

import (
	"math"
	"time"
)

// maxDuration is the largest representable delay. Calculations saturate here
// instead of wrapping around to negative values.
const maxDuration = time.Duration(math.MaxInt64)

// Linear returns base*attempt. Attempts below 1 are treated as 1.
func Linear(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if base > maxDuration/time.Duration(attempt) {
		return maxDuration
	}
	return base * time.Duration(attempt)
}

// Exponential returns base*2^(attempt-1) using integer shifts on the
// nanosecond count, so there is no floating point drift between attempts.
// Attempts below 1 are treated as 1.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift >= 63 || base > maxDuration>>shift {
		return maxDuration
	}
	return base << shift
}

// Clamp limits d to [0, limit]. A non-positive limit disables the upper bound.
func Clamp(d, limit time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
