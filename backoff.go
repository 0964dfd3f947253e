package httptoolkit

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	internalbackoff "github.com/maranix/http-toolkit/internal/backoff"
)

// DefaultExponentialBase is the first delay of ExponentialBackoff when no
// base is given: 500ms, 1s, 2s, 4s, 8s, ...
const DefaultExponentialBase = 500 * time.Millisecond

// BackoffStrategy maps a 1-indexed attempt number to the delay to wait before
// the next attempt. Implementations must be safe for concurrent use.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// BackoffFunc adapts a plain function to BackoffStrategy.
type BackoffFunc func(attempt int) time.Duration

// Delay implements BackoffStrategy.
func (f BackoffFunc) Delay(attempt int) time.Duration {
	return f(attempt)
}

type fixedBackoff struct {
	delay time.Duration
}

// FixedBackoff waits the same delay before every attempt.
func FixedBackoff(delay time.Duration) BackoffStrategy {
	return fixedBackoff{delay: internalbackoff.Clamp(delay, 0)}
}

func (b fixedBackoff) Delay(int) time.Duration {
	return b.delay
}

type linearBackoff struct {
	base time.Duration
}

// LinearBackoff waits base*attempt.
func LinearBackoff(base time.Duration) BackoffStrategy {
	return linearBackoff{base: base}
}

func (b linearBackoff) Delay(attempt int) time.Duration {
	return internalbackoff.Linear(b.base, attempt)
}

type exponentialBackoff struct {
	base time.Duration
}

// ExponentialBackoff waits base*2^(attempt-1). A non-positive base falls back
// to DefaultExponentialBase.
func ExponentialBackoff(base time.Duration) BackoffStrategy {
	if base <= 0 {
		base = DefaultExponentialBase
	}
	return exponentialBackoff{base: base}
}

func (b exponentialBackoff) Delay(attempt int) time.Duration {
	return internalbackoff.Exponential(b.base, attempt)
}

// CappedBackoff limits every delay of strategy to limit.
func CappedBackoff(strategy BackoffStrategy, limit time.Duration) BackoffStrategy {
	return BackoffFunc(func(attempt int) time.Duration {
		return internalbackoff.Clamp(strategy.Delay(attempt), limit)
	})
}

// JitteredBackoff adds up to fraction*delay of uniform random jitter on top of
// strategy. fraction is clamped to [0, 1].
func JitteredBackoff(strategy BackoffStrategy, fraction float64) BackoffStrategy {
	fraction = internalbackoff.ClampFraction(fraction)
	return BackoffFunc(func(attempt int) time.Duration {
		return internalbackoff.Jitter(strategy.Delay(attempt), fraction, rand.Float64)
	})
}

// ParseBackoff builds a strategy from its configuration name.
func ParseBackoff(kind string, base time.Duration) (BackoffStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "fixed":
		return FixedBackoff(base), nil
	case "linear":
		return LinearBackoff(base), nil
	case "", "exponential":
		return ExponentialBackoff(base), nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", kind)
	}
}
