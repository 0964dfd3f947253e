package httptoolkit

import (
	"errors"
	"net/http"
	"time"
)

// RateLimiter is a Wrapper that waits for a token before every call to the
// rest of the pipeline. Waiting honours the request context; a request whose
// context ends first fails with a ClientError wrapping ErrRateLimited.
type RateLimiter struct {
	limiters *RateLimiterRegistry
	metrics  *MetricsCollector
	name     string
}

// NewRateLimiter allows rps requests per second with bursts of burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: NewRateLimiterRegistry(nil, rps, burst),
		name:     "default",
	}
}

// NewKeyedRateLimiter keeps one token bucket per key returned by keyFunc,
// e.g. DefaultHostKeyFunc for per-host limits.
func NewKeyedRateLimiter(keyFunc KeyFunc, rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: NewRateLimiterRegistry(keyFunc, rps, burst),
		name:     "keyed",
	}
}

// WithMetrics records token wait times on collector under name.
func (rl *RateLimiter) WithMetrics(name string, collector *MetricsCollector) *RateLimiter {
	rl.name = name
	rl.metrics = collector
	return rl
}

// Registry exposes the limiter registry, e.g. to register custom limits.
func (rl *RateLimiter) Registry() *RateLimiterRegistry {
	return rl.limiters
}

// Handle implements Wrapper.
func (rl *RateLimiter) Handle(req *http.Request, next RoundTripper) (*http.Response, error) {
	limiter, key := rl.limiters.GetLimiter(req)

	start := time.Now()
	if err := limiter.Wait(req.Context()); err != nil {
		rl.metrics.RecordError(ErrorTypeRateLimit, req.Method, getEndpointFromRequest(req))
		return nil, newClientError(ErrorTypeRateLimit, "rate limit wait aborted for "+key, errors.Join(ErrRateLimited, err), req)
	}
	rl.metrics.RecordRateLimiterWait(rl.name, time.Since(start))

	return next.RoundTrip(req)
}
