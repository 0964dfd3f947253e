package httptoolkit

import (
	"net/http"
	"time"
)

// RoundTripper is the transport boundary: anything that turns a request into
// a response. The composed pipeline is itself a RoundTripper.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for transports and continuations.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option represents a client configuration option.
type Option func(*Client)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	// IsFailure classifies an attempt outcome. Defaults to transport errors
	// and 5xx responses.
	IsFailure func(resp *http.Response, err error) bool
	// Name labels the breaker in metrics. Defaults to "default".
	Name    string
	Metrics *MetricsCollector
}

// CircuitBreaker is a Wrapper that stops calling the transport after
// repeated failures and lets trial requests through again after
// RecoveryTimeout. While half-open at most SuccessThreshold trial requests
// are in flight at once.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	lastFailure int64
	successes   int64
	trials      int64
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CacheEntry represents a cached response
type CacheEntry struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	// ExpiresAt is when the store may evict the entry. It is usually later
	// than FreshUntil so that stale entries can still be revalidated.
	ExpiresAt time.Time
	// FreshUntil is when the entry stops being served without revalidation.
	FreshUntil time.Time
	// ETag and LastModified are the validators sent when revalidating.
	ETag         string
	LastModified string
	// NoCache requires revalidation before every use.
	NoCache bool
	// MustRevalidate forbids serving the entry once it is stale.
	MustRevalidate bool
	// StaleWhileRevalidate is how long past FreshUntil the entry may still be
	// served while it is revalidated in the background.
	StaleWhileRevalidate time.Duration
}

func (e *CacheEntry) hasValidators() bool {
	return e.ETag != "" || e.LastModified != ""
}

func (e *CacheEntry) isFresh(now time.Time) bool {
	return !e.NoCache && now.Before(e.FreshUntil)
}

func (e *CacheEntry) isServableStale(now time.Time) bool {
	return !e.NoCache && !e.MustRevalidate && e.StaleWhileRevalidate > 0 &&
		now.Before(e.FreshUntil.Add(e.StaleWhileRevalidate))
}

// Cache is the storage behind the cache middleware. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	Clear()
}

// CacheCondition determines whether a request should be cached
type CacheCondition func(req *http.Request) bool

type contextKey string

const (
	// CacheControlKey is the context key for per-request cache overrides.
	CacheControlKey contextKey = "httptoolkit_cache_control"
)

// CacheControl holds cache control options for a request
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}

// ClientError describes a failure produced by a middleware owned by this
// package (circuit breaker, rate limiter, configuration). Transport errors
// are never wrapped in a ClientError.
type ClientError struct {
	Type      string
	Message   string
	Cause     error
	Method    string
	URL       string
	Timestamp time.Time
}
