package httptoolkit

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// KeyFunc derives the limiter key of a request.
type KeyFunc func(req *http.Request) string

// RateLimiterRegistry hands out one *rate.Limiter per key, created on first
// use with the registry's default limit. A nil key function shares a single
// limiter across all requests.
type RateLimiterRegistry struct {
	mutex    sync.RWMutex
	limiters map[string]*rate.Limiter
	keyFunc  KeyFunc
	limit    rate.Limit
	burst    int
	fallback *rate.Limiter
}

// NewRateLimiterRegistry creates a registry with a default limit of rps
// requests per second and the given burst.
func NewRateLimiterRegistry(keyFunc KeyFunc, rps float64, burst int) *RateLimiterRegistry {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		keyFunc:  keyFunc,
		limit:    rate.Limit(rps),
		burst:    burst,
		fallback: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// RegisterLimiter overrides the limiter for the given key.
func (r *RateLimiterRegistry) RegisterLimiter(key string, limiter *rate.Limiter) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.limiters[key] = limiter
}

// GetLimiter returns the limiter for the given request along with its key.
func (r *RateLimiterRegistry) GetLimiter(req *http.Request) (*rate.Limiter, string) {
	if r.keyFunc == nil {
		return r.fallback, "default"
	}

	key := r.keyFunc(req)

	r.mutex.RLock()
	limiter, exists := r.limiters[key]
	r.mutex.RUnlock()
	if exists {
		return limiter, key
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if limiter, exists = r.limiters[key]; !exists {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = limiter
	}
	return limiter, key
}

// Len returns the number of keyed limiters created so far.
func (r *RateLimiterRegistry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.limiters)
}

// DefaultHostKeyFunc generates a key based on the request host.
func DefaultHostKeyFunc(req *http.Request) string {
	if req.URL.Host != "" {
		return "host:" + req.URL.Host
	}
	if req.Host != "" {
		return "host:" + req.Host
	}
	return "host:unknown"
}

// DefaultRouteKeyFunc generates a key based on the request method and path.
func DefaultRouteKeyFunc(req *http.Request) string {
	return "route:" + req.Method + ":" + req.URL.Path
}
