package httptoolkit

import (
	"net/http"
	"sync/atomic"
	"time"
)

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.IsFailure == nil {
		config.IsFailure = defaultIsFailure
	}
	if config.Name == "" {
		config.Name = "default"
	}

	return &CircuitBreaker{
		config: config,
		state:  int64(StateClosed),
	}
}

func defaultIsFailure(resp *http.Response, err error) bool {
	return err != nil || (resp != nil && resp.StatusCode >= 500)
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Handle implements Wrapper. Open circuits fail with a ClientError wrapping
// ErrCircuitOpen without calling next.
func (cb *CircuitBreaker) Handle(req *http.Request, next RoundTripper) (*http.Response, error) {
	if !cb.Allow() {
		cb.config.Metrics.RecordError(ErrorTypeCircuitOpen, req.Method, getEndpointFromRequest(req))
		return nil, newClientError(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen, req)
	}

	resp, err := next.RoundTrip(req)
	if cb.config.IsFailure(resp, err) {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	cb.config.Metrics.RecordCircuitBreakerState(cb.config.Name, cb.State())

	return resp, err
}

// Allow checks if the request should be allowed through the circuit breaker.
// In the half-open state it hands out at most SuccessThreshold trial slots;
// a caller that gets true must report the outcome with RecordSuccess or
// RecordFailure, which frees the slot.
func (cb *CircuitBreaker) Allow() bool {
	now := time.Now().UnixNano()
	state := CircuitState(atomic.LoadInt64(&cb.state))

	switch state {
	case StateClosed:
		return true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if now-lastFailure < int64(cb.config.RecoveryTimeout) {
			return false
		}
		if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
			atomic.StoreInt64(&cb.successes, 0)
		}
		return cb.State() == StateHalfOpen && cb.acquireTrial()
	case StateHalfOpen:
		return cb.acquireTrial()
	default:
		return false
	}
}

func (cb *CircuitBreaker) acquireTrial() bool {
	if atomic.AddInt64(&cb.trials, 1) <= int64(cb.config.SuccessThreshold) {
		return true
	}
	atomic.AddInt64(&cb.trials, -1)
	return false
}

func (cb *CircuitBreaker) releaseTrial() {
	for {
		trials := atomic.LoadInt64(&cb.trials)
		if trials <= 0 || atomic.CompareAndSwapInt64(&cb.trials, trials, trials-1) {
			return
		}
	}
}

// RecordFailure records a failure in the circuit breaker
func (cb *CircuitBreaker) RecordFailure() {
	now := time.Now().UnixNano()
	atomic.StoreInt64(&cb.lastFailure, now)

	state := CircuitState(atomic.LoadInt64(&cb.state))

	switch state {
	case StateClosed:
		failures := atomic.AddInt64(&cb.failures, 1)
		if failures >= int64(cb.config.FailureThreshold) {
			atomic.StoreInt64(&cb.trials, 0)
			atomic.StoreInt64(&cb.state, int64(StateOpen))
		}
	case StateOpen:
		// only lastFailure moves
	case StateHalfOpen:
		// a failed trial re-opens immediately
		atomic.AddInt64(&cb.failures, 1)
		atomic.StoreInt64(&cb.trials, 0)
		atomic.StoreInt64(&cb.state, int64(StateOpen))
		atomic.StoreInt64(&cb.successes, 0)
	}
}

// RecordSuccess records a success in the circuit breaker
func (cb *CircuitBreaker) RecordSuccess() {
	state := CircuitState(atomic.LoadInt64(&cb.state))

	switch state {
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case StateHalfOpen:
		successes := atomic.AddInt64(&cb.successes, 1)
		if successes >= int64(cb.config.SuccessThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateClosed))
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
			atomic.StoreInt64(&cb.trials, 0)
			return
		}
		cb.releaseTrial()
	}
}
