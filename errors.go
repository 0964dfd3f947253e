package httptoolkit

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("httptoolkit: circuit open")

	// ErrRateLimited is returned when a request is denied due to rate limiting
	ErrRateLimited = errors.New("httptoolkit: rate limited")

	// ErrUnclonableBody is returned when a request body is a one-shot stream
	// that cannot be replayed for another attempt.
	ErrUnclonableBody = errors.New("httptoolkit: request body cannot be cloned")

	// ErrClientClosed is returned by Do after Close.
	ErrClientClosed = errors.New("httptoolkit: client closed")

	// ErrInvalidMiddleware is returned when a middleware value implements none
	// of the middleware roles.
	ErrInvalidMiddleware = errors.New("httptoolkit: invalid middleware")
)

// Error types carried by ClientError.Type.
const (
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeRateLimit   = "RateLimit"
	ErrorTypeValidation  = "Validation"
)

// IsTransient reports whether err is one of the library's own back-pressure
// errors, which usually succeed when tried again later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited)
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Method != "" && e.URL != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Method, e.URL, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

func newClientError(errorType, message string, cause error, req *http.Request) *ClientError {
	ce := &ClientError{
		Type:      errorType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
	if req != nil {
		ce.Method = req.Method
		if req.URL != nil {
			ce.URL = req.URL.Redacted()
		}
	}
	return ce
}
