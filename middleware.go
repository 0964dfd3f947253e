package httptoolkit

import (
	"net/http"
)

// Middleware is any value implementing at least one of RequestObserver,
// RequestTransformer, ResponseTransformer or Wrapper. A value implementing
// several roles takes part in each of them independently.
type Middleware any

// RequestObserver sees every outgoing request for side effects only.
// Observers run in declaration order and must not change the request.
type RequestObserver interface {
	ObserveRequest(req *http.Request)
}

// RequestTransformer returns the request that replaces req downstream.
// Implementations should clone before changing anything.
type RequestTransformer interface {
	TransformRequest(req *http.Request) (*http.Request, error)
}

// ResponseTransformer returns the response that replaces resp upstream. A
// transformer that reads the body must hand back a response with a fresh
// body so later consumers are not starved.
type ResponseTransformer interface {
	TransformResponse(resp *http.Response) (*http.Response, error)
}

// Wrapper controls the full lifecycle of a request. It may call next zero
// times (short-circuit), once, or several times (retries).
type Wrapper interface {
	Handle(req *http.Request, next RoundTripper) (*http.Response, error)
}

// ObserverFunc adapts a function to RequestObserver.
type ObserverFunc func(req *http.Request)

func (f ObserverFunc) ObserveRequest(req *http.Request) {
	f(req)
}

// RequestTransformerFunc adapts a function to RequestTransformer.
type RequestTransformerFunc func(req *http.Request) (*http.Request, error)

func (f RequestTransformerFunc) TransformRequest(req *http.Request) (*http.Request, error) {
	return f(req)
}

// ResponseTransformerFunc adapts a function to ResponseTransformer.
type ResponseTransformerFunc func(resp *http.Response) (*http.Response, error)

func (f ResponseTransformerFunc) TransformResponse(resp *http.Response) (*http.Response, error) {
	return f(resp)
}

// MiddlewareFunc adapts a function to Wrapper.
type MiddlewareFunc func(req *http.Request, next RoundTripper) (*http.Response, error)

func (f MiddlewareFunc) Handle(req *http.Request, next RoundTripper) (*http.Response, error) {
	return f(req, next)
}

// isMiddleware reports whether m implements at least one role.
func isMiddleware(m Middleware) bool {
	switch m.(type) {
	case RequestObserver, RequestTransformer, ResponseTransformer, Wrapper:
		return true
	default:
		return false
	}
}
