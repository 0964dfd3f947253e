package httptoolkit

import (
	"fmt"
	"net/http"
)

// Pipeline holds middleware partitioned by role. Relative declaration order
// is preserved inside every bucket.
type Pipeline struct {
	observers            []RequestObserver
	requestTransformers  []RequestTransformer
	responseTransformers []ResponseTransformer
	wrappers             []Wrapper
}

// NewPipeline partitions middleware into role buckets in a single pass.
func NewPipeline(middleware ...Middleware) (*Pipeline, error) {
	p := &Pipeline{}
	for i, m := range middleware {
		if !isMiddleware(m) || isNilAdapter(m) {
			return nil, fmt.Errorf("%w: middleware[%d] of type %T implements no middleware role", ErrInvalidMiddleware, i, m)
		}
		if o, ok := m.(RequestObserver); ok {
			p.observers = append(p.observers, o)
		}
		if t, ok := m.(RequestTransformer); ok {
			p.requestTransformers = append(p.requestTransformers, t)
		}
		if t, ok := m.(ResponseTransformer); ok {
			p.responseTransformers = append(p.responseTransformers, t)
		}
		if w, ok := m.(Wrapper); ok {
			p.wrappers = append(p.wrappers, w)
		}
	}
	return p, nil
}

// Then composes the pipeline around transport and returns the resulting
// handler. The composition is:
//
//	wrappers (last declared outermost)
//	  -> observers (declaration order)
//	  -> request transformers (declaration order: T2(T1(req)))
//	  -> transport
//	  -> response transformers (reverse declaration order)
//
// so the first request transformer is the outermost layer on the way in and
// its response counterpart the outermost layer on the way out.
func (p *Pipeline) Then(transport RoundTripper) RoundTripper {
	observers := p.observers
	requestTransformers := p.requestTransformers
	responseTransformers := p.responseTransformers

	var handler RoundTripper = RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		for _, o := range observers {
			o.ObserveRequest(req)
		}

		var err error
		for _, t := range requestTransformers {
			if req, err = t.TransformRequest(req); err != nil {
				return nil, err
			}
		}

		resp, err := transport.RoundTrip(req)
		if err != nil {
			return resp, err
		}

		for i := len(responseTransformers) - 1; i >= 0; i-- {
			if resp, err = responseTransformers[i].TransformResponse(resp); err != nil {
				return resp, err
			}
		}
		return resp, nil
	})

	for _, w := range p.wrappers {
		wrapper := w
		next := handler
		handler = RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return wrapper.Handle(req, next)
		})
	}

	return handler
}

// Compose is shorthand for NewPipeline followed by Then.
func Compose(transport RoundTripper, middleware ...Middleware) (RoundTripper, error) {
	p, err := NewPipeline(middleware...)
	if err != nil {
		return nil, err
	}
	return p.Then(transport), nil
}

// Counts reports the size of each role bucket.
func (p *Pipeline) Counts() (observers, requestTransformers, responseTransformers, wrappers int) {
	return len(p.observers), len(p.requestTransformers), len(p.responseTransformers), len(p.wrappers)
}

func isNilAdapter(m Middleware) bool {
	switch f := m.(type) {
	case ObserverFunc:
		return f == nil
	case RequestTransformerFunc:
		return f == nil
	case ResponseTransformerFunc:
		return f == nil
	case MiddlewareFunc:
		return f == nil
	default:
		return false
	}
}
