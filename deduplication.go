package httptoolkit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"

	"golang.org/x/sync/singleflight"
)

// DeduplicationKeyFunc builds a key for identifying identical in-flight requests.
type DeduplicationKeyFunc func(*http.Request) string

// DeduplicationCondition decides whether a request is eligible for deduplication.
type DeduplicationCondition func(req *http.Request) bool

// Deduplicator is a Wrapper that merges concurrent identical requests into a
// single call of next. The shared response is buffered once and every caller
// receives its own copy with an independent body.
type Deduplicator struct {
	group     singleflight.Group
	keyFunc   DeduplicationKeyFunc
	condition DeduplicationCondition
	metrics   *MetricsCollector
}

// NewDeduplicator creates a deduplicator using the default key and condition.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		keyFunc:   DefaultDeduplicationKeyFunc,
		condition: DefaultDeduplicationCondition,
	}
}

// WithKeyFunc sets a custom deduplication key function.
func (d *Deduplicator) WithKeyFunc(fn DeduplicationKeyFunc) *Deduplicator {
	if fn != nil {
		d.keyFunc = fn
	}
	return d
}

// WithCondition sets a custom deduplication condition function.
func (d *Deduplicator) WithCondition(fn DeduplicationCondition) *Deduplicator {
	if fn != nil {
		d.condition = fn
	}
	return d
}

// WithMetrics counts shared results on collector.
func (d *Deduplicator) WithMetrics(collector *MetricsCollector) *Deduplicator {
	d.metrics = collector
	return d
}

type sharedResponse struct {
	resp *http.Response
	body []byte
}

// Handle implements Wrapper. Each caller waits under its own context: a
// caller whose context ends returns its context error while the shared call
// keeps running for the others. The shared call runs on a context detached
// from the caller that started it, so its cancellation does not fail the
// callers that joined.
func (d *Deduplicator) Handle(req *http.Request, next RoundTripper) (*http.Response, error) {
	if !d.condition(req) {
		return next.RoundTrip(req)
	}

	ctx := req.Context()
	shared := req.WithContext(context.WithoutCancel(ctx))

	ch := d.group.DoChan(d.keyFunc(req), func() (any, error) {
		resp, err := next.RoundTrip(shared)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &sharedResponse{resp: resp, body: body}, nil
	})

	var result singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result = <-ch:
	}
	if result.Err != nil {
		return nil, result.Err
	}
	if result.Shared {
		d.metrics.RecordDeduplicationHit(req.Method, getEndpointFromRequest(req))
	}

	original := result.Val.(*sharedResponse)
	resp := new(http.Response)
	*resp = *original.resp
	resp.Header = original.resp.Header.Clone()
	resp.Body = io.NopCloser(bytes.NewReader(original.body))
	resp.ContentLength = int64(len(original.body))
	resp.Request = req
	return resp, nil
}

// DefaultDeduplicationKeyFunc builds a key from method + URL (+ body hash for mutating verbs).
func DefaultDeduplicationKeyFunc(req *http.Request) string {
	h := fnv.New64a()
	h.Write([]byte(req.Method))
	h.Write([]byte(req.URL.String()))

	if req.Body != nil && (req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch) {
		bodyHash := sha256.New()
		if req.GetBody != nil {
			if body, err := req.GetBody(); err == nil {
				_, _ = io.Copy(bodyHash, body)
				_ = body.Close()
			}
		}
		h.Write(bodyHash.Sum(nil))
	}

	return fmt.Sprintf("%x", h.Sum64())
}

// DefaultDeduplicationCondition enables deduplication for safe idempotent methods.
func DefaultDeduplicationCondition(req *http.Request) bool {
	return req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions
}
