package httptoolkit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// RequestSnapshot is an immutable copy of everything needed to re-send a
// request: method, URL, headers and the body bytes.
type RequestSnapshot struct {
	method        string
	url           *url.URL
	header        http.Header
	host          string
	contentLength int64
	body          []byte
	hasBody       bool
	template      *http.Request
}

// SnapshotRequest captures req so that any number of independent copies can
// be produced later. The body is read through req.GetBody and never from
// req.Body itself, so req remains sendable. A body without GetBody is a
// one-shot stream and fails with ErrUnclonableBody instead of being buffered.
func SnapshotRequest(req *http.Request) (*RequestSnapshot, error) {
	snap := &RequestSnapshot{
		method:        req.Method,
		header:        req.Header.Clone(),
		host:          req.Host,
		contentLength: req.ContentLength,
		template:      req,
	}
	if req.URL != nil {
		u := *req.URL
		if req.URL.User != nil {
			user := *req.URL.User
			u.User = &user
		}
		snap.url = &u
	}

	if req.Body == nil || req.Body == http.NoBody {
		return snap, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("%w: %s %s has a streamed body", ErrUnclonableBody, req.Method, req.URL.Redacted())
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnclonableBody, err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnclonableBody, err)
	}
	snap.body = data
	snap.hasBody = true
	return snap, nil
}

// Body returns a copy of the captured body bytes.
func (s *RequestSnapshot) Body() []byte {
	return bytes.Clone(s.body)
}

// Request builds a fresh request bound to ctx. Every call returns an
// independent body reader, and the result carries a GetBody that replays the
// same bytes.
func (s *RequestSnapshot) Request(ctx context.Context) *http.Request {
	req := s.template.Clone(ctx)
	req.Method = s.method
	req.Header = s.header.Clone()
	req.Host = s.host
	if s.url != nil {
		u := *s.url
		req.URL = &u
	}

	if !s.hasBody {
		if s.template.Body == http.NoBody {
			req.Body = http.NoBody
		} else {
			req.Body = nil
		}
		req.GetBody = nil
		req.ContentLength = s.contentLength
		return req
	}

	body := s.body
	req.ContentLength = int64(len(body))
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return req
}

// CloneRequest returns an independent, re-sendable copy of req that keeps
// req's context.
func CloneRequest(req *http.Request) (*http.Request, error) {
	snap, err := SnapshotRequest(req)
	if err != nil {
		return nil, err
	}
	return snap.Request(req.Context()), nil
}
