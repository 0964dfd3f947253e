package httptoolkit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// HeaderXRequestID is the default header carrying the request ID.
const HeaderXRequestID = "X-Request-ID"

// Headers sets every header in headers on each request, replacing values the
// caller already set (last write wins).
func Headers(headers map[string]string) RequestTransformer {
	header := make(http.Header, len(headers))
	for k, v := range headers {
		header.Set(k, v)
	}
	return RequestTransformerFunc(func(req *http.Request) (*http.Request, error) {
		out := req.Clone(req.Context())
		for k, v := range header {
			out.Header[k] = append([]string(nil), v...)
		}
		return out, nil
	})
}

// DefaultHeaders sets headers the caller did not set.
func DefaultHeaders(headers map[string]string) RequestTransformer {
	header := make(http.Header, len(headers))
	for k, v := range headers {
		header.Set(k, v)
	}
	return RequestTransformerFunc(func(req *http.Request) (*http.Request, error) {
		out := req.Clone(req.Context())
		for k, v := range header {
			if _, exists := out.Header[k]; !exists {
				out.Header[k] = append([]string(nil), v...)
			}
		}
		return out, nil
	})
}

// UserAgent sets the User-Agent header.
func UserAgent(userAgent string) RequestTransformer {
	return Headers(map[string]string{"User-Agent": userAgent})
}

// BaseURL resolves requests with a relative URL against base. Requests that
// already carry a scheme and host pass through untouched.
//
// Request transformers apply in declaration order, so the first BaseURL in
// the middleware list resolves the request and every later one sees an
// absolute URL and stands aside. Declare the more specific base first and
// the general fallback after it:
//
//	WithMiddleware(
//		MustBaseURL("https://orders.internal/v2/"), // specific
//		MustBaseURL("https://api.example.com/"),    // fallback, never reached for relative URLs
//	)
//
// An absolute URL on the request itself always takes precedence over every
// BaseURL.
func BaseURL(base string) (RequestTransformer, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host are required", base)
	}

	return RequestTransformerFunc(func(req *http.Request) (*http.Request, error) {
		if req.URL != nil && req.URL.IsAbs() && req.URL.Host != "" {
			return req, nil
		}
		out := req.Clone(req.Context())
		out.URL = joinURL(u, req.URL)
		out.Host = ""
		return out, nil
	}), nil
}

// MustBaseURL is like BaseURL but panics on an invalid base.
func MustBaseURL(base string) RequestTransformer {
	t, err := BaseURL(base)
	if err != nil {
		panic(err)
	}
	return t
}

func joinURL(base, rel *url.URL) *url.URL {
	joined := *base
	if rel == nil {
		return &joined
	}

	if rel.Path != "" {
		joined.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(rel.Path, "/")
		joined.RawPath = ""
	}
	if rel.RawQuery != "" {
		if base.RawQuery != "" {
			joined.RawQuery = base.RawQuery + "&" + rel.RawQuery
		} else {
			joined.RawQuery = rel.RawQuery
		}
	}
	joined.Fragment = rel.Fragment
	return &joined
}

type requestIDKey struct{}

// WithRequestID stores id in ctx so RequestID reuses it across attempts.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// RequestID sets header (HeaderXRequestID when empty) to the ID stored in the
// request context, or a new UUID when there is none. A header the caller set
// explicitly is kept.
func RequestID(header string) RequestTransformer {
	if header == "" {
		header = HeaderXRequestID
	}
	return RequestTransformerFunc(func(req *http.Request) (*http.Request, error) {
		if req.Header.Get(header) != "" {
			return req, nil
		}
		id, ok := RequestIDFromContext(req.Context())
		if !ok {
			id = uuid.New().String()
		}
		out := req.Clone(req.Context())
		out.Header.Set(header, id)
		return out, nil
	})
}
