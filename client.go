package httptoolkit

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single transport call of the default http.Client.
const DefaultTimeout = 30 * time.Second

// Client sends requests through a middleware pipeline composed once at
// construction. It is safe for concurrent use: concurrent calls share only
// the immutable composed handler and the middleware configuration.
type Client struct {
	httpClient      *http.Client
	transport       RoundTripper
	timeout         time.Duration
	middleware      []Middleware
	logger          zerolog.Logger
	metrics         *MetricsCollector
	handler         RoundTripper
	closed          atomic.Bool
	validationError error
}

// New constructs a Client using the provided functional options and composes
// its pipeline. Configuration problems do not panic; they are reported by
// IsValid / ValidationError and returned from every Do call.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
		return client
	}

	pipeline, err := NewPipeline(client.middleware...)
	if err != nil {
		client.validationError = newClientError(ErrorTypeValidation, "middleware composition failed", err, nil)
		return client
	}
	client.handler = pipeline.Then(client.baseTransport())

	observers, requestTransformers, responseTransformers, wrappers := pipeline.Counts()
	client.logger.Debug().
		Int("observers", observers).
		Int("requestTransformers", requestTransformers).
		Int("responseTransformers", responseTransformers).
		Int("wrappers", wrappers).
		Msg("Pipeline composed")

	return client
}

func (c *Client) baseTransport() RoundTripper {
	if c.transport != nil {
		return c.transport
	}
	return RoundTripperFunc(c.httpClient.Do)
}

// Get performs an HTTP GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an HTTP POST with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Do sends req through the composed pipeline. req must not be modified
// after it is handed to Do.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.handler.RoundTrip(req)
}

// RoundTrip lets a Client be used as the transport of another pipeline.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Do(req)
}

// Close releases idle connections held by the transport. It is safe to call
// more than once; later Do calls fail with ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	type idleCloser interface {
		CloseIdleConnections()
	}
	if ic, ok := c.transport.(idleCloser); ok {
		ic.CloseIdleConnections()
	} else if c.transport == nil && c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}

	if closer, ok := c.transport.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Metrics returns the collector attached with WithMetricsCollector, or nil.
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func getEndpointFromRequest(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	host := req.URL.Host
	path := req.URL.Path

	var builder strings.Builder
	builder.WriteString(host)

	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}
