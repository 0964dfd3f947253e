package httptoolkit

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WithMiddleware appends middleware to the client. Order matters: see
// Pipeline.Then for how the roles are composed.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithTransport sets the transport at the end of the pipeline. It takes
// precedence over WithHTTPClient.
func WithTransport(transport RoundTripper) Option {
	return func(c *Client) {
		c.transport = transport
	}
}

// WithHTTPClient uses a copy of client as the transport. The copy shares
// client's Transport, Jar and CheckRedirect, but timeouts set through the
// Client never write back into client, so passing http.DefaultClient is safe.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client == nil {
			c.httpClient = nil
			return
		}
		copied := *client
		if c.timeout != 0 && copied.Timeout == 0 {
			copied.Timeout = c.timeout
		}
		c.httpClient = &copied
	}
}

// WithTimeout sets the per-call timeout of the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger for client debug events.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetricsCollector attaches collector to the client so that it can be
// served with Client.Metrics().Handler(). It does not add the Metrics
// middleware.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errs []error

	errs = append(errs, c.validateTransportConfig()...)
	errs = append(errs, c.validateMiddlewareConfig()...)

	if len(errs) > 0 {
		return &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "configuration validation failed",
			Cause:     errors.Join(errs...),
			Timestamp: time.Now(),
		}
	}

	return nil
}

func (c *Client) validateTransportConfig() []error {
	var errs []error

	if c.transport == nil && c.httpClient == nil {
		errs = append(errs, errors.New("HTTP client cannot be nil when no transport is set"))
	}

	if c.timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}

	if c.timeout > 10*time.Minute {
		errs = append(errs, errors.New("timeout > 10m may cause requests to hang for too long"))
	}

	return errs
}

func (c *Client) validateMiddlewareConfig() []error {
	var errs []error

	for i, middleware := range c.middleware {
		if middleware == nil || isNilAdapter(middleware) {
			errs = append(errs, fmt.Errorf("%w: middleware[%d] cannot be nil", ErrInvalidMiddleware, i))
			continue
		}
		if !isMiddleware(middleware) {
			errs = append(errs, fmt.Errorf("%w: middleware[%d] of type %T implements no middleware role", ErrInvalidMiddleware, i, middleware))
		}
	}

	return errs
}
