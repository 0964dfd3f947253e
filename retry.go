package httptoolkit

import (
	"context"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultMaxRetries is the number of retries performed when none is configured.
const DefaultMaxRetries = 3

// ErrorDecider decides whether a transport error is retried. attempt is the
// 1-indexed attempt that just failed and nextDelay the delay that will be
// waited before the next attempt.
type ErrorDecider func(err error, attempt int, nextDelay time.Duration) bool

// ResponseDecider decides whether a response is retried. Arguments follow
// ErrorDecider.
type ResponseDecider func(resp *http.Response, attempt int, nextDelay time.Duration) bool

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retry is a Wrapper that re-issues failed requests. Transport errors are
// retried by default; responses are only retried when a ResponseDecider opts
// in. Retry holds no per-request state and is safe for concurrent use.
type Retry struct {
	maxRetries   int
	strategy     BackoffStrategy
	whenError    ErrorDecider
	whenResponse ResponseDecider
	sleep        SleepFunc
	logger       zerolog.Logger
	metrics      *MetricsCollector
	budget       *RetryBudget
}

// RetryOption configures a Retry.
type RetryOption func(*Retry)

// RetryMaxRetries sets how many attempts follow the first one. Zero disables
// retrying; negative values are treated as zero.
func RetryMaxRetries(n int) RetryOption {
	return func(r *Retry) {
		if n < 0 {
			n = 0
		}
		r.maxRetries = n
	}
}

// RetryBackoff sets the backoff strategy.
func RetryBackoff(strategy BackoffStrategy) RetryOption {
	return func(r *Retry) {
		if strategy != nil {
			r.strategy = strategy
		}
	}
}

// RetryWhenError sets the transport error decider.
func RetryWhenError(fn ErrorDecider) RetryOption {
	return func(r *Retry) {
		r.whenError = fn
	}
}

// RetryWhenResponse sets the response decider.
func RetryWhenResponse(fn ResponseDecider) RetryOption {
	return func(r *Retry) {
		r.whenResponse = fn
	}
}

// RetrySleep replaces the delay wait, mainly for tests with fake clocks.
func RetrySleep(fn SleepFunc) RetryOption {
	return func(r *Retry) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// RetryLogger sets the logger used for debug events about scheduled retries.
func RetryLogger(logger zerolog.Logger) RetryOption {
	return func(r *Retry) {
		r.logger = logger
	}
}

// RetryMetrics records every retry attempt on collector.
func RetryMetrics(collector *MetricsCollector) RetryOption {
	return func(r *Retry) {
		r.metrics = collector
	}
}

// RetryWithBudget caps retries across every request sharing budget. When the
// budget is spent the last outcome is returned as if retries were exhausted.
func RetryWithBudget(budget *RetryBudget) RetryOption {
	return func(r *Retry) {
		r.budget = budget
	}
}

// RetryBudget limits how many retries a group of requests may spend, so that
// a struggling upstream is not hit by every caller's full retry allowance at
// once. It is safe for concurrent use.
type RetryBudget struct {
	limiter *rate.Limiter
}

// NewRetryBudget allows maxRetries retries per window, refilled continuously.
// A non-positive window grants maxRetries once and never refills.
func NewRetryBudget(maxRetries int, window time.Duration) *RetryBudget {
	if maxRetries < 0 {
		maxRetries = 0
	}
	limit := rate.Limit(0)
	if window > 0 && maxRetries > 0 {
		limit = rate.Every(window / time.Duration(maxRetries))
	}
	return &RetryBudget{limiter: rate.NewLimiter(limit, maxRetries)}
}

// Allow spends one retry from the budget. A nil budget always allows.
func (b *RetryBudget) Allow() bool {
	if b == nil {
		return true
	}
	return b.limiter.Allow()
}

// NewRetry creates a retry middleware. Defaults: DefaultMaxRetries retries,
// ExponentialBackoff(DefaultExponentialBase), every transport error retried,
// no response retried.
func NewRetry(opts ...RetryOption) *Retry {
	r := &Retry{
		maxRetries: DefaultMaxRetries,
		strategy:   ExponentialBackoff(DefaultExponentialBase),
		sleep:      sleepContext,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxRetries returns the configured retry count.
func (r *Retry) MaxRetries() int {
	return r.maxRetries
}

// Handle implements Wrapper. The first attempt sends req itself; every later
// attempt sends a fresh copy of req, never the previous attempt's request,
// whose body may already be consumed.
func (r *Retry) Handle(req *http.Request, next RoundTripper) (*http.Response, error) {
	ctx := req.Context()
	endpoint := getEndpointFromRequest(req)

	var snapshot *RequestSnapshot
	current := req

	for attempt := 1; ; attempt++ {
		delay := r.strategy.Delay(attempt)

		if attempt > 1 {
			current = snapshot.Request(ctx)
			r.metrics.RecordRetry(req.Method, endpoint, attempt-1)
		}

		resp, err := next.RoundTrip(current)
		if err != nil {
			if attempt > r.maxRetries {
				return resp, err
			}
			if r.whenError != nil && !r.whenError(err, attempt, delay) {
				return resp, err
			}
			r.logger.Debug().
				Str("method", req.Method).
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(err).
				Msg("Scheduling retry after error")
		} else {
			if attempt > r.maxRetries || r.whenResponse == nil || !r.whenResponse(resp, attempt, delay) {
				return resp, nil
			}
			r.logger.Debug().
				Str("method", req.Method).
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Int("status", resp.StatusCode).
				Dur("delay", delay).
				Msg("Scheduling retry after response")
		}

		if !r.budget.Allow() {
			r.metrics.RecordRetryBudgetExceeded(req.Method, endpoint)
			r.logger.Debug().
				Str("method", req.Method).
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Msg("Retry budget exhausted")
			return resp, err
		}

		// Some transports hand back a response alongside an error; it is
		// released the same way as a retried response.
		drainBody(resp)

		if snapshot == nil {
			if snapshot, err = SnapshotRequest(req); err != nil {
				return nil, err
			}
		}

		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// drainBody reads the remaining body and closes it so the underlying
// connection can be reused.
func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryOnStatus retries responses whose status is one of codes.
func RetryOnStatus(codes ...int) ResponseDecider {
	return func(resp *http.Response, _ int, _ time.Duration) bool {
		return slices.Contains(codes, resp.StatusCode)
	}
}

// RetryOnServerErrors retries 5xx responses and 429 Too Many Requests.
func RetryOnServerErrors() ResponseDecider {
	return func(resp *http.Response, _ int, _ time.Duration) bool {
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	}
}

// RetryIdempotentOnly restricts decider to idempotent request methods.
func RetryIdempotentOnly(decider ResponseDecider) ResponseDecider {
	return func(resp *http.Response, attempt int, delay time.Duration) bool {
		if resp.Request != nil && !DefaultIsIdempotent(resp.Request.Method) {
			return false
		}
		return decider(resp, attempt, delay)
	}
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
