package httptoolkit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsCollectorWithRegistry(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	if collector == nil {
		t.Fatal("NewMetricsCollectorWithRegistry() returned nil")
	}
	if collector.requestsTotal == nil || collector.requestDuration == nil || collector.requestsInFlight == nil {
		t.Error("request metrics not initialized")
	}
	if collector.retriesTotal == nil || collector.circuitBreakerState == nil || collector.rateLimiterWaits == nil {
		t.Error("reliability metrics not initialized")
	}
	if collector.cacheHits == nil || collector.cacheMisses == nil || collector.cacheSize == nil {
		t.Error("cache metrics not initialized")
	}
	if collector.deduplicationHits == nil || collector.errorsTotal == nil {
		t.Error("deduplication or error metrics not initialized")
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *MetricsCollector

	collector.RecordRequest("GET", "example.com/", 200, time.Millisecond)
	collector.RecordRequestStart("GET", "example.com/")
	collector.RecordRequestEnd("GET", "example.com/")
	collector.RecordRetry("GET", "example.com/", 1)
	collector.RecordCircuitBreakerState("default", StateOpen)
	collector.RecordRateLimiterWait("default", time.Millisecond)
	collector.RecordCacheHit("GET", "example.com/")
	collector.RecordCacheMiss("GET", "example.com/")
	collector.RecordCacheSize("default", 1)
	collector.RecordError("Network", "GET", "example.com/")
	collector.RecordDeduplicationHit("GET", "example.com/")
}

func TestMetricsMiddlewareRecordsRequests(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	mw := Metrics(collector)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/api", nil)
	_, err := mw.Handle(req, RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return newTestResponse(req, http.StatusOK, ""), nil
	}))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got := testutil.ToFloat64(collector.requestsTotal.WithLabelValues("GET", "200", "example.com/api")); got != 1 {
		t.Errorf("Expected requests_total=1, got %v", got)
	}
	if got := testutil.ToFloat64(collector.requestsInFlight.WithLabelValues("GET", "example.com/api")); got != 0 {
		t.Errorf("Expected in-flight gauge back at 0, got %v", got)
	}
	if got := testutil.CollectAndCount(collector.requestDuration); got != 1 {
		t.Errorf("Expected 1 duration series, got %d", got)
	}
}

func TestMetricsMiddlewareClassifiesErrors(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	handler, err := Compose(
		RoundTripperFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}),
		NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}),
		Metrics(collector),
	)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	for range 2 {
		req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
		_, _ = handler.RoundTrip(req)
	}

	if got := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("Network", "GET", "example.com/")); got != 1 {
		t.Errorf("Expected 1 Network error, got %v", got)
	}
	if got := testutil.ToFloat64(collector.errorsTotal.WithLabelValues(ErrorTypeCircuitOpen, "GET", "example.com/")); got != 1 {
		t.Errorf("Expected 1 CircuitOpen error, got %v", got)
	}
	if got := testutil.ToFloat64(collector.requestsTotal.WithLabelValues("GET", "0", "example.com/")); got != 2 {
		t.Errorf("Expected 2 requests with status 0, got %v", got)
	}
}

func TestRetryRecordsRetries(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	calls := 0
	retry := NewRetry(
		RetryMaxRetries(2),
		RetryBackoff(FixedBackoff(0)),
		RetryMetrics(collector),
	)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/flaky", nil)
	_, _ = retry.Handle(req, RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("reset")
	}))

	if calls != 3 {
		t.Fatalf("Expected 3 attempts, got %d", calls)
	}
	for _, attempt := range []string{"1", "2"} {
		if got := testutil.ToFloat64(collector.retriesTotal.WithLabelValues("GET", "example.com/flaky", attempt)); got != 1 {
			t.Errorf("Expected retry %s to be counted once, got %v", attempt, got)
		}
	}
}

func TestRetryRecordsBudgetExceeded(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	calls := 0
	retry := NewRetry(
		RetryMaxRetries(3),
		RetryBackoff(FixedBackoff(0)),
		RetryMetrics(collector),
		RetryWithBudget(NewRetryBudget(1, time.Hour)),
	)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/flaky", nil)
	_, _ = retry.Handle(req, RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("reset")
	}))

	if calls != 2 {
		t.Fatalf("Expected 2 attempts, got %d", calls)
	}
	if got := testutil.ToFloat64(collector.retryBudgetExceeded.WithLabelValues("GET", "example.com/flaky")); got != 1 {
		t.Errorf("Expected budget_exceeded=1, got %v", got)
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	collector.RecordRequest("GET", "example.com/", 200, time.Millisecond)

	server := httptest.NewServer(collector.Handler())
	defer server.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "httptoolkit_requests_total") {
		t.Error("Expected httptoolkit_requests_total in exposition output")
	}
}
