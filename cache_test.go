package httptoolkit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingOrigin serves a numbered body per call.
type countingOrigin struct {
	mu     sync.Mutex
	calls  int
	status int
	header http.Header
}

func (o *countingOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	o.calls++
	n := o.calls
	o.mu.Unlock()

	status := o.status
	if status == 0 {
		status = http.StatusOK
	}
	header := o.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(fmt.Sprintf("response-%d", n))),
		Request:    req,
	}, nil
}

func (o *countingOrigin) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestInMemoryCacheSetGet(t *testing.T) {
	cache := NewInMemoryCache()

	cache.Set("k", &CacheEntry{Body: []byte("v"), StatusCode: http.StatusOK}, time.Minute)

	entry, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), entry.Body)
	assert.Equal(t, 1, cache.Len())

	_, ok = cache.Get("missing")
	assert.False(t, ok)
}

func TestInMemoryCacheExpiry(t *testing.T) {
	cache := NewInMemoryCache()
	cache.Set("k", &CacheEntry{StatusCode: http.StatusOK}, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	_, ok := cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestInMemoryCacheDeleteClear(t *testing.T) {
	cache := NewInMemoryCache()
	for i := range 10 {
		cache.Set(fmt.Sprintf("k%d", i), &CacheEntry{}, time.Minute)
	}

	cache.Delete("k0")
	_, ok := cache.Get("k0")
	assert.False(t, ok)
	assert.Equal(t, 9, cache.Len())

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}

func TestResponseCacheServesRepeatedGet(t *testing.T) {
	origin := &countingOrigin{}
	cache := NewResponseCache(nil, time.Minute)

	first, err := cache.Handle(newGetRequest(t, "http://example.com/items"), origin)
	require.NoError(t, err)
	assert.Equal(t, "response-1", readBody(t, first))

	second, err := cache.Handle(newGetRequest(t, "http://example.com/items"), origin)
	require.NoError(t, err)
	assert.Equal(t, "response-1", readBody(t, second))
	assert.Equal(t, http.StatusOK, second.StatusCode)

	assert.Equal(t, 1, origin.count())
}

func TestResponseCacheSkipsNonGet(t *testing.T) {
	origin := &countingOrigin{}
	cache := NewResponseCache(nil, time.Minute)

	for range 2 {
		req, err := http.NewRequest(http.MethodPost, "http://example.com/items", strings.NewReader("{}"))
		require.NoError(t, err)
		resp, err := cache.Handle(req, origin)
		require.NoError(t, err)
		readBody(t, resp)
	}
	assert.Equal(t, 2, origin.count())
}

func TestResponseCacheSkipsErrorResponses(t *testing.T) {
	origin := &countingOrigin{status: http.StatusNotFound}
	cache := NewResponseCache(nil, time.Minute)

	for range 2 {
		resp, err := cache.Handle(newGetRequest(t, "http://example.com/missing"), origin)
		require.NoError(t, err)
		readBody(t, resp)
	}
	assert.Equal(t, 2, origin.count())
}

func TestResponseCacheHonoursCacheControl(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantCalls int
	}{
		{name: "no-store", header: "no-store", wantCalls: 2},
		{name: "no-cache", header: "no-cache, max-age=60", wantCalls: 2},
		{name: "max-age zero", header: "max-age=0", wantCalls: 2},
		{name: "max-age", header: "public, max-age=60", wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := &countingOrigin{header: http.Header{"Cache-Control": {tt.header}}}
			cache := NewResponseCache(nil, time.Minute)

			for range 2 {
				resp, err := cache.Handle(newGetRequest(t, "http://example.com/"), origin)
				require.NoError(t, err)
				readBody(t, resp)
			}
			assert.Equal(t, tt.wantCalls, origin.count())
		})
	}
}

// revalidatingOrigin answers conditional requests matching its current
// validators with 304 and everything else with a full response.
type revalidatingOrigin struct {
	mu           sync.Mutex
	calls        int
	conditionals []string
	etag         string
	lastModified string
	body         string
	cacheControl string
	notModified  http.Header
}

func (o *revalidatingOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++

	ifNoneMatch := req.Header.Get("If-None-Match")
	ifModifiedSince := req.Header.Get("If-Modified-Since")
	o.conditionals = append(o.conditionals, ifNoneMatch+"|"+ifModifiedSince)

	if (ifNoneMatch != "" && ifNoneMatch == o.etag) || (ifModifiedSince != "" && ifModifiedSince == o.lastModified) {
		header := o.notModified.Clone()
		if header == nil {
			header = http.Header{}
		}
		return &http.Response{StatusCode: http.StatusNotModified, Header: header, Body: http.NoBody, Request: req}, nil
	}

	header := http.Header{}
	if o.etag != "" {
		header.Set("ETag", o.etag)
	}
	if o.lastModified != "" {
		header.Set("Last-Modified", o.lastModified)
	}
	if o.cacheControl != "" {
		header.Set("Cache-Control", o.cacheControl)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(o.body)),
		Request:    req,
	}, nil
}

func (o *revalidatingOrigin) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *revalidatingOrigin) conditionalHeaders() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.conditionals...)
}

func (o *revalidatingOrigin) update(etag, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.etag = etag
	o.body = body
}

func TestResponseCacheRevalidatesWithETag(t *testing.T) {
	origin := &revalidatingOrigin{etag: `"v1"`, body: "payload", cacheControl: "max-age=0"}
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	cache := NewResponseCache(nil, time.Minute).WithMetrics(collector)

	first, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
	require.NoError(t, err)
	assert.Equal(t, "payload", readBody(t, first))

	second, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, `"v1"`, second.Header.Get("ETag"))
	assert.Equal(t, "payload", readBody(t, second))

	assert.Equal(t, 2, origin.count())
	assert.Equal(t, []string{"|", `"v1"|`}, origin.conditionalHeaders())
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheHits.WithLabelValues(http.MethodGet, "example.com/doc")))
}

func TestResponseCacheRevalidatesWithLastModified(t *testing.T) {
	lastModified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat)
	origin := &revalidatingOrigin{lastModified: lastModified, body: "payload", cacheControl: "max-age=0"}
	cache := NewResponseCache(nil, time.Minute)

	for range 2 {
		resp, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
		require.NoError(t, err)
		assert.Equal(t, "payload", readBody(t, resp))
	}

	assert.Equal(t, []string{"|", "|" + lastModified}, origin.conditionalHeaders())
}

func TestResponseCacheNoCacheRevalidatesEveryUse(t *testing.T) {
	origin := &revalidatingOrigin{etag: `"v1"`, body: "payload", cacheControl: "no-cache, max-age=3600"}
	cache := NewResponseCache(nil, time.Minute)

	for range 3 {
		resp, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
		require.NoError(t, err)
		assert.Equal(t, "payload", readBody(t, resp))
	}

	assert.Equal(t, 3, origin.count())
	assert.Equal(t, []string{"|", `"v1"|`, `"v1"|`}, origin.conditionalHeaders())
}

func TestResponseCacheReplacesChangedResource(t *testing.T) {
	origin := &revalidatingOrigin{etag: `"v1"`, body: "old", cacheControl: "max-age=0"}
	cache := NewResponseCache(nil, time.Minute)

	resp, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
	require.NoError(t, err)
	assert.Equal(t, "old", readBody(t, resp))

	origin.update(`"v2"`, "new")

	req := newGetRequest(t, "http://example.com/doc")
	resp, err = cache.Handle(req, origin)
	require.NoError(t, err)
	assert.Same(t, req, resp.Request)
	assert.Equal(t, "new", readBody(t, resp))

	resp, err = cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
	require.NoError(t, err)
	assert.Equal(t, "new", readBody(t, resp))
	assert.Equal(t, []string{"|", `"v1"|`, `"v2"|`}, origin.conditionalHeaders())
}

func TestResponseCacheNotModifiedRefreshesFreshness(t *testing.T) {
	origin := &revalidatingOrigin{
		etag:         `"v1"`,
		body:         "payload",
		cacheControl: "max-age=0",
		notModified:  http.Header{"Cache-Control": {"max-age=60"}},
	}
	cache := NewResponseCache(nil, time.Minute)

	for range 4 {
		resp, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
		require.NoError(t, err)
		assert.Equal(t, "payload", readBody(t, resp))
	}

	assert.Equal(t, 2, origin.count())
}

func TestResponseCacheStaleWhileRevalidate(t *testing.T) {
	origin := &revalidatingOrigin{etag: `"v1"`, body: "old", cacheControl: "max-age=0, stale-while-revalidate=60"}
	cache := NewResponseCache(nil, time.Minute)

	resp, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
	require.NoError(t, err)
	assert.Equal(t, "old", readBody(t, resp))

	origin.update(`"v2"`, "new")

	resp, err = cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
	require.NoError(t, err)
	assert.Equal(t, "old", readBody(t, resp), "stale entry is served while it is refreshed")

	assert.Eventually(t, func() bool {
		resp, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
		return err == nil && readBody(t, resp) == "new"
	}, time.Second, 5*time.Millisecond)
}

func TestResponseCacheMustRevalidateDisablesStaleServing(t *testing.T) {
	origin := &revalidatingOrigin{etag: `"v1"`, body: "old", cacheControl: "max-age=0, must-revalidate, stale-while-revalidate=60"}
	cache := NewResponseCache(nil, time.Minute)

	resp, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
	require.NoError(t, err)
	readBody(t, resp)

	origin.update(`"v2"`, "new")

	resp, err = cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
	require.NoError(t, err)
	assert.Equal(t, "new", readBody(t, resp))
}

func TestResponseCacheHonoursExpires(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name      string
		header    http.Header
		wantCalls int
	}{
		{
			name:      "future expires",
			header:    http.Header{"Expires": {now.Add(time.Hour).Format(http.TimeFormat)}},
			wantCalls: 1,
		},
		{
			name:      "past expires",
			header:    http.Header{"Expires": {now.Add(-time.Hour).Format(http.TimeFormat)}},
			wantCalls: 2,
		},
		{
			name:      "invalid expires",
			header:    http.Header{"Expires": {"0"}},
			wantCalls: 2,
		},
		{
			name: "expires relative to date",
			header: http.Header{
				"Date":    {now.Add(-2 * time.Hour).Format(http.TimeFormat)},
				"Expires": {now.Add(-time.Hour).Format(http.TimeFormat)},
			},
			wantCalls: 1,
		},
		{
			name: "max-age wins over expires",
			header: http.Header{
				"Cache-Control": {"max-age=0"},
				"Expires":       {now.Add(time.Hour).Format(http.TimeFormat)},
			},
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := &countingOrigin{header: tt.header}
			cache := NewResponseCache(nil, 0)

			for range 2 {
				resp, err := cache.Handle(newGetRequest(t, "http://example.com/"), origin)
				require.NoError(t, err)
				readBody(t, resp)
			}
			assert.Equal(t, tt.wantCalls, origin.count())
		})
	}
}

func TestResponseCacheBypassesCallerConditionalRequests(t *testing.T) {
	origin := &revalidatingOrigin{etag: `"v1"`, body: "payload", cacheControl: "max-age=60"}
	cache := NewResponseCache(nil, time.Minute)

	resp, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
	require.NoError(t, err)
	readBody(t, resp)

	req := newGetRequest(t, "http://example.com/doc")
	req.Header.Set("If-None-Match", `"v1"`)
	resp, err = cache.Handle(req, origin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Equal(t, 2, origin.count())
}

func TestResponseCacheStaleRetentionZero(t *testing.T) {
	origin := &revalidatingOrigin{etag: `"v1"`, body: "payload", cacheControl: "max-age=0"}
	cache := NewResponseCache(nil, time.Minute).WithStaleRetention(0)

	for range 2 {
		resp, err := cache.Handle(newGetRequest(t, "http://example.com/doc"), origin)
		require.NoError(t, err)
		readBody(t, resp)
	}
	assert.Equal(t, []string{"|", "|"}, origin.conditionalHeaders())
}

func TestResponseCacheContextOverrides(t *testing.T) {
	origin := &countingOrigin{}
	cache := NewResponseCache(nil, time.Minute)

	disabled := newGetRequest(t, "http://example.com/").WithContext(WithContextCacheDisabled(context.Background()))
	for range 2 {
		resp, err := cache.Handle(disabled, origin)
		require.NoError(t, err)
		readBody(t, resp)
	}
	assert.Equal(t, 2, origin.count())

	post, err := http.NewRequestWithContext(WithContextCacheEnabled(context.Background()), http.MethodPost, "http://example.com/search", nil)
	require.NoError(t, err)
	for range 2 {
		resp, err := cache.Handle(post, origin)
		require.NoError(t, err)
		readBody(t, resp)
	}
	assert.Equal(t, 3, origin.count())
}

func TestResponseCacheContextTTL(t *testing.T) {
	origin := &countingOrigin{}
	store := NewInMemoryCache()
	cache := NewResponseCache(store, time.Hour)

	req := newGetRequest(t, "http://example.com/").WithContext(WithContextCacheTTL(context.Background(), 10*time.Millisecond))
	resp, err := cache.Handle(req, origin)
	require.NoError(t, err)
	readBody(t, resp)

	time.Sleep(20 * time.Millisecond)

	resp, err = cache.Handle(req, origin)
	require.NoError(t, err)
	assert.Equal(t, "response-2", readBody(t, resp))
}

func TestResponseCacheCustomKey(t *testing.T) {
	origin := &countingOrigin{}
	cache := NewResponseCache(nil, time.Minute).WithKeyFunc(func(req *http.Request) string {
		return req.URL.Path
	})

	for _, url := range []string{"http://a.example.com/same", "http://b.example.com/same"} {
		resp, err := cache.Handle(newGetRequest(t, url), origin)
		require.NoError(t, err)
		readBody(t, resp)
	}
	assert.Equal(t, 1, origin.count())
}

func TestResponseCacheMetrics(t *testing.T) {
	origin := &countingOrigin{}
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	cache := NewResponseCache(nil, time.Minute).WithMetrics(collector)

	for range 3 {
		resp, err := cache.Handle(newGetRequest(t, "http://example.com/m"), origin)
		require.NoError(t, err)
		readBody(t, resp)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.cacheHits.WithLabelValues(http.MethodGet, "example.com/m")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheMisses.WithLabelValues(http.MethodGet, "example.com/m")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheSize.WithLabelValues("default")))
}

func TestParseCacheControl(t *testing.T) {
	tests := []struct {
		header   string
		expected cacheDirectives
	}{
		{
			header:   `max-age="120", must-revalidate`,
			expected: cacheDirectives{maxAge: 2 * time.Minute, hasMaxAge: true, mustRevalidate: true},
		},
		{
			header:   "No-Store",
			expected: cacheDirectives{noStore: true},
		},
		{
			header:   "no-cache, max-age=0",
			expected: cacheDirectives{noCache: true, hasMaxAge: true},
		},
		{
			header:   "max-age=30, stale-while-revalidate=60",
			expected: cacheDirectives{maxAge: 30 * time.Second, hasMaxAge: true, staleWhileRevalidate: time.Minute},
		},
		{
			header:   "max-age=-5, stale-while-revalidate=abc",
			expected: cacheDirectives{},
		},
		{
			header:   "",
			expected: cacheDirectives{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseCacheControl(tt.header))
		})
	}
}
