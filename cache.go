package httptoolkit

import (
	"bytes"
	"context"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const maxCacheBodySize = 10 * 1024 * 1024

// InMemoryCache is a sharded in-memory Cache.
type InMemoryCache struct {
	shards    []*cacheShard
	numShards int
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewInMemoryCache creates an empty cache with 16 shards.
func NewInMemoryCache() *InMemoryCache {
	numShards := 16
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{
			store: make(map[string]*CacheEntry),
		}
	}
	return &InMemoryCache{
		shards:    shards,
		numShards: numShards,
	}
}

func (c *InMemoryCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

func (c *InMemoryCache) Get(key string) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		shard.mu.Lock()
		if current, ok := shard.store[key]; ok && current == entry {
			delete(shard.store, key)
		}
		shard.mu.Unlock()
		return nil, false
	}

	return entry, true
}

func (c *InMemoryCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry.ExpiresAt = time.Now().Add(ttl)
	shard.store[key] = entry
}

func (c *InMemoryCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.store, key)
}

func (c *InMemoryCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// DefaultStaleRetention is how long ResponseCache keeps an entry with
// validators after it goes stale, so that it can be revalidated instead of
// fetched again.
const DefaultStaleRetention = 10 * time.Minute

// ResponseCache is a Wrapper serving repeated requests from a Cache. Fresh
// hits short-circuit and never call next. Stale entries carrying an ETag or
// Last-Modified are revalidated with a conditional request, and a 304 serves
// the stored body.
type ResponseCache struct {
	store          Cache
	ttl            time.Duration
	staleRetention time.Duration
	keyFunc        func(*http.Request) string
	condition      CacheCondition
	metrics        *MetricsCollector
	refreshes      singleflight.Group
}

// NewResponseCache caches successful GET responses in store for ttl unless
// the response says otherwise through Cache-Control or Expires.
func NewResponseCache(store Cache, ttl time.Duration) *ResponseCache {
	if store == nil {
		store = NewInMemoryCache()
	}
	return &ResponseCache{
		store:          store,
		ttl:            ttl,
		staleRetention: DefaultStaleRetention,
		keyFunc:        DefaultCacheKeyFunc,
		condition:      DefaultCacheCondition,
	}
}

// WithKeyFunc sets a custom cache key function.
func (rc *ResponseCache) WithKeyFunc(fn func(*http.Request) string) *ResponseCache {
	if fn != nil {
		rc.keyFunc = fn
	}
	return rc
}

// WithCondition sets a custom cache condition.
func (rc *ResponseCache) WithCondition(fn CacheCondition) *ResponseCache {
	if fn != nil {
		rc.condition = fn
	}
	return rc
}

// WithStaleRetention sets how long stale entries with validators are kept
// for revalidation. Zero drops entries as soon as they go stale.
func (rc *ResponseCache) WithStaleRetention(d time.Duration) *ResponseCache {
	if d >= 0 {
		rc.staleRetention = d
	}
	return rc
}

// WithMetrics records hits, misses and size on collector.
func (rc *ResponseCache) WithMetrics(collector *MetricsCollector) *ResponseCache {
	rc.metrics = collector
	return rc
}

// Handle implements Wrapper. A revalidation answered with 304 counts as a
// hit.
func (rc *ResponseCache) Handle(req *http.Request, next RoundTripper) (*http.Response, error) {
	if !rc.shouldCacheRequest(req) {
		return next.RoundTrip(req)
	}

	endpoint := getEndpointFromRequest(req)
	key := rc.keyFunc(req)
	now := time.Now()

	if entry, found := rc.store.Get(key); found {
		switch {
		case entry.isFresh(now):
			rc.metrics.RecordCacheHit(req.Method, endpoint)
			return responseFromCache(entry, req), nil
		case entry.isServableStale(now):
			rc.metrics.RecordCacheHit(req.Method, endpoint)
			rc.refreshInBackground(key, entry, req, next)
			return responseFromCache(entry, req), nil
		case entry.hasValidators():
			resp, notModified, err := rc.revalidate(key, entry, req, next)
			if err != nil {
				return nil, err
			}
			if notModified {
				rc.metrics.RecordCacheHit(req.Method, endpoint)
			} else {
				rc.metrics.RecordCacheMiss(req.Method, endpoint)
			}
			return resp, nil
		}
	}
	rc.metrics.RecordCacheMiss(req.Method, endpoint)

	resp, err := next.RoundTrip(req)
	if err != nil || resp.StatusCode >= 400 {
		return resp, err
	}
	rc.storeResponse(key, req, resp)
	return resp, nil
}

// revalidate sends req with entry's validators. On 304 the entry is
// refreshed from the 304 headers and served; otherwise the new response
// replaces it.
func (rc *ResponseCache) revalidate(key string, entry *CacheEntry, req *http.Request, next RoundTripper) (*http.Response, bool, error) {
	conditional := req.Clone(req.Context())
	if entry.ETag != "" {
		conditional.Header.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		conditional.Header.Set("If-Modified-Since", entry.LastModified)
	}

	resp, err := next.RoundTrip(conditional)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode == http.StatusNotModified {
		drainBody(resp)
		return responseFromCache(rc.refresh(key, entry, req, resp.Header), req), true, nil
	}

	resp.Request = req
	if resp.StatusCode >= 400 || !rc.storeResponse(key, req, resp) {
		rc.store.Delete(key)
	}
	return resp, false, nil
}

// refreshInBackground revalidates entry without holding up the caller.
// Concurrent refreshes of the same key are merged.
func (rc *ResponseCache) refreshInBackground(key string, entry *CacheEntry, req *http.Request, next RoundTripper) {
	detached := req.WithContext(context.WithoutCancel(req.Context()))
	rc.refreshes.DoChan(key, func() (any, error) {
		resp, _, err := rc.revalidate(key, entry, detached, next)
		if err != nil {
			return nil, err
		}
		drainBody(resp)
		return nil, nil
	})
}

// refresh stores a copy of entry whose headers are updated from a 304.
func (rc *ResponseCache) refresh(key string, entry *CacheEntry, req *http.Request, notModified http.Header) *CacheEntry {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for name, values := range notModified {
		if name == "Content-Length" {
			continue
		}
		header[name] = values
	}

	updated, retention, ok := rc.plan(req, header, time.Now())
	updated.Body = entry.Body
	updated.StatusCode = entry.StatusCode
	updated.Header = header
	if ok {
		rc.put(key, updated, retention)
	} else {
		rc.store.Delete(key)
	}
	return updated
}

// storeResponse buffers resp into the store when its headers allow it.
func (rc *ResponseCache) storeResponse(key string, req *http.Request, resp *http.Response) bool {
	entry, retention, ok := rc.plan(req, resp.Header, time.Now())
	if !ok {
		return false
	}
	buffered, ok := bufferResponse(resp)
	if !ok {
		return false
	}
	entry.Body = buffered.Body
	entry.StatusCode = buffered.StatusCode
	entry.Header = buffered.Header
	rc.put(key, entry, retention)
	return true
}

func (rc *ResponseCache) put(key string, entry *CacheEntry, retention time.Duration) {
	rc.store.Set(key, entry, retention)
	if sized, ok := rc.store.(interface{ Len() int }); ok {
		rc.metrics.RecordCacheSize("default", sized.Len())
	}
}

func (rc *ResponseCache) shouldCacheRequest(req *http.Request) bool {
	// The caller is revalidating its own copy and expects the 304.
	if req.Header.Get("If-None-Match") != "" || req.Header.Get("If-Modified-Since") != "" {
		return false
	}
	if cacheControl, ok := req.Context().Value(CacheControlKey).(*CacheControl); ok {
		return cacheControl.Enabled
	}
	return rc.condition(req)
}

// plan reads the caching metadata of a response with header received at
// now. It returns the entry without body, how long the store keeps it, and
// false when the response must not be stored.
func (rc *ResponseCache) plan(req *http.Request, header http.Header, now time.Time) (*CacheEntry, time.Duration, bool) {
	directives := parseCacheControl(header.Get("Cache-Control"))
	if directives.noStore {
		return &CacheEntry{}, 0, false
	}

	entry := &CacheEntry{
		ETag:                 header.Get("ETag"),
		LastModified:         header.Get("Last-Modified"),
		NoCache:              directives.noCache,
		MustRevalidate:       directives.mustRevalidate,
		StaleWhileRevalidate: directives.staleWhileRevalidate,
	}
	if entry.NoCache && !entry.hasValidators() {
		return entry, 0, false
	}

	lifetime := rc.lifetime(req, header, directives, now)
	entry.FreshUntil = now.Add(lifetime)

	retention := lifetime + directives.staleWhileRevalidate
	if entry.hasValidators() {
		retention = lifetime + max(directives.staleWhileRevalidate, rc.staleRetention)
	}
	return entry, retention, retention > 0
}

// lifetime is the freshness lifetime: a per-request TTL first, then max-age,
// then Expires relative to Date, then the default ttl. An unparsable Expires
// means already stale.
func (rc *ResponseCache) lifetime(req *http.Request, header http.Header, directives cacheDirectives, now time.Time) time.Duration {
	if cacheControl, ok := req.Context().Value(CacheControlKey).(*CacheControl); ok && cacheControl.TTL > 0 {
		return cacheControl.TTL
	}
	if directives.hasMaxAge {
		return directives.maxAge
	}
	if expires := header.Get("Expires"); expires != "" {
		at, err := http.ParseTime(expires)
		if err != nil {
			return 0
		}
		date := now
		if served, err := http.ParseTime(header.Get("Date")); err == nil {
			date = served
		}
		return max(at.Sub(date), 0)
	}
	return rc.ttl
}

// bufferResponse reads resp's body into a cache entry and gives resp a fresh
// body over the same bytes. Bodies larger than maxCacheBodySize are left
// streaming and not cached.
func bufferResponse(resp *http.Response) (*CacheEntry, bool) {
	if resp.Body == nil {
		return &CacheEntry{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}, true
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCacheBodySize+1))
	if err != nil || len(body) > maxCacheBodySize {
		resp.Body = &readCloser{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), Closer: resp.Body}
		return nil, false
	}
	_ = resp.Body.Close()

	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &CacheEntry{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}, true
}

type readCloser struct {
	io.Reader
	io.Closer
}

func responseFromCache(entry *CacheEntry, req *http.Request) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(entry.StatusCode) + " " + http.StatusText(entry.StatusCode),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        entry.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

type cacheDirectives struct {
	noStore              bool
	noCache              bool
	mustRevalidate       bool
	maxAge               time.Duration
	hasMaxAge            bool
	staleWhileRevalidate time.Duration
}

// parseCacheControl extracts the directives the cache acts upon.
func parseCacheControl(header string) cacheDirectives {
	var d cacheDirectives
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		name, value, hasValue := strings.Cut(part, "=")
		value = strings.Trim(strings.TrimSpace(value), "\"")

		switch name {
		case "no-store":
			d.noStore = true
		case "no-cache":
			d.noCache = true
		case "must-revalidate", "proxy-revalidate":
			d.mustRevalidate = true
		case "max-age":
			if seconds, err := strconv.Atoi(value); hasValue && err == nil && seconds >= 0 {
				d.maxAge = time.Duration(seconds) * time.Second
				d.hasMaxAge = true
			}
		case "stale-while-revalidate":
			if seconds, err := strconv.Atoi(value); hasValue && err == nil && seconds > 0 {
				d.staleWhileRevalidate = time.Duration(seconds) * time.Second
			}
		}
	}
	return d
}

func DefaultCacheKeyFunc(req *http.Request) string {
	if req.URL == nil {
		return req.Method + ":"
	}

	var buf []byte
	buf = append(buf, req.Method...)
	buf = append(buf, ':')
	buf = append(buf, req.URL.String()...)

	return string(buf)
}

func DefaultCacheCondition(req *http.Request) bool {
	return req.Method == http.MethodGet
}

func WithContextCacheEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: true})
}

func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: false})
}

func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	cacheControl := &CacheControl{Enabled: true, TTL: ttl}
	return context.WithValue(ctx, CacheControlKey, cacheControl)
}
