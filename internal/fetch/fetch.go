// Package fetch implements HTTP acquisition of GeoJSON payloads with
// cache lookup, conditional revalidation, retries and cancellation.
package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/veltmap/livedata/internal/cache"
	"github.com/veltmap/livedata/internal/cache/keys"
	"github.com/veltmap/livedata/internal/geojson"
	"github.com/veltmap/livedata/internal/httpclient"
	"github.com/veltmap/livedata/internal/observability"
	"github.com/veltmap/livedata/internal/retry"
)

const (
	DefaultTimeout = 30 * time.Second
	acceptHeader   = "application/geo+json,application/json"
)

type Config struct {
	// Timeout bounds each HTTP attempt. Default 30s.
	Timeout time.Duration
	Retry   retry.Policy
	// CacheEnabled engages the TTL+LRU payload cache.
	CacheEnabled bool
	Cache        cache.Config
	// Client overrides the outbound HTTP client, mainly for tests.
	Client *http.Client
}

// Options tune one Fetch call.
type Options struct {
	// TTLOverride sets the cached entry's TTL for this URL.
	TTLOverride time.Duration
	// SkipCache bypasses the cache lookup. Conditional headers are still
	// sent and a 304 still revives the stored payload.
	SkipCache bool
	// Headers are merged over the defaults; the caller wins on conflict.
	Headers map[string]string

	OnStart    func()
	OnComplete func(payload *geojson.FeatureCollection, fromCache bool)
	OnError    func(error)
	OnRetry    func(attempt int, delay time.Duration, err error)
}

type Result struct {
	Payload      *geojson.FeatureCollection
	FromCache    bool
	FeatureCount int
	Duration     time.Duration
}

type Fetcher struct {
	cfg     Config
	client  *http.Client
	cache   *cache.Cache // nil when disabled
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	live    map[string]map[uint64]context.CancelFunc
	liveSeq uint64

	now func() time.Time // for tests
}

func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Fetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	client := cfg.Client
	if client == nil {
		client = httpclient.NewOutbound()
	}
	f := &Fetcher{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		metrics: metrics,
		live:    map[string]map[uint64]context.CancelFunc{},
		now:     time.Now,
	}
	if cfg.CacheEnabled {
		c, err := cache.New(cfg.Cache)
		if err != nil {
			return nil, err
		}
		f.cache = c
	}
	return f, nil
}

type attemptOut struct {
	payload   *geojson.FeatureCollection
	fromCache bool
}

// Fetch retrieves url as a FeatureCollection, serving fresh cache entries
// without touching the network.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (*Result, error) {
	start := f.now()
	if opts.OnStart != nil {
		isolate(func() { opts.OnStart() })
	}

	key := keys.Canonical(url)
	if f.cache != nil && !opts.SkipCache {
		if e, ok := f.cache.Lookup(key); ok {
			res := &Result{
				Payload:      e.Payload,
				FromCache:    true,
				FeatureCount: len(e.Payload.Features),
				Duration:     f.now().Sub(start),
			}
			f.metrics.ObserveFetch("cache_hit", res.Duration.Seconds())
			f.logger.DebugContext(ctx, "fetch served from cache", "url", url, "features", res.FeatureCount)
			f.complete(opts, res)
			return res, nil
		}
	}

	out, err := retry.Do(ctx, f.cfg.Retry, retry.Hooks{
		IsRetryable: Retryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			f.metrics.FetchRetry()
			f.logger.WarnContext(ctx, "fetch retrying",
				"url", url, "attempt", attempt, "delay", delay, "err", err)
			if opts.OnRetry != nil {
				isolate(func() { opts.OnRetry(attempt, delay, err) })
			}
		},
	}, func(ctx context.Context) (*attemptOut, error) {
		return f.attempt(ctx, url, key, opts)
	})
	if err != nil {
		f.metrics.ObserveFetch("error", f.now().Sub(start).Seconds())
		if opts.OnError != nil {
			isolate(func() { opts.OnError(err) })
		}
		return nil, err
	}

	res := &Result{
		Payload:      out.payload,
		FromCache:    out.fromCache,
		FeatureCount: len(out.payload.Features),
		Duration:     f.now().Sub(start),
	}
	outcome := "network"
	if out.fromCache {
		outcome = "not_modified"
	}
	f.metrics.ObserveFetch(outcome, res.Duration.Seconds())
	f.logger.DebugContext(ctx, "fetch done",
		"url", url, "features", res.FeatureCount, "from_cache", res.FromCache,
		"duration_ms", res.Duration.Milliseconds())
	f.complete(opts, res)
	return res, nil
}

// attempt is one HTTP round under its own cancellation scope, registered
// in the live-requests map for the duration of the attempt.
func (f *Fetcher) attempt(ctx context.Context, url, key string, opts Options) (*attemptOut, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	id := f.register(key, cancel)
	defer f.deregister(key, id)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newError(KindInternal, url, err)
	}
	req.Header.Set("Accept", acceptHeader)
	if f.cache != nil {
		for k, v := range f.cache.RevalidationHeaders(key) {
			req.Header.Set(k, v)
		}
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classifyTransport(ctx, attemptCtx, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		if f.cache == nil {
			return nil, newError(KindInternal, url, errors.New("304 with caching disabled"))
		}
		e, ok := f.cache.Peek(key)
		if !ok {
			return nil, newError(KindInternal, url, errors.New("304 but cache entry vanished"))
		}
		// revalidation confirms freshness from now
		f.cache.Set(key, &cache.Entry{
			Payload:      e.Payload,
			StoredAt:     f.now(),
			TTL:          e.TTL,
			ETag:         pick(resp.Header.Get("ETag"), e.ETag),
			LastModified: pick(resp.Header.Get("Last-Modified"), e.LastModified),
		})
		return &attemptOut{payload: e.Payload, fromCache: true}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: KindHTTPStatus, URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, f.classifyTransport(ctx, attemptCtx, url, err)
	}

	fc, err := geojson.Decode(body)
	if err != nil {
		if errors.Is(err, geojson.ErrInvalidJSON) {
			return nil, newError(KindInvalidJSON, url, err)
		}
		return nil, newError(KindNotGeoJSON, url, err)
	}

	if f.cache != nil {
		f.cache.Set(key, &cache.Entry{
			Payload:      fc,
			StoredAt:     f.now(),
			TTL:          opts.TTLOverride,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		})
	}
	return &attemptOut{payload: fc}, nil
}

// classifyTransport separates caller cancellation, attempt timeout and
// genuine transport faults.
func (f *Fetcher) classifyTransport(parent, attempt context.Context, url string, err error) error {
	if parent.Err() != nil {
		return newError(KindCancelled, url, parent.Err())
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, url, err)
	}
	if errors.Is(attempt.Err(), context.Canceled) {
		// aborted through the live-requests registry
		return newError(KindCancelled, url, err)
	}
	return newError(KindTransport, url, err)
}

// Prefetch loads url into the cache ahead of need.
func (f *Fetcher) Prefetch(ctx context.Context, url string, ttl time.Duration) error {
	_, err := f.Fetch(ctx, url, Options{TTLOverride: ttl})
	return err
}

// Invalidate drops the cached entry for url.
func (f *Fetcher) Invalidate(url string) {
	if f.cache != nil {
		f.cache.Delete(keys.Canonical(url))
	}
}

func (f *Fetcher) ClearCache() {
	if f.cache != nil {
		f.cache.Clear()
	}
}

// CacheStats reports the underlying cache counters; zero when caching is
// disabled.
func (f *Fetcher) CacheStats() cache.Stats {
	if f.cache == nil {
		return cache.Stats{}
	}
	return f.cache.Stats()
}

// Abort cancels in-flight requests for one URL.
func (f *Fetcher) Abort(url string) {
	key := keys.Canonical(url)
	f.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(f.live[key]))
	for _, c := range f.live[key] {
		cancels = append(cancels, c)
	}
	f.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// AbortAll cancels every in-flight request.
func (f *Fetcher) AbortAll() {
	f.mu.Lock()
	var cancels []context.CancelFunc
	for _, byID := range f.live {
		for _, c := range byID {
			cancels = append(cancels, c)
		}
	}
	f.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (f *Fetcher) register(key string, cancel context.CancelFunc) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveSeq++
	id := f.liveSeq
	byID := f.live[key]
	if byID == nil {
		byID = map[uint64]context.CancelFunc{}
		f.live[key] = byID
	}
	byID[id] = cancel
	return id
}

func (f *Fetcher) deregister(key string, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byID := f.live[key]
	delete(byID, id)
	if len(byID) == 0 {
		delete(f.live, key)
	}
}

func (f *Fetcher) complete(opts Options, res *Result) {
	if opts.OnComplete != nil {
		isolate(func() { opts.OnComplete(res.Payload, res.FromCache) })
	}
}

// isolate keeps user callbacks from unwinding into the fetch path.
func isolate(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

func pick(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
