package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veltmap/livedata/internal/cache"
	"github.com/veltmap/livedata/internal/geojson"
	"github.com/veltmap/livedata/internal/retry"
)

const body1 = `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":null,"properties":{"name":"a"}}]}`

func quickRetry(n int) retry.Policy {
	return retry.Policy{MaxRetries: n, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func newFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	f, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestFetch_CachedSecondCall(t *testing.T) {
	hits := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(body1))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{
		CacheEnabled: true,
		Cache:        cache.Config{MaxSize: 8, DefaultTTL: time.Minute, Revalidate: true},
		Retry:        quickRetry(0),
	})

	r1, err := f.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if r1.FromCache || r1.FeatureCount != 1 {
		t.Fatalf("first result=%+v", r1)
	}

	r2, err := f.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !r2.FromCache {
		t.Fatal("second fetch should come from cache")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("server hit %d times, want 1", hits)
	}
	if r2.Payload.Features[0].Properties["name"] != r1.Payload.Features[0].Properties["name"] {
		t.Fatal("payloads differ")
	}
}

func TestFetch_ConditionalRevalidation304(t *testing.T) {
	var sawINM atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inm := r.Header.Get("If-None-Match"); inm != "" {
			sawINM.Store(inm)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(body1))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{
		CacheEnabled: true,
		Cache:        cache.Config{MaxSize: 8, DefaultTTL: time.Minute, Revalidate: true},
		Retry:        quickRetry(0),
	})

	if _, err := f.Fetch(context.Background(), srv.URL, Options{}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	// bypass the lookup so the conditional request actually goes out
	r2, err := f.Fetch(context.Background(), srv.URL, Options{SkipCache: true})
	if err != nil {
		t.Fatalf("revalidating fetch: %v", err)
	}
	if !r2.FromCache {
		t.Fatal("304 should serve the cached payload with from_cache=true")
	}
	if r2.FeatureCount != 1 {
		t.Fatalf("feature count=%d", r2.FeatureCount)
	}
	if got, _ := sawINM.Load().(string); got != `"v1"` {
		t.Fatalf("If-None-Match=%q want \"v1\"", got)
	}
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(body1))
	}))
	defer srv.Close()

	retries := 0
	f := newFetcher(t, Config{Retry: quickRetry(5)})
	r, err := f.Fetch(context.Background(), srv.URL, Options{
		OnRetry: func(int, time.Duration, error) { retries++ },
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if r.FeatureCount != 1 || retries != 2 {
		t.Fatalf("count=%d retries=%d", r.FeatureCount, retries)
	}
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFetcher(t, Config{Retry: quickRetry(5)})
	_, err := f.Fetch(context.Background(), srv.URL, Options{})
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindHTTPStatus || fe.Status != 404 {
		t.Fatalf("err=%v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls=%d want 1 (404 is not retryable)", calls)
	}
}

func TestFetch_RateLimitIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(body1))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{Retry: quickRetry(3)})
	if _, err := f.Fetch(context.Background(), srv.URL, Options{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls=%d want 2", calls)
	}
}

func TestFetch_InvalidJSONNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"type":"FeatureColl`))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{Retry: quickRetry(5)})
	var gotErr error
	_, err := f.Fetch(context.Background(), srv.URL, Options{OnError: func(e error) { gotErr = e }})
	if KindOf(err) != KindInvalidJSON {
		t.Fatalf("kind=%s err=%v", KindOf(err), err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls=%d", calls)
	}
	if gotErr == nil {
		t.Fatal("OnError not invoked")
	}
}

func TestFetch_NotGeoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type":"Topology","objects":{}}`))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{Retry: quickRetry(2)})
	_, err := f.Fetch(context.Background(), srv.URL, Options{})
	if KindOf(err) != KindNotGeoJSON {
		t.Fatalf("kind=%s err=%v", KindOf(err), err)
	}
}

func TestFetch_TimeoutClassifiedRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := newFetcher(t, Config{Timeout: 30 * time.Millisecond, Retry: quickRetry(0)})
	_, err := f.Fetch(context.Background(), srv.URL, Options{})
	if KindOf(err) != KindTimeout {
		t.Fatalf("kind=%s err=%v", KindOf(err), err)
	}
	if !Retryable(err) {
		t.Fatal("timeout should be retryable")
	}
}

func TestFetch_ExternalCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := newFetcher(t, Config{Retry: quickRetry(5)})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := f.Fetch(ctx, srv.URL, Options{})
	if KindOf(err) != KindCancelled {
		t.Fatalf("kind=%s err=%v", KindOf(err), err)
	}
	if Retryable(err) {
		t.Fatal("cancellation must not be retryable")
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation not prompt")
	}
}

func TestFetch_AbortAll(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := newFetcher(t, Config{Retry: quickRetry(5)})
	errCh := make(chan error, 1)
	go func() {
		_, err := f.Fetch(context.Background(), srv.URL, Options{})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	f.AbortAll()
	select {
	case err := <-errCh:
		if KindOf(err) != KindCancelled {
			t.Fatalf("kind=%s err=%v", KindOf(err), err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not terminate the fetch")
	}
}

func TestFetch_CallerHeadersWin(t *testing.T) {
	var accept atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept.Store(r.Header.Get("Accept"))
		_, _ = w.Write([]byte(body1))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{Retry: quickRetry(0)})
	_, err := f.Fetch(context.Background(), srv.URL, Options{
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got, _ := accept.Load().(string); got != "application/json" {
		t.Fatalf("Accept=%q want caller override", got)
	}
}

func TestFetch_DefaultAcceptHeader(t *testing.T) {
	var accept atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept.Store(r.Header.Get("Accept"))
		_, _ = w.Write([]byte(body1))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{Retry: quickRetry(0)})
	if _, err := f.Fetch(context.Background(), srv.URL, Options{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got, _ := accept.Load().(string); got != "application/geo+json,application/json" {
		t.Fatalf("Accept=%q", got)
	}
}

func TestFetch_CallbackPanicIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body1))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{Retry: quickRetry(0)})
	r, err := f.Fetch(context.Background(), srv.URL, Options{
		OnStart:    func() { panic("user panic") },
		OnComplete: func(_ *geojson.FeatureCollection, _ bool) { panic("user panic") },
	})
	_ = r
	if err != nil {
		t.Fatalf("user panic leaked into fetch: %v", err)
	}
}

func TestPrefetchAndInvalidate(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(body1))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{
		CacheEnabled: true,
		Cache:        cache.Config{MaxSize: 8, DefaultTTL: time.Minute},
		Retry:        quickRetry(0),
	})
	if err := f.Prefetch(context.Background(), srv.URL, time.Minute); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if r, err := f.Fetch(context.Background(), srv.URL, Options{}); err != nil || !r.FromCache {
		t.Fatalf("after prefetch: r=%+v err=%v", r, err)
	}
	f.Invalidate(srv.URL)
	if r, err := f.Fetch(context.Background(), srv.URL, Options{}); err != nil || r.FromCache {
		t.Fatalf("after invalidate: r=%+v err=%v", r, err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls=%d want 2", calls)
	}
}
