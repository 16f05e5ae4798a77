package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/veltmap/livedata/internal/fetch"
	"github.com/veltmap/livedata/internal/geojson"
	"github.com/veltmap/livedata/internal/merge"
	"github.com/veltmap/livedata/internal/observability"
	"github.com/veltmap/livedata/internal/poll"
	"github.com/veltmap/livedata/internal/stream"
)

var (
	ErrDuplicateLayer = errors.New("layer: id already exists")
	ErrUnknownLayer   = errors.New("layer: unknown id")
	ErrBinderClosed   = errors.New("layer: binder destroyed")
)

// Callbacks is the consumer surface: load lifecycle notifications per
// layer. All callbacks are isolated; a panic inside one never disturbs
// the binder.
type Callbacks struct {
	OnDataLoading func(layerID string)
	OnDataLoaded  func(layerID string, featureCount int)
	OnDataError   func(layerID string, err error)
}

// Deps are the owned subsystems the binder orchestrates.
type Deps struct {
	Fetcher *fetch.Fetcher
	Poller  *poll.Poller
	Mux     *stream.Mux
	Merger  *merge.Merger
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type binding struct {
	src    Source
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	features  *geojson.FeatureCollection
	hasPoll   bool
	hasStream bool
}

// Binder ties each layer to exactly one fetch/poll/stream lifecycle and
// routes refreshed data through the merger.
type Binder struct {
	deps Deps
	cb   Callbacks

	mu        sync.Mutex
	layers    map[string]*binding
	destroyed bool
}

func NewBinder(deps Deps, cb Callbacks) *Binder {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Merger == nil {
		deps.Merger = merge.New()
	}
	return &Binder{deps: deps, cb: cb, layers: map[string]*binding{}}
}

// AddLayer validates src and installs the layer. Inline and prefetched
// data are installed synchronously; URL sources load in the background.
func (b *Binder) AddLayer(id string, src Source) error {
	if err := src.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrBinderClosed
	}
	if _, exists := b.layers[id]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateLayer, id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bind := &binding{src: src, ctx: ctx, cancel: cancel}
	b.layers[id] = bind
	b.mu.Unlock()

	switch {
	case src.Data != nil:
		bind.setFeatures(src.Data)
	case src.PrefetchedData != nil:
		bind.setFeatures(src.PrefetchedData)
		b.loaded(id, len(src.PrefetchedData.Features))
	default:
		b.loading(id)
		go b.initialLoad(id, bind)
	}

	if src.Refresh.interval() > 0 && src.URL != "" {
		if err := b.startPolling(id, bind); err != nil {
			b.teardown(id, bind)
			return err
		}
	}
	if src.Stream != nil {
		go b.connectStream(id, bind)
	}

	b.deps.Logger.Debug("layer added", "id", id, "url", src.URL,
		"polling", bind.hasPoll, "streaming", src.Stream != nil)
	return nil
}

func (b *Binder) initialLoad(id string, bind *binding) {
	src := bind.src
	res, err := b.deps.Fetcher.Fetch(bind.ctx, src.URL, fetch.Options{
		TTLOverride: src.Cache.ttl(),
		SkipCache:   !src.Cache.enabled(),
	})
	if err != nil {
		if fetch.KindOf(err) != fetch.KindCancelled {
			b.failed(id, err)
		}
		return
	}
	bind.setFeatures(res.Payload)
	b.loaded(id, res.FeatureCount)
}

// startPolling registers the layer's poll subscription; each tick
// refetches and routes the payload through the merger.
func (b *Binder) startPolling(id string, bind *binding) error {
	src := bind.src
	err := b.deps.Poller.Start(id, poll.Config{
		Interval: src.Refresh.interval(),
		OnTick: func(ctx context.Context) error {
			res, err := b.deps.Fetcher.Fetch(ctx, src.URL, fetch.Options{
				TTLOverride: src.Cache.ttl(),
				// a fresh-TTL hit would make the tick a no-op; conditional
				// headers still ride along and a 304 revives the entry
				SkipCache: true,
			})
			if err != nil {
				return err
			}
			return b.applyUpdate(id, bind, res.Payload)
		},
		OnError: func(err error) {
			if fetch.KindOf(err) != fetch.KindCancelled {
				b.failed(id, err)
			}
		},
	})
	if err != nil {
		return err
	}
	bind.mu.Lock()
	bind.hasPoll = true
	bind.mu.Unlock()
	return nil
}

// connectStream registers the layer with the multiplexer, translating
// the stream block into connection options.
func (b *Binder) connectStream(id string, bind *binding) {
	src := bind.src
	st := src.Stream
	url := st.URL
	if url == "" {
		url = src.URL
	}

	policy := stream.DefaultReconnectPolicy()
	if st.ReconnectMaxAttempts > 0 {
		policy.MaxRetries = st.ReconnectMaxAttempts
	}
	if st.ReconnectDelayMillis > 0 {
		policy.InitialDelay = time.Duration(st.ReconnectDelayMillis) * time.Millisecond
	}
	if st.ReconnectMaxDelayMs > 0 {
		policy.MaxDelay = time.Duration(st.ReconnectMaxDelayMs) * time.Millisecond
	}

	err := b.deps.Mux.Connect(bind.ctx, id, stream.SubOptions{
		Transport:  stream.Transport(st.Type),
		URL:        url,
		Reconnect:  st.reconnect(),
		Retry:      policy,
		EventTypes: st.EventTypes,
		Protocols:  st.Protocols,
		OnData: func(fc *geojson.FeatureCollection) {
			if err := b.applyUpdate(id, bind, fc); err != nil {
				b.failed(id, err)
			}
		},
		OnError: func(err error) {
			b.failed(id, err)
		},
	})
	if err != nil {
		if bind.ctx.Err() == nil {
			b.failed(id, err)
		}
		return
	}
	bind.mu.Lock()
	bind.hasStream = true
	bind.mu.Unlock()
	// the layer may have been removed while the handshake ran
	if bind.ctx.Err() != nil {
		b.deps.Mux.Disconnect(id)
	}
}

// applyUpdate merges incoming data into the layer under the configured
// strategy and reports the new total.
func (b *Binder) applyUpdate(id string, bind *binding, incoming *geojson.FeatureCollection) error {
	opts := bind.src.Refresh.mergeOptions()

	bind.mu.Lock()
	existing := bind.features
	bind.mu.Unlock()

	res, err := b.deps.Merger.Merge(existing, incoming, opts)
	if err != nil {
		return err
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = merge.Replace
	}
	b.deps.Metrics.Merge(string(strategy))

	bind.mu.Lock()
	// the binding may have been torn down while we merged
	if bind.ctx.Err() != nil {
		bind.mu.Unlock()
		return nil
	}
	bind.features = res.Collection
	bind.mu.Unlock()

	b.deps.Logger.Debug("layer updated", "id", id,
		"added", res.Added, "updated", res.Updated, "removed", res.Removed, "total", res.Total)
	b.loaded(id, res.Total)
	return nil
}

// RemoveLayer tears the layer down: poller entry, stream connection,
// in-flight fetches and the stored collection.
func (b *Binder) RemoveLayer(id string) error {
	b.mu.Lock()
	bind, ok := b.layers[id]
	delete(b.layers, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLayer, id)
	}
	b.teardown(id, bind)
	b.deps.Logger.Debug("layer removed", "id", id)
	return nil
}

func (b *Binder) teardown(id string, bind *binding) {
	bind.cancel()
	bind.mu.Lock()
	hasPoll := bind.hasPoll
	hasStream := bind.hasStream
	bind.features = nil
	bind.mu.Unlock()
	if hasPoll {
		b.deps.Poller.Stop(id)
	}
	if hasStream {
		b.deps.Mux.Disconnect(id)
	}
	if bind.src.URL != "" {
		b.deps.Fetcher.Abort(bind.src.URL)
	}
}

// PauseRefresh suspends the layer's polling; streaming is unaffected.
func (b *Binder) PauseRefresh(id string) error {
	if _, err := b.binding(id); err != nil {
		return err
	}
	b.deps.Poller.Pause(id)
	return nil
}

func (b *Binder) ResumeRefresh(id string) error {
	if _, err := b.binding(id); err != nil {
		return err
	}
	b.deps.Poller.Resume(id)
	return nil
}

// RefreshNow forces a refresh: a scheduled layer ticks out of band, a
// plain URL layer refetches once.
func (b *Binder) RefreshNow(id string) error {
	bind, err := b.binding(id)
	if err != nil {
		return err
	}
	bind.mu.Lock()
	hasPoll := bind.hasPoll
	bind.mu.Unlock()
	if hasPoll {
		return b.deps.Poller.TriggerNow(id)
	}
	if bind.src.URL == "" {
		return nil
	}
	res, err := b.deps.Fetcher.Fetch(bind.ctx, bind.src.URL, fetch.Options{
		TTLOverride: bind.src.Cache.ttl(),
		SkipCache:   true,
	})
	if err != nil {
		if fetch.KindOf(err) != fetch.KindCancelled {
			b.failed(id, err)
		}
		return err
	}
	return b.applyUpdate(id, bind, res.Payload)
}

// DisconnectStream closes the layer's push channel, leaving the rest of
// the layer in place.
func (b *Binder) DisconnectStream(id string) error {
	bind, err := b.binding(id)
	if err != nil {
		return err
	}
	bind.mu.Lock()
	had := bind.hasStream
	bind.hasStream = false
	bind.mu.Unlock()
	if had {
		b.deps.Mux.Disconnect(id)
	}
	return nil
}

// Features returns the layer's current collection.
func (b *Binder) Features(id string) (*geojson.FeatureCollection, bool) {
	bind, err := b.binding(id)
	if err != nil {
		return nil, false
	}
	bind.mu.Lock()
	defer bind.mu.Unlock()
	return bind.features, bind.features != nil
}

func (b *Binder) LayerIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.layers))
	for id := range b.layers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Destroy removes every layer. The shared poller, multiplexer and
// fetcher belong to the caller and stay usable.
func (b *Binder) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	layers := b.layers
	b.layers = map[string]*binding{}
	b.mu.Unlock()
	for id, bind := range layers {
		b.teardown(id, bind)
	}
}

func (b *Binder) binding(id string) (*binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bind, ok := b.layers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, id)
	}
	return bind, nil
}

func (bd *binding) setFeatures(fc *geojson.FeatureCollection) {
	bd.mu.Lock()
	bd.features = fc
	bd.mu.Unlock()
}

func (b *Binder) loading(id string) {
	if b.cb.OnDataLoading != nil {
		isolate(func() { b.cb.OnDataLoading(id) })
	}
}

func (b *Binder) loaded(id string, count int) {
	if b.cb.OnDataLoaded != nil {
		isolate(func() { b.cb.OnDataLoaded(id, count) })
	}
}

func (b *Binder) failed(id string, err error) {
	b.deps.Logger.Warn("layer data error", "id", id, "err", err)
	if b.cb.OnDataError != nil {
		isolate(func() { b.cb.OnDataError(id, err) })
	}
}

func isolate(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
