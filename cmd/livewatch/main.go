// Command livewatch binds one layer to a remote GeoJSON source and logs
// every update it receives, wiring the full live-data stack the way an
// embedding runtime would.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/veltmap/livedata/internal/cache"
	"github.com/veltmap/livedata/internal/config"
	"github.com/veltmap/livedata/internal/fetch"
	"github.com/veltmap/livedata/internal/layer"
	"github.com/veltmap/livedata/internal/logger"
	"github.com/veltmap/livedata/internal/merge"
	"github.com/veltmap/livedata/internal/observability"
	"github.com/veltmap/livedata/internal/poll"
	"github.com/veltmap/livedata/internal/retry"
	"github.com/veltmap/livedata/internal/stream"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "livewatch",
	}, nil)
	log := logger.NewSlog(&zl)

	if cfg.WatchURL == "" {
		log.Error("WATCH_URL is required")
		return 2
	}

	metrics := observability.NewMetrics(nil)

	fetcher, err := fetch.New(fetch.Config{
		Timeout:      cfg.FetchTimeout,
		Retry:        retry.DefaultPolicy(),
		CacheEnabled: true,
		Cache: cache.Config{
			MaxSize:    cfg.CacheMaxSize,
			DefaultTTL: cfg.CacheTTLDefault,
			Revalidate: true,
		},
	}, log, metrics)
	if err != nil {
		log.Error("fetcher init failed", "err", err)
		return 1
	}

	poller := poll.New(nil, log, metrics)
	defer poller.Destroy()
	mux := stream.NewMux(log, metrics)
	defer mux.Destroy()

	binder := layer.NewBinder(layer.Deps{
		Fetcher: fetcher,
		Poller:  poller,
		Mux:     mux,
		Merger:  merge.New(),
		Logger:  log,
		Metrics: metrics,
	}, layer.Callbacks{
		OnDataLoading: func(id string) {
			log.Info("loading", "layer", id)
		},
		OnDataLoaded: func(id string, n int) {
			log.Info("loaded", "layer", id, "features", n)
		},
		OnDataError: func(id string, err error) {
			log.Warn("data error", "layer", id, "err", err)
		},
	})
	defer binder.Destroy()

	src := layer.Source{
		Type: "geojson",
		URL:  cfg.WatchURL,
	}
	if cfg.WatchInterval > 0 {
		src.Refresh = &layer.RefreshSpec{
			IntervalMillis: cfg.WatchInterval.Milliseconds(),
			Strategy:       merge.Strategy(cfg.WatchStrategy),
			UpdateKey:      cfg.WatchUpdateKey,
		}
	}
	if cfg.StreamKind != "" {
		src.Stream = &layer.StreamSpec{
			Type: cfg.StreamKind,
			URL:  cfg.StreamURL,
		}
	}

	if err := binder.AddLayer("watch", src); err != nil {
		log.Error("add layer failed", "err", err)
		return 1
	}
	log.Info("watching", "url", cfg.WatchURL,
		"interval", cfg.WatchInterval, "strategy", cfg.WatchStrategy, "stream", cfg.StreamKind)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fetcher.AbortAll()
	stats := fetcher.CacheStats()
	log.Info("stopping", "cache_hits", stats.Hits, "cache_misses", stats.Misses)
	return 0
}
