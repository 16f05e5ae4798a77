// Command devserver is a GeoJSON origin for developing against the
// live-data core: it serves a mutating FeatureCollection with full
// conditional-request support and pushes each change over SSE and
// WebSocket.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/veltmap/livedata/internal/config"
	"github.com/veltmap/livedata/internal/health"
	"github.com/veltmap/livedata/internal/logger"
	"github.com/veltmap/livedata/internal/middleware"
	"github.com/veltmap/livedata/internal/observability"
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
		Component: "devserver",
	}, nil)
	log := logger.NewSlog(&zl)

	log.Info("starting devserver", "addr", cfg.Addr, "version", Version, "data_file", cfg.DataFile)

	o, err := newOrigin(log, cfg.DataFile)
	if err != nil {
		log.Error("origin init failed", "err", err)
		return 1
	}
	h := newHub(log)

	prov := observability.Init(observability.Config{Build: observability.BuildInfo{Version: Version}})

	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(log))
	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(readyAlways{}))
	r.Handle("/metrics", prov.Handler())
	r.Get("/data.geojson", o.handleData)
	r.Get("/events", h.handleSSE)
	r.Get("/ws", h.handleWS)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// mutation loop: perturb the collection on a cadence, broadcast at a
	// bounded rate so a tight UPDATE_INTERVAL cannot flood clients
	g.Go(func() error {
		limiter := rate.NewLimiter(rate.Limit(cfg.BroadcastPerSec), 1)
		ticker := time.NewTicker(cfg.UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				if body := o.mutate(); body != nil {
					h.broadcast(body)
					log.Debug("update broadcast", "bytes", len(body))
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error("devserver failed", "err", err)
		return 1
	}
	log.Info("devserver stopped")
	return 0
}

type readyAlways struct{}

func (readyAlways) Readiness() (bool, string) { return true, "" }
