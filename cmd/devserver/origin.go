package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/veltmap/livedata/internal/geojson"
)

// origin owns the mutable FeatureCollection the dev server publishes.
// The encoded body, ETag and Last-Modified are recomputed on each
// mutation so conditional requests behave like a real origin.
type origin struct {
	logger *slog.Logger

	mu       sync.RWMutex
	fc       *geojson.FeatureCollection
	body     []byte
	etag     string
	modified time.Time
}

func newOrigin(logger *slog.Logger, dataFile string) (*origin, error) {
	o := &origin{logger: logger}

	var fc *geojson.FeatureCollection
	if dataFile != "" {
		b, err := os.ReadFile(dataFile)
		if err != nil {
			return nil, fmt.Errorf("read data file: %w", err)
		}
		fc, err = geojson.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("data file: %w", err)
		}
	} else {
		fc = seedCollection(20)
	}
	if err := o.install(fc); err != nil {
		return nil, err
	}
	return o, nil
}

// seedCollection generates n point features with ids and timestamps.
func seedCollection(n int) *geojson.FeatureCollection {
	feats := make([]geojson.Feature, 0, n)
	now := time.Now().UnixMilli()
	for i := 0; i < n; i++ {
		lon := -180 + rand.Float64()*360
		lat := -85 + rand.Float64()*170
		geom, _ := json.Marshal(map[string]any{
			"type":        "Point",
			"coordinates": []float64{lon, lat},
		})
		feats = append(feats, geojson.Feature{
			Type:     "Feature",
			ID:       i,
			Geometry: geom,
			Properties: map[string]any{
				"id":         i,
				"name":       fmt.Sprintf("feature-%d", i),
				"value":      rand.Float64() * 100,
				"updated_at": now,
			},
		})
	}
	return geojson.NewFeatureCollection(feats...)
}

func (o *origin) install(fc *geojson.FeatureCollection) error {
	body, err := json.Marshal(fc)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.fc = fc
	o.body = body
	o.etag = fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
	o.modified = time.Now().UTC().Truncate(time.Second)
	o.mu.Unlock()
	return nil
}

// mutate perturbs a handful of features and returns the new body.
func (o *origin) mutate() []byte {
	o.mu.RLock()
	fc := o.fc
	o.mu.RUnlock()

	next := make([]geojson.Feature, len(fc.Features))
	copy(next, fc.Features)
	now := time.Now().UnixMilli()
	for i := 0; i < 3 && len(next) > 0; i++ {
		j := rand.IntN(len(next))
		f := next[j]
		props := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			props[k] = v
		}
		props["value"] = rand.Float64() * 100
		props["updated_at"] = now
		f.Properties = props
		next[j] = f
	}

	updated := geojson.NewFeatureCollection(next...)
	if err := o.install(updated); err != nil {
		o.logger.Error("mutate install failed", "err", err)
		return nil
	}
	o.mu.RLock()
	body := o.body
	o.mu.RUnlock()
	return body
}

// handleData serves the collection with conditional-request support.
func (o *origin) handleData(w http.ResponseWriter, r *http.Request) {
	o.mu.RLock()
	body, etag, modified := o.body, o.etag, o.modified
	o.mu.RUnlock()

	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !modified.After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(body)
}
