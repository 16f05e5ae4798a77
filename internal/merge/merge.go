// Package merge combines an existing FeatureCollection with an incoming
// one under one of three update strategies.
package merge

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/veltmap/livedata/internal/geojson"
)

type Strategy string

const (
	Replace      Strategy = "replace"
	Keyed        Strategy = "merge"
	AppendWindow Strategy = "append-window"
)

var ErrMissingUpdateKey = errors.New("merge: strategy \"merge\" requires update_key")

type Options struct {
	Strategy Strategy
	// UpdateKey names the property used to match features; required for
	// the keyed strategy.
	UpdateKey string
	// WindowSize caps the append-window result count. 0 = unbounded.
	WindowSize int
	// WindowDuration drops append-window features whose TimestampField is
	// older than now-WindowDuration. Requires TimestampField.
	WindowDuration time.Duration
	// TimestampField names the numeric property used for window age and
	// descending ordering.
	TimestampField string
}

// Result carries the merged collection and per-call deltas.
type Result struct {
	Collection *geojson.FeatureCollection
	Added      int
	Updated    int
	Removed    int
	Total      int
}

type Merger struct {
	now func() time.Time // for tests
}

func New() *Merger {
	return &Merger{now: time.Now}
}

// Merge is pure: it never mutates its inputs and fails only on
// misconfiguration.
func (m *Merger) Merge(existing, incoming *geojson.FeatureCollection, opts Options) (Result, error) {
	ex := features(existing)
	in := features(incoming)

	switch opts.Strategy {
	case Replace, "":
		return m.replace(ex, in), nil
	case Keyed:
		if opts.UpdateKey == "" {
			return Result{}, ErrMissingUpdateKey
		}
		return m.keyed(ex, in, opts.UpdateKey), nil
	case AppendWindow:
		return m.appendWindow(ex, in, opts), nil
	default:
		return Result{}, fmt.Errorf("merge: unknown strategy %q", opts.Strategy)
	}
}

func features(fc *geojson.FeatureCollection) []geojson.Feature {
	if fc == nil {
		return nil
	}
	return fc.Features
}

func (m *Merger) replace(ex, in []geojson.Feature) Result {
	out := make([]geojson.Feature, len(in))
	copy(out, in)
	return Result{
		Collection: geojson.NewFeatureCollection(out...),
		Added:      len(in),
		Removed:    len(ex),
		Total:      len(in),
	}
}

// keyed maps each feature by its UpdateKey property. Existing features
// keep their position, new keys append in arrival order, incoming wins on
// collision. Features without a usable key are dropped.
func (m *Merger) keyed(ex, in []geojson.Feature, key string) Result {
	order := make([]string, 0, len(ex)+len(in))
	byKey := make(map[string]geojson.Feature, len(ex)+len(in))

	for _, f := range ex {
		k, ok := propertyKey(f, key)
		if !ok {
			continue
		}
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = f
	}

	added, updated := 0, 0
	for _, f := range in {
		k, ok := propertyKey(f, key)
		if !ok {
			continue
		}
		if _, seen := byKey[k]; seen {
			updated++
		} else {
			added++
			order = append(order, k)
		}
		byKey[k] = f
	}

	out := make([]geojson.Feature, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return Result{
		Collection: geojson.NewFeatureCollection(out...),
		Added:      added,
		Updated:    updated,
		Total:      len(out),
	}
}

func (m *Merger) appendWindow(ex, in []geojson.Feature, opts Options) Result {
	out := make([]geojson.Feature, 0, len(ex)+len(in))
	out = append(out, ex...)
	out = append(out, in...)

	if opts.WindowDuration > 0 && opts.TimestampField != "" {
		cutoff := float64(m.now().Add(-opts.WindowDuration).UnixMilli())
		kept := out[:0]
		for _, f := range out {
			// features without a usable timestamp are kept
			if ts, ok := geojson.NumericProperty(f, opts.TimestampField); ok && ts < cutoff {
				continue
			}
			kept = append(kept, f)
		}
		out = kept
	}

	if opts.TimestampField != "" {
		sort.SliceStable(out, func(i, j int) bool {
			ti, _ := geojson.NumericProperty(out[i], opts.TimestampField)
			tj, _ := geojson.NumericProperty(out[j], opts.TimestampField)
			return ti > tj
		})
	}

	if opts.WindowSize > 0 && len(out) > opts.WindowSize {
		out = out[:opts.WindowSize]
	}

	return Result{
		Collection: geojson.NewFeatureCollection(out...),
		Added:      len(in),
		Removed:    len(ex) + len(in) - len(out),
		Total:      len(out),
	}
}

// propertyKey renders the matching property as a map key, rejecting
// absent and null values.
func propertyKey(f geojson.Feature, key string) (string, bool) {
	v, ok := geojson.Property(f, key)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}
