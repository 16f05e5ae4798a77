// Package layer binds a logical map layer to its data source: inline,
// prefetched, fetched, polled, streamed, or a combination.
package layer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/veltmap/livedata/internal/merge"
	"github.com/veltmap/livedata/internal/poll"

	"github.com/veltmap/livedata/internal/geojson"
)

var (
	ErrNotGeoJSONSource  = errors.New("layer: source type must be \"geojson\"")
	ErrNoData            = errors.New("layer: source needs one of url, data, prefetched_data")
	ErrLegacyStreamShape = errors.New("layer: legacy stream \"protocol\" field is not supported; use type/event_types/protocols")
)

// StringList accepts a bare string or a list of strings, the two shapes
// the websocket protocols key arrives in.
type StringList []string

func (s *StringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err == nil {
		*s = StringList(many)
		return nil
	}
	return fmt.Errorf("protocols must be string or list of strings")
}

type CacheSpec struct {
	// Enabled defaults to true when absent.
	Enabled *bool `json:"enabled,omitempty"`
	// TTLMillis overrides the cache TTL for this layer's URL.
	TTLMillis int64 `json:"ttl,omitempty"`
}

func (c *CacheSpec) enabled() bool {
	return c == nil || c.Enabled == nil || *c.Enabled
}

func (c *CacheSpec) ttl() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(c.TTLMillis) * time.Millisecond
}

type RefreshSpec struct {
	IntervalMillis       int64          `json:"refresh_interval,omitempty"`
	Strategy             merge.Strategy `json:"update_strategy,omitempty"`
	UpdateKey            string         `json:"update_key,omitempty"`
	WindowSize           int            `json:"window_size,omitempty"`
	WindowDurationMillis int64          `json:"window_duration,omitempty"`
	TimestampField       string         `json:"timestamp_field,omitempty"`
}

func (r *RefreshSpec) interval() time.Duration {
	if r == nil {
		return 0
	}
	return time.Duration(r.IntervalMillis) * time.Millisecond
}

// mergeOptions translates the refresh block for the merger.
func (r *RefreshSpec) mergeOptions() merge.Options {
	if r == nil {
		return merge.Options{Strategy: merge.Replace}
	}
	return merge.Options{
		Strategy:       r.Strategy,
		UpdateKey:      r.UpdateKey,
		WindowSize:     r.WindowSize,
		WindowDuration: time.Duration(r.WindowDurationMillis) * time.Millisecond,
		TimestampField: r.TimestampField,
	}
}

type StreamSpec struct {
	Type                 string     `json:"type"`
	URL                  string     `json:"url,omitempty"`
	Reconnect            *bool      `json:"reconnect,omitempty"`
	ReconnectMaxAttempts int        `json:"reconnect_max_attempts,omitempty"`
	ReconnectDelayMillis int64      `json:"reconnect_delay,omitempty"`
	ReconnectMaxDelayMs  int64      `json:"reconnect_max_delay,omitempty"`
	EventTypes           []string   `json:"event_types,omitempty"`
	Protocols            StringList `json:"protocols,omitempty"`

	// Protocol is the retired config shape; it is recognized only to be
	// rejected with a useful error.
	Protocol string `json:"protocol,omitempty"`
}

func (s *StreamSpec) reconnect() bool {
	return s.Reconnect == nil || *s.Reconnect
}

// Source is the configuration accepted for a GeoJSON layer.
type Source struct {
	Type           string                     `json:"type"`
	URL            string                     `json:"url,omitempty"`
	Data           *geojson.FeatureCollection `json:"data,omitempty"`
	PrefetchedData *geojson.FeatureCollection `json:"prefetched_data,omitempty"`
	Cache          *CacheSpec                 `json:"cache,omitempty"`
	Refresh        *RefreshSpec               `json:"refresh,omitempty"`
	Stream         *StreamSpec                `json:"stream,omitempty"`
}

// Validate rejects sources the binder cannot serve. All failures are
// synchronous misconfiguration errors.
func (s Source) Validate() error {
	if s.Type != "geojson" {
		return fmt.Errorf("%w (got %q)", ErrNotGeoJSONSource, s.Type)
	}
	if s.URL == "" && s.Data == nil && s.PrefetchedData == nil {
		return ErrNoData
	}
	if r := s.Refresh; r != nil {
		if r.IntervalMillis != 0 {
			if time.Duration(r.IntervalMillis)*time.Millisecond < poll.MinInterval {
				return fmt.Errorf("layer: refresh_interval %dms below minimum %s", r.IntervalMillis, poll.MinInterval)
			}
			if s.URL == "" {
				return errors.New("layer: refresh_interval requires url")
			}
		}
		switch r.Strategy {
		case "", merge.Replace, merge.AppendWindow:
		case merge.Keyed:
			if r.UpdateKey == "" {
				return merge.ErrMissingUpdateKey
			}
		default:
			return fmt.Errorf("layer: unknown update_strategy %q", r.Strategy)
		}
		if r.WindowSize < 0 {
			return errors.New("layer: window_size must be > 0")
		}
		if r.WindowDurationMillis < 0 {
			return errors.New("layer: window_duration must be > 0")
		}
	}
	if st := s.Stream; st != nil {
		if st.Protocol != "" {
			return ErrLegacyStreamShape
		}
		if st.Type != "websocket" && st.Type != "sse" {
			return fmt.Errorf("layer: stream type must be websocket or sse (got %q)", st.Type)
		}
		if st.URL == "" && s.URL == "" {
			return errors.New("layer: stream needs a url")
		}
	}
	return nil
}
