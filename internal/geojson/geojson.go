// Package geojson holds the FeatureCollection model exchanged between the
// live-data core and its consumers.
package geojson

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidJSON marks a payload that could not be parsed at all.
	ErrInvalidJSON = errors.New("invalid json")
	// ErrNotFeatureCollection marks valid JSON whose shape is not a
	// GeoJSON FeatureCollection.
	ErrNotFeatureCollection = errors.New("not a geojson FeatureCollection")
)

type Feature struct {
	Type       string          `json:"type"`
	ID         any             `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

func NewFeatureCollection(features ...Feature) *FeatureCollection {
	return &FeatureCollection{Type: "FeatureCollection", Features: features}
}

// Decode parses b and verifies it is a FeatureCollection: an object with
// type == "FeatureCollection" and a features array. Syntax failures wrap
// ErrInvalidJSON; shape failures wrap ErrNotFeatureCollection.
func Decode(b []byte) (*FeatureCollection, error) {
	var shape struct {
		Type     string          `json:"type"`
		Features json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(b, &shape); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotFeatureCollection, err)
	}
	if shape.Type != "FeatureCollection" {
		return nil, fmt.Errorf("%w: type=%q", ErrNotFeatureCollection, shape.Type)
	}
	if len(shape.Features) == 0 || shape.Features[0] != '[' {
		return nil, fmt.Errorf("%w: features is not an array", ErrNotFeatureCollection)
	}
	var feats []Feature
	if err := json.Unmarshal(shape.Features, &feats); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFeatureCollection, err)
	}
	return &FeatureCollection{Type: "FeatureCollection", Features: feats}, nil
}

// DecodeValue decodes a stream message payload, which arrives as raw JSON
// bytes (json.RawMessage). Only raw bytes are accepted; anything else,
// such as a raw-text fallback string, is not a FeatureCollection.
func DecodeValue(v any) (*FeatureCollection, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return Decode(t)
	case []byte:
		return Decode(t)
	default:
		return nil, fmt.Errorf("%w: %T payload", ErrNotFeatureCollection, v)
	}
}

// NumericProperty returns the named property as a float64 when it carries
// a JSON number. Non-numeric and missing values report ok=false.
func NumericProperty(f Feature, key string) (float64, bool) {
	if f.Properties == nil {
		return 0, false
	}
	v, ok := f.Properties[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		fv, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return fv, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Property returns the named property value when present and non-null.
func Property(f Feature, key string) (any, bool) {
	if f.Properties == nil {
		return nil, false
	}
	v, ok := f.Properties[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
