package geojson

import (
	"errors"
	"testing"
)

func TestDecode_ValidCollection(t *testing.T) {
	b := []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":null,"properties":{"name":"a","n":3}},
		{"type":"Feature","id":7,"geometry":{"type":"Point","coordinates":[0,0]},"properties":null}
	]}`)
	fc, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if fc.Type != "FeatureCollection" {
		t.Fatalf("type=%q", fc.Type)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("features len=%d want 2", len(fc.Features))
	}
	if v, ok := fc.Features[0].Properties["name"]; !ok || v != "a" {
		t.Fatalf("name property=%v ok=%v", v, ok)
	}
}

func TestDecode_SyntaxErrorIsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":"FeatureCollection",`))
	if !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("err=%v want ErrInvalidJSON", err)
	}
}

func TestDecode_WrongShapeIsNotFeatureCollection(t *testing.T) {
	cases := map[string]string{
		"wrong type":        `{"type":"Feature","features":[]}`,
		"missing features":  `{"type":"FeatureCollection"}`,
		"features not list": `{"type":"FeatureCollection","features":{}}`,
		"features null":     `{"type":"FeatureCollection","features":null}`,
		"top-level array":   `[1,2,3]`,
		"top-level scalar":  `42`,
	}
	for name, in := range cases {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrNotFeatureCollection) {
			t.Fatalf("%s: err=%v want ErrNotFeatureCollection", name, err)
		}
	}
}

func TestDecode_EmptyFeaturesOK(t *testing.T) {
	fc, err := Decode([]byte(`{"type":"FeatureCollection","features":[]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(fc.Features) != 0 {
		t.Fatalf("features len=%d want 0", len(fc.Features))
	}
}

func TestNumericProperty(t *testing.T) {
	f := Feature{Type: "Feature", Properties: map[string]any{
		"ts":   1500.0,
		"name": "x",
		"nil":  nil,
	}}
	if v, ok := NumericProperty(f, "ts"); !ok || v != 1500 {
		t.Fatalf("ts=%v ok=%v", v, ok)
	}
	if _, ok := NumericProperty(f, "name"); ok {
		t.Fatal("string property reported numeric")
	}
	if _, ok := NumericProperty(f, "nil"); ok {
		t.Fatal("null property reported numeric")
	}
	if _, ok := NumericProperty(f, "absent"); ok {
		t.Fatal("absent property reported numeric")
	}
	if _, ok := NumericProperty(Feature{}, "ts"); ok {
		t.Fatal("nil properties reported numeric")
	}
}

func TestProperty(t *testing.T) {
	f := Feature{Properties: map[string]any{"id": "k1", "null": nil}}
	if v, ok := Property(f, "id"); !ok || v != "k1" {
		t.Fatalf("id=%v ok=%v", v, ok)
	}
	if _, ok := Property(f, "null"); ok {
		t.Fatal("null property reported present")
	}
}
