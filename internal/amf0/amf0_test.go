package amf0

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestNumberRoundTrip(t *testing.T) {
	t.Parallel()
	for _, want := range []float64{0, 1, -1, 42.5, math.MaxFloat64} {
		buf := AppendNumber(nil, want)
		if len(buf) != 9 {
			t.Fatalf("encoded length: got %d, want 9", len(buf))
		}
		got, n, err := Decode(buf)
		if err != nil || n != 9 {
			t.Fatalf("Decode: %v (n=%d)", err, n)
		}
		if got != want {
			t.Errorf("round trip: got %v, want %v", got, want)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()
	buf := AppendString(nil, "onMetaData")
	got, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != "onMetaData" || n != len(buf) {
		t.Errorf("got %v (n=%d), want onMetaData (n=%d)", got, n, len(buf))
	}
}

func TestBooleanRoundTrip(t *testing.T) {
	t.Parallel()
	for _, want := range []bool{true, false} {
		got, _, err := Decode(AppendBoolean(nil, want))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestObjectRoundTrip(t *testing.T) {
	t.Parallel()
	props := map[string]any{
		"app":      "live",
		"tcUrl":    "rtmp://example/live",
		"audio":    true,
		"duration": 0.0,
	}
	buf := AppendObject(nil, props)
	got, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(buf) {
		t.Errorf("consumed %d of %d bytes", n, len(buf))
	}
	if !reflect.DeepEqual(got, props) {
		t.Errorf("got %v, want %v", got, props)
	}
}

func TestECMAArrayRoundTrip(t *testing.T) {
	t.Parallel()
	props := map[string]any{"width": 1280.0, "height": 720.0}
	got, n, err := Decode(AppendECMAArray(nil, props))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, props) {
		t.Errorf("got %v, want %v", got, props)
	}
	if n == 0 {
		t.Error("consumed zero bytes")
	}
}

func TestDeterministicEncoding(t *testing.T) {
	t.Parallel()
	props := map[string]any{"b": 2.0, "a": 1.0, "c": 3.0}
	first := AppendObject(nil, props)
	for i := 0; i < 10; i++ {
		if !bytes.Equal(AppendObject(nil, props), first) {
			t.Fatal("object encoding is not deterministic")
		}
	}
}

func TestDecodeAllCommandBody(t *testing.T) {
	t.Parallel()
	body := AppendString(nil, "connect")
	body = AppendNumber(body, 1)
	body = AppendObject(body, map[string]any{"app": "live"})
	body = AppendNull(body)

	vals, err := DecodeAll(body)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(vals) != 4 {
		t.Fatalf("got %d values, want 4", len(vals))
	}
	if vals[0] != "connect" || vals[1] != 1.0 || vals[3] != nil {
		t.Errorf("unexpected values: %v", vals)
	}
}

func TestDecodeTruncated(t *testing.T) {
	t.Parallel()
	cases := [][]byte{
		nil,
		{markerNumber, 0x01},
		{markerString, 0x00, 0x05, 'a'},
		{markerBoolean},
		{markerECMAArray, 0x00},
	}
	for _, c := range cases {
		if _, _, err := Decode(c); !errors.Is(err, ErrTruncated) {
			t.Errorf("Decode(%x): got %v, want ErrTruncated", c, err)
		}
	}
}

func TestDecodeUnsupportedMarker(t *testing.T) {
	t.Parallel()
	if _, _, err := Decode([]byte{0x0B, 0x00}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("got %v, want ErrUnsupportedType", err)
	}
}
