package encoding

import (
	"math"
	"testing"
)

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	vec := []float32{1, 0, 0, 0.5, -2.25}
	blob, err := EncodeVector(vec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(blob) != 4*len(vec) {
		t.Fatalf("expected no length prefix: got %d bytes for %d floats", len(blob), len(vec))
	}
	got, err := DecodeVector(blob, len(vec))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("index %d: got %v want %v", i, got[i], vec[i])
		}
	}
}

func TestDecodeVectorDimensionMismatch(t *testing.T) {
	blob, _ := EncodeVector([]float32{1, 2, 3})
	if _, err := DecodeVector(blob, 4); err == nil {
		t.Fatal("expected error on dimension mismatch")
	}
}

func TestNormToleranceWithinSpec(t *testing.T) {
	vec := []float32{1, 0, 0}
	n := Norm(vec)
	if math.Abs(float64(n)-1.0) > 1e-6 {
		t.Fatalf("norm %v not within 1e-6 of 1.0", n)
	}
}

func TestValidateVectorRejectsNonFinite(t *testing.T) {
	if err := ValidateVector(nil); err == nil {
		t.Fatal("expected error for nil vector")
	}
	if err := ValidateVector([]float32{1, float32(math.NaN())}); err == nil {
		t.Fatal("expected error for NaN component")
	}
	if err := ValidateVector([]float32{1, float32(math.Inf(1))}); err == nil {
		t.Fatal("expected error for Inf component")
	}
}

func TestEncodeQuantizedRoundTrip(t *testing.T) {
	code := []byte{0xAA, 0xBB, 0xCC}
	blob := EncodeQuantized(CodecScalar, code)
	tag, got, err := DecodeQuantized(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tag != CodecScalar {
		t.Fatalf("got tag %v want %v", tag, CodecScalar)
	}
	if string(got) != string(code) {
		t.Fatalf("got code %v want %v", got, code)
	}
}

func TestCanonicalFilterStableOrdering(t *testing.T) {
	a := CanonicalFilter(map[string]string{"b": "2", "a": "1"})
	b := CanonicalFilter(map[string]string{"a": "1", "b": "2"})
	if a != b {
		t.Fatalf("canonical filter not order-independent: %q vs %q", a, b)
	}
	if CanonicalFilter(nil) != "" {
		t.Fatal("expected empty string for nil filter")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	m := map[string]string{"domain": "billing", "outcome": "success"}
	s, err := EncodeMetadata(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeMetadata(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(m) || got["domain"] != "billing" {
		t.Fatalf("round-trip mismatch: %v", got)
	}
}
