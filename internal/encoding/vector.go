// Package encoding implements the Vector Codec: conversion between in-memory
// float32 embeddings and the packed little-endian byte layout persisted in
// the vectors table, plus L2 norm precomputation and metadata (de)serialization.
package encoding

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"sort"
)

// ErrInvalidVector is returned for a nil vector, a NaN/Inf component, or a
// blob whose length is not a multiple of 4 bytes.
var ErrInvalidVector = errors.New("invalid vector")

// CodecTag identifies the quantizer (if any) that produced a quantized
// blob, carried as a one-byte prefix on quantized columns. The unquantized
// vectors column carries no tag at all, since its dimension is implicit
// from store configuration.
type CodecTag byte

const (
	CodecNone CodecTag = iota
	CodecScalar
	CodecProduct
	CodecBinary
)

// EncodeVector packs vec as little-endian IEEE-754 float32s with no length
// prefix; the reader supplies the expected dimension from store config.
func EncodeVector(vec []float32) ([]byte, error) {
	if vec == nil {
		return nil, ErrInvalidVector
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf, nil
}

// DecodeVector unpacks a blob produced by EncodeVector. dim, if > 0, is
// checked against the blob length.
func DecodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, ErrInvalidVector
	}
	n := len(blob) / 4
	if dim > 0 && n != dim {
		return nil, ErrInvalidVector
	}
	vec := make([]float32, n)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// EncodeQuantized prepends tag to a quantizer-produced code blob.
func EncodeQuantized(tag CodecTag, code []byte) []byte {
	out := make([]byte, 1+len(code))
	out[0] = byte(tag)
	copy(out[1:], code)
	return out
}

// DecodeQuantized splits a tagged blob back into its codec tag and code.
func DecodeQuantized(blob []byte) (CodecTag, []byte, error) {
	if len(blob) < 1 {
		return CodecNone, nil, ErrInvalidVector
	}
	return CodecTag(blob[0]), blob[1:], nil
}

// Norm computes the L2 norm of vec in float64 before rounding to float32,
// keeping the stored norm within 1e-6 of the true value.
func Norm(vec []float32) float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum))
}

// ValidateVector rejects nil, empty, or non-finite vectors.
func ValidateVector(vec []float32) error {
	if len(vec) == 0 {
		return ErrInvalidVector
	}
	for _, v := range vec {
		f := float64(v)
		if f != f || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// EncodeMetadata serializes a metadata bag to its JSON-shaped on-disk form.
func EncodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// CanonicalFilter renders a filter predicate into the stable, sorted-key
// serialization the Query Cache fingerprint requires.
func CanonicalFilter(filter map[string]string) string {
	if len(filter) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b, _ := json.Marshal(pairs(keys, filter))
	return string(b)
}

func pairs(keys []string, m map[string]string) [][2]string {
	out := make([][2]string, len(keys))
	for i, k := range keys {
		out[i] = [2]string{k, m[k]}
	}
	return out
}
