// Package cache implements the query cache: an LRU+TTL map from query
// fingerprint to result list that fronts the search path.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Fingerprint is the deterministic, byte-exact cache key for a query:
// concatenated little-endian IEEE-754 query vector bytes, then
// k (varint), metric id (byte), threshold (IEEE-754), and a canonicalized
// filter predicate. Hash is a 128-bit digest used for O(1) map lookup;
// Raw is kept so that a hash collision is never mistaken for a hit — full
// byte-equality is the only thing that ever confirms a match.
type Fingerprint struct {
	Hash [16]byte
	Raw  []byte
}

// Compute builds a Fingerprint from a query's parameters. metric is the
// one-byte metric id (core.Metric fits); filterCanonical is the
// caller-supplied canonicalized filter serialization (see
// internal/encoding.CanonicalFilter).
func Compute(query []float32, k int, metric byte, threshold float64, filterCanonical string) Fingerprint {
	buf := make([]byte, 0, 4*len(query)+binary.MaxVarintLen64+1+8+len(filterCanonical))

	for _, v := range query {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf = append(buf, b[:]...)
	}

	var vb [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(vb[:], uint64(k))
	buf = append(buf, vb[:n]...)

	buf = append(buf, metric)

	var tb [8]byte
	binary.LittleEndian.PutUint64(tb[:], math.Float64bits(threshold))
	buf = append(buf, tb[:]...)

	buf = append(buf, filterCanonical...)

	// Truncated SHA-256. Not a security boundary: correctness comes from
	// the Raw byte-equality check, never from the hash alone.
	sum := sha256.Sum256(buf)
	var h [16]byte
	copy(h[:], sum[:16])
	return Fingerprint{Hash: h, Raw: buf}
}
