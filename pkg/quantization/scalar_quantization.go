// Package quantization implements the Vector Codec's optional quantizers:
// scalar (per-dimension linear codes), product (subspace k-means with
// asymmetric distance tables), and binary (sign-bit/LSH).
// quantizer parameters are frozen once trained; a codec that wants new
// parameters must be retrained from scratch and the index rebuilt against
// the new codes, never mutated in place.
package quantization

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var errNotTrained = errors.New("quantizer not trained")
var errAlreadyTrained = errors.New("quantizer already trained; retraining requires a fresh instance and a full index rebuild")

// ScalarQuantizer maps each dimension's value range onto an NBits-wide
// linear code (8 bits by default: ~4x compression, 95-98% cosine fidelity
// on natural embeddings).
type ScalarQuantizer struct {
	Dimension int
	Min       []float32
	Max       []float32
	NBits     int
	Trained   bool
}

// NewScalarQuantizer allocates an untrained quantizer for the given
// dimension and bit width (1-8).
func NewScalarQuantizer(dimension, nbits int) (*ScalarQuantizer, error) {
	if nbits < 1 || nbits > 8 {
		return nil, fmt.Errorf("nbits must be in [1,8], got %d", nbits)
	}
	return &ScalarQuantizer{
		Dimension: dimension,
		NBits:     nbits,
		Min:       make([]float32, dimension),
		Max:       make([]float32, dimension),
	}, nil
}

// Train fixes the per-dimension min/max range from a sample of vectors.
// Calling Train twice on the same instance is rejected — per-dimension
// ranges are frozen at training time.
func (sq *ScalarQuantizer) Train(vectors [][]float32) error {
	if sq.Trained {
		return errAlreadyTrained
	}
	if len(vectors) == 0 {
		return errors.New("no training vectors provided")
	}
	if len(vectors[0]) != sq.Dimension {
		return fmt.Errorf("vector dimension %d doesn't match quantizer dimension %d", len(vectors[0]), sq.Dimension)
	}
	for d := 0; d < sq.Dimension; d++ {
		sq.Min[d] = vectors[0][d]
		sq.Max[d] = vectors[0][d]
	}
	for _, vec := range vectors {
		if len(vec) != sq.Dimension {
			return fmt.Errorf("vector dimension %d doesn't match quantizer dimension %d", len(vec), sq.Dimension)
		}
		for d := 0; d < sq.Dimension; d++ {
			if vec[d] < sq.Min[d] {
				sq.Min[d] = vec[d]
			}
			if vec[d] > sq.Max[d] {
				sq.Max[d] = vec[d]
			}
		}
	}
	for d := 0; d < sq.Dimension; d++ {
		if sq.Max[d] == sq.Min[d] {
			sq.Max[d] += 1e-6
		}
	}
	sq.Trained = true
	return nil
}

// Encode packs vector into NBits-per-dimension codes.
func (sq *ScalarQuantizer) Encode(vector []float32) ([]byte, error) {
	if !sq.Trained {
		return nil, errNotTrained
	}
	if len(vector) != sq.Dimension {
		return nil, fmt.Errorf("vector dimension %d doesn't match quantizer dimension %d", len(vector), sq.Dimension)
	}
	maxVal := float32((uint32(1) << uint(sq.NBits)) - 1)
	encoded := make([]byte, (sq.Dimension*sq.NBits+7)/8)

	bitOffset := 0
	for d := 0; d < sq.Dimension; d++ {
		normalized := (vector[d] - sq.Min[d]) / (sq.Max[d] - sq.Min[d])
		if normalized < 0 {
			normalized = 0
		} else if normalized > 1 {
			normalized = 1
		}
		code := uint32(normalized * maxVal)
		for b := 0; b < sq.NBits; b++ {
			if (code & (1 << b)) != 0 {
				encoded[bitOffset/8] |= 1 << (bitOffset % 8)
			}
			bitOffset++
		}
	}
	return encoded, nil
}

// Decode reconstructs an approximate vector from a code; the result is
// within scalar quantization's declared rounding tolerance but is never
// the original vector and must not be written back as if it were.
func (sq *ScalarQuantizer) Decode(encoded []byte) ([]float32, error) {
	if !sq.Trained {
		return nil, errNotTrained
	}
	maxVal := float32((uint32(1) << uint(sq.NBits)) - 1)
	vector := make([]float32, sq.Dimension)

	bitOffset := 0
	for d := 0; d < sq.Dimension; d++ {
		var code uint32
		for b := 0; b < sq.NBits; b++ {
			byteIdx := bitOffset / 8
			if byteIdx >= len(encoded) {
				return nil, errors.New("encoded data too short")
			}
			if (encoded[byteIdx] & (1 << (bitOffset % 8))) != 0 {
				code |= 1 << b
			}
			bitOffset++
		}
		vector[d] = float32(code)/maxVal*(sq.Max[d]-sq.Min[d]) + sq.Min[d]
	}
	return vector, nil
}

// CompressionRatio is the ratio of raw float32 bits to encoded bits.
func (sq *ScalarQuantizer) CompressionRatio() float32 {
	return float32(sq.Dimension*32) / float32(sq.Dimension*sq.NBits)
}

// BinaryQuantizer reduces each dimension to a single sign bit relative to a
// learned per-dimension threshold: 32x compression, coarse prefiltering
// fidelity only; never treat decoded output as exact.
type BinaryQuantizer struct {
	Dimension int
	Threshold []float32
	Trained   bool
}

// NewBinaryQuantizer allocates an untrained binary quantizer.
func NewBinaryQuantizer(dimension int) *BinaryQuantizer {
	return &BinaryQuantizer{Dimension: dimension, Threshold: make([]float32, dimension)}
}

// Train sets each dimension's threshold to its mean over the sample.
func (bq *BinaryQuantizer) Train(vectors [][]float32) error {
	if bq.Trained {
		return errAlreadyTrained
	}
	if len(vectors) == 0 {
		return errors.New("no training vectors provided")
	}
	for d := 0; d < bq.Dimension; d++ {
		var sum float32
		for _, vec := range vectors {
			if len(vec) != bq.Dimension {
				return fmt.Errorf("vector dimension %d doesn't match quantizer dimension %d", len(vec), bq.Dimension)
			}
			sum += vec[d]
		}
		bq.Threshold[d] = sum / float32(len(vectors))
	}
	bq.Trained = true
	return nil
}

// Encode sets bit d when vector[d] exceeds its learned threshold.
func (bq *BinaryQuantizer) Encode(vector []float32) ([]byte, error) {
	if !bq.Trained {
		return nil, errNotTrained
	}
	if len(vector) != bq.Dimension {
		return nil, fmt.Errorf("vector dimension %d doesn't match quantizer dimension %d", len(vector), bq.Dimension)
	}
	encoded := make([]byte, (bq.Dimension+7)/8)
	for d := 0; d < bq.Dimension; d++ {
		if vector[d] > bq.Threshold[d] {
			encoded[d/8] |= 1 << (d % 8)
		}
	}
	return encoded, nil
}

// Decode reconstructs a coarse approximation (threshold ± 0.5) — for
// prefiltering only, never for exact recall.
func (bq *BinaryQuantizer) Decode(encoded []byte) ([]float32, error) {
	if !bq.Trained {
		return nil, errNotTrained
	}
	if want := (bq.Dimension + 7) / 8; len(encoded) != want {
		return nil, fmt.Errorf("expected %d bytes, got %d", want, len(encoded))
	}
	vector := make([]float32, bq.Dimension)
	for d := 0; d < bq.Dimension; d++ {
		if encoded[d/8]&(1<<(d%8)) != 0 {
			vector[d] = bq.Threshold[d] + 0.5
		} else {
			vector[d] = bq.Threshold[d] - 0.5
		}
	}
	return vector, nil
}

// HammingDistance counts differing bits via Brian Kernighan's algorithm.
func HammingDistance(a, b []byte) int {
	if len(a) != len(b) {
		return -1
	}
	distance := 0
	for i := range a {
		xor := a[i] ^ b[i]
		for xor != 0 {
			distance++
			xor &= xor - 1
		}
	}
	return distance
}

// CompressionRatio is 32x: one bit per dimension versus 32-bit floats.
func (bq *BinaryQuantizer) CompressionRatio() float32 {
	return float32(bq.Dimension*32) / float32(bq.Dimension)
}

// ProjectedBinaryQuantizer applies a random Gaussian projection (LSH) down
// to OutputDim before binarizing, trading a little more accuracy loss for a
// code width independent of the input dimension.
type ProjectedBinaryQuantizer struct {
	BinaryQuantizer
	Projections [][]float32
}

// NewProjectedBinaryQuantizer builds the random projection matrix up front;
// Train (inherited) still learns thresholds, but over projected vectors.
func NewProjectedBinaryQuantizer(inputDim, outputDim int, rng *rand.Rand) *ProjectedBinaryQuantizer {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	p := &ProjectedBinaryQuantizer{
		BinaryQuantizer: BinaryQuantizer{Dimension: outputDim, Threshold: make([]float32, outputDim)},
		Projections:     make([][]float32, outputDim),
	}
	scale := float32(math.Sqrt(float64(inputDim)))
	for i := 0; i < outputDim; i++ {
		p.Projections[i] = make([]float32, inputDim)
		for j := 0; j < inputDim; j++ {
			p.Projections[i][j] = float32(boxMuller(rng)) / scale
		}
	}
	return p
}

// Project maps an input-dimension vector down to the projected space.
func (p *ProjectedBinaryQuantizer) Project(vector []float32) []float32 {
	out := make([]float32, p.Dimension)
	for i := 0; i < p.Dimension; i++ {
		var sum float32
		for j, v := range vector {
			sum += v * p.Projections[i][j]
		}
		out[i] = sum
	}
	return out
}

func boxMuller(rng *rand.Rand) float64 {
	u1, u2 := rng.Float64(), rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
