package agentdb

import (
	"sync"

	"github.com/agentdb/agentdb/internal/encoding"
	"github.com/agentdb/agentdb/pkg/core"
	"github.com/agentdb/agentdb/pkg/quantization"
)

// Quantizer is the common Encode/Decode surface every codec in
// pkg/quantization implements; the engine talks to whichever one
// Config.Quantization selects through this interface only.
type Quantizer interface {
	Encode(vector []float32) ([]byte, error)
	Decode(encoded []byte) ([]float32, error)
}

// minTrainingSample mirrors the product quantizer's own k-means sample
// floor. Scalar and binary quantizers train happily on far fewer, but holding
// every quantizer to the same floor keeps the lazy-training trigger in one
// place and avoids a degenerate scalar/binary codec trained on a handful
// of outlier vectors.
const minTrainingSample = 800

// quantizerState lazily trains the configured quantizer once enough
// sample vectors have been seen, then freezes it for the life of the
// column; re-training requires a full index rebuild.
type quantizerState struct {
	mu      sync.Mutex
	cfg     core.QuantizationConfig
	dim     int
	samples [][]float32
	q       Quantizer
	tag     byte
}

func newQuantizerState(cfg core.QuantizationConfig) *quantizerState {
	return &quantizerState{cfg: cfg}
}

// Ready reports whether training has completed and Encode/Decode are safe
// to call.
func (qs *quantizerState) Ready() bool {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.q != nil
}

// Observe feeds a freshly inserted vector into the training sample and
// trains the quantizer once the sample floor is reached. Observations
// after training are simply discarded; parameters are frozen at training
// time.
func (qs *quantizerState) Observe(vec []float32) {
	if !qs.cfg.Enabled {
		return
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.q != nil {
		return
	}
	if qs.dim == 0 {
		qs.dim = len(vec)
	}
	cp := append([]float32(nil), vec...)
	qs.samples = append(qs.samples, cp)
	if len(qs.samples) < minTrainingSample {
		return
	}
	qs.train()
}

func (qs *quantizerState) train() {
	switch qs.cfg.Type {
	case "product":
		subvectors := qs.cfg.Subvectors
		if subvectors <= 0 {
			subvectors = 8
		}
		centroids := qs.cfg.Centroids
		if centroids <= 0 {
			centroids = 256
		}
		pq, err := quantization.NewProductQuantizer(qs.dim, subvectors, centroids)
		if err != nil {
			return
		}
		if err := pq.Train(qs.samples); err != nil {
			return
		}
		qs.q, qs.tag = pq, byte(encoding.CodecProduct)
	case "binary":
		bq := quantization.NewBinaryQuantizer(qs.dim)
		if err := bq.Train(qs.samples); err != nil {
			return
		}
		qs.q, qs.tag = bq, byte(encoding.CodecBinary)
	default: // "scalar"
		bits := qs.cfg.Bits
		if bits <= 0 {
			bits = 8
		}
		sq, err := quantization.NewScalarQuantizer(qs.dim, bits)
		if err != nil {
			return
		}
		if err := sq.Train(qs.samples); err != nil {
			return
		}
		qs.q, qs.tag = sq, byte(encoding.CodecScalar)
	}
	qs.samples = nil // codebooks are frozen; the raw sample is no longer needed
}

// Encode returns a tagged quantized blob for vec, or (nil, false) if the
// quantizer has not finished training yet.
func (qs *quantizerState) Encode(vec []float32) ([]byte, bool) {
	qs.mu.Lock()
	q, tag := qs.q, qs.tag
	qs.mu.Unlock()
	if q == nil {
		return nil, false
	}
	code, err := q.Encode(vec)
	if err != nil {
		return nil, false
	}
	return encoding.EncodeQuantized(encoding.CodecTag(tag), code), true
}
