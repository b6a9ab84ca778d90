package quantization

import (
	"math/rand"
	"testing"
)

// trainedPQ builds a product quantizer trained on clustered embedding-like
// vectors (uniform noise is a known worst case for PQ, so accuracy
// assertions here are gated on structured data). Returns the quantizer and
// its training set; vectors[i] belongs to cluster i%clusters.
func trainedPQ(t *testing.T, dim, subspaces, centroids, clusters int, seed int64) (*ProductQuantizer, [][]float32) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	vectors := embeddingLike(rng, 900, dim, clusters, 0.05)

	pq, err := NewProductQuantizer(dim, subspaces, centroids)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := pq.Train(vectors); err != nil {
		t.Fatalf("train: %v", err)
	}
	return pq, vectors
}

func TestProductQuantizerConstructorValidation(t *testing.T) {
	if _, err := NewProductQuantizer(10, 3, 16); err == nil {
		t.Fatal("dimension not divisible by subspace count must be rejected")
	}
	if _, err := NewProductQuantizer(16, 4, 512); err == nil {
		t.Fatal("more than 256 centroids cannot fit a byte code")
	}
	pq, err := NewProductQuantizer(16, 4, 8)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if pq.SubDim != 4 {
		t.Fatalf("expected subspace width 4, got %d", pq.SubDim)
	}
}

func TestProductQuantizerTrainingFloor(t *testing.T) {
	pq, _ := NewProductQuantizer(16, 4, 8)
	rng := rand.New(rand.NewSource(1))
	if err := pq.Train(embeddingLike(rng, 100, 16, 2, 0.05)); err == nil {
		t.Fatal("training below the sample floor must be rejected")
	}
	if pq.Trained {
		t.Fatal("failed training must leave the quantizer untrained")
	}
}

func TestProductQuantizerTrainIsOneShot(t *testing.T) {
	pq, vectors := trainedPQ(t, 16, 4, 8, 3, 2)
	if err := pq.Train(vectors); err == nil {
		t.Fatal("second Train call must be rejected; codebooks are frozen")
	}
}

func TestProductQuantizerRequiresTraining(t *testing.T) {
	pq, _ := NewProductQuantizer(16, 4, 8)
	if _, err := pq.Encode(make([]float32, 16)); err == nil {
		t.Fatal("expected error encoding before training")
	}
	if _, err := pq.Decode(make([]byte, 4)); err == nil {
		t.Fatal("expected error decoding before training")
	}
	if _, err := pq.ComputeDistance(make([]byte, 4), make([]float32, 16)); err == nil {
		t.Fatal("expected error computing distance before training")
	}
}

func TestProductQuantizerEncodeDecode(t *testing.T) {
	pq, vectors := trainedPQ(t, 16, 4, 8, 3, 3)

	code, err := pq.Encode(vectors[0])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(code) != pq.M {
		t.Fatalf("expected %d code bytes, got %d", pq.M, len(code))
	}

	got, err := pq.Decode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != pq.D {
		t.Fatalf("decoded width %d, want %d", len(got), pq.D)
	}
	// The reconstruction is a centroid concatenation: it approximates the
	// original but is not it. With tight clusters it must stay close.
	if d := euclideanDistance(got, vectors[0]); d > 1.0 {
		t.Fatalf("reconstruction error %v too large for tightly clustered data", d)
	}

	if _, err := pq.Encode(make([]float32, 8)); err == nil {
		t.Fatal("expected error encoding wrong-width vector")
	}
	if _, err := pq.Decode(make([]byte, 2)); err == nil {
		t.Fatal("expected error decoding wrong-length codes")
	}
}

// TestAsymmetricDistanceSeparatesClusters: the full-precision query against
// coded vectors must rank same-cluster codes ahead of other-cluster codes.
func TestAsymmetricDistanceSeparatesClusters(t *testing.T) {
	pq, vectors := trainedPQ(t, 16, 4, 8, 3, 4)

	query := vectors[0]               // cluster 0
	sameCode, _ := pq.Encode(vectors[3])  // cluster 0
	otherCode, _ := pq.Encode(vectors[1]) // cluster 1

	sameDist, err := pq.ComputeDistance(sameCode, query)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	otherDist, err := pq.ComputeDistance(otherCode, query)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if sameDist >= otherDist {
		t.Fatalf("same-cluster distance %v not below other-cluster distance %v", sameDist, otherDist)
	}
}

func TestSearchPQRetrievesOwnCluster(t *testing.T) {
	pq, vectors := trainedPQ(t, 16, 4, 8, 3, 5)

	codes := make([][]byte, len(vectors))
	for i, v := range vectors {
		code, err := pq.Encode(v)
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		codes[i] = code
	}

	const clusters = 3
	query := vectors[0] // cluster 0
	indices, distances := pq.SearchPQ(query, codes, 10)
	if len(indices) != 10 {
		t.Fatalf("expected 10 results, got %d", len(indices))
	}
	for i := 1; i < len(distances); i++ {
		if distances[i] < distances[i-1] {
			t.Fatalf("results not sorted by distance at %d: %v", i, distances)
		}
	}
	sameCluster := 0
	for _, idx := range indices {
		if idx%clusters == 0 {
			sameCluster++
		}
	}
	if sameCluster < 8 {
		t.Fatalf("only %d/10 retrieved codes share the query's cluster", sameCluster)
	}
}

func TestSearchPQBoundaries(t *testing.T) {
	pq, vectors := trainedPQ(t, 16, 4, 8, 3, 6)

	if idx, _ := pq.SearchPQ(vectors[0], nil, 5); idx != nil {
		t.Fatal("empty code set must return no results")
	}

	codes := make([][]byte, 3)
	for i := 0; i < 3; i++ {
		codes[i], _ = pq.Encode(vectors[i])
	}
	idx, dists := pq.SearchPQ(vectors[0], codes, 10)
	if len(idx) != 3 || len(dists) != 3 {
		t.Fatalf("topK beyond the code count must return everything, got %d", len(idx))
	}
}

func TestProductQuantizerCompressionRatio(t *testing.T) {
	pq, _ := NewProductQuantizer(128, 8, 256)
	if r := pq.CompressionRatio(); r != 64 {
		t.Fatalf("128 dims in 8 byte codes must compress 64x, got %v", r)
	}
}

func TestCodebookSerializationRoundTrip(t *testing.T) {
	pq, vectors := trainedPQ(t, 16, 4, 8, 3, 7)

	blob := pq.SerializeCodebooks()
	if blob == nil {
		t.Fatal("trained quantizer must serialize")
	}

	restored, _ := NewProductQuantizer(16, 4, 8)
	if err := restored.DeserializeCodebooks(blob); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !restored.Trained {
		t.Fatal("restored quantizer must report trained")
	}

	// Same codebooks, same codes.
	for _, v := range vectors[:10] {
		a, err := pq.Encode(v)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		b, err := restored.Encode(v)
		if err != nil {
			t.Fatalf("restored encode: %v", err)
		}
		if string(a) != string(b) {
			t.Fatalf("restored quantizer encodes differently: %v vs %v", a, b)
		}
	}

	untrained, _ := NewProductQuantizer(16, 4, 8)
	if untrained.SerializeCodebooks() != nil {
		t.Fatal("untrained quantizer must not serialize")
	}
	if err := untrained.DeserializeCodebooks([]byte{1, 2}); err == nil {
		t.Fatal("truncated codebook data must be rejected")
	}
}
