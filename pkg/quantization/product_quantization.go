package quantization

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// minProductTrainingVectors is the sample size floor for product quantizer
// training: k-means per subspace needs enough points per
// centroid to avoid degenerate clusters, independent of K*M.
const minProductTrainingVectors = 800

// ProductQuantizer splits each vector into M subspaces and replaces each
// subspace with the id of its nearest of K trained centroids, giving M
// bytes per vector (a D*4/M compression ratio) at the cost of
// asymmetric-distance search.
type ProductQuantizer struct {
	M         int
	K         int
	D         int
	SubDim    int
	Codebooks [][][]float32
	Trained   bool
	TrainSize int
}

// NewProductQuantizer allocates an untrained quantizer. numCentroids must
// fit in a byte code (<=256) and dimension must split evenly into
// numSubspaces.
func NewProductQuantizer(dimension, numSubspaces, numCentroids int) (*ProductQuantizer, error) {
	if dimension%numSubspaces != 0 {
		return nil, fmt.Errorf("dimension %d must be divisible by numSubspaces %d", dimension, numSubspaces)
	}
	if numCentroids > 256 {
		return nil, errors.New("numCentroids must be <= 256 for byte encoding")
	}
	return &ProductQuantizer{
		M:         numSubspaces,
		K:         numCentroids,
		D:         dimension,
		SubDim:    dimension / numSubspaces,
		Codebooks: make([][][]float32, numSubspaces),
	}, nil
}

// Train runs k-means independently per subspace. Requires at least
// minProductTrainingVectors samples (and at least K*M in total); once
// trained the codebooks are frozen and a second Train call is rejected —
// retraining means building a fresh quantizer and rebuilding the index
// against its codes.
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	if pq.Trained {
		return errAlreadyTrained
	}
	if len(vectors) < minProductTrainingVectors {
		return fmt.Errorf("need at least %d vectors for training, got %d", minProductTrainingVectors, len(vectors))
	}
	if len(vectors) < pq.K*pq.M {
		return fmt.Errorf("need at least %d vectors for %d centroids x %d subspaces, got %d", pq.K*pq.M, pq.K, pq.M, len(vectors))
	}

	pq.TrainSize = len(vectors)
	for m := 0; m < pq.M; m++ {
		start := m * pq.SubDim
		end := start + pq.SubDim
		subvectors := make([][]float32, len(vectors))
		for i, vec := range vectors {
			subvectors[i] = vec[start:end]
		}
		centroids, err := kMeansSubspace(subvectors, pq.K, 20)
		if err != nil {
			return fmt.Errorf("k-means failed for subspace %d: %w", m, err)
		}
		pq.Codebooks[m] = centroids
	}
	pq.Trained = true
	return nil
}

// Encode replaces each subspace with its nearest centroid id.
func (pq *ProductQuantizer) Encode(vector []float32) ([]byte, error) {
	if !pq.Trained {
		return nil, errNotTrained
	}
	if len(vector) != pq.D {
		return nil, fmt.Errorf("vector dimension %d doesn't match quantizer dimension %d", len(vector), pq.D)
	}
	codes := make([]byte, pq.M)
	for m := 0; m < pq.M; m++ {
		start := m * pq.SubDim
		subvec := vector[start : start+pq.SubDim]
		minDist := float32(math.MaxFloat32)
		minIdx := 0
		for k := 0; k < pq.K; k++ {
			d := euclideanDistance(subvec, pq.Codebooks[m][k])
			if d < minDist {
				minDist = d
				minIdx = k
			}
		}
		codes[m] = byte(minIdx)
	}
	return codes, nil
}

// Decode reconstructs a vector by concatenating each subspace's centroid.
// The result approximates the original to within the quantizer's training
// residual and must never be written back as if exact.
func (pq *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !pq.Trained {
		return nil, errNotTrained
	}
	if len(codes) != pq.M {
		return nil, fmt.Errorf("codes length %d doesn't match number of subspaces %d", len(codes), pq.M)
	}
	vector := make([]float32, pq.D)
	for m := 0; m < pq.M; m++ {
		centroidIdx := int(codes[m])
		if centroidIdx >= pq.K {
			return nil, fmt.Errorf("invalid code %d for subspace %d", centroidIdx, m)
		}
		start := m * pq.SubDim
		copy(vector[start:start+pq.SubDim], pq.Codebooks[m][centroidIdx])
	}
	return vector, nil
}

// ComputeDistance sums per-subspace centroid distances against query —
// the asymmetric distance computation (query stays full precision, stored
// vectors stay coded) that makes PQ search accurate despite compression.
func (pq *ProductQuantizer) ComputeDistance(codes []byte, query []float32) (float32, error) {
	if !pq.Trained {
		return 0, errNotTrained
	}
	table := pq.distanceTable(query)
	var total float32
	for m := 0; m < pq.M; m++ {
		total += table[m][codes[m]]
	}
	return total, nil
}

func (pq *ProductQuantizer) distanceTable(query []float32) [][]float32 {
	table := make([][]float32, pq.M)
	for m := 0; m < pq.M; m++ {
		table[m] = make([]float32, pq.K)
		start := m * pq.SubDim
		subquery := query[start : start+pq.SubDim]
		for k := 0; k < pq.K; k++ {
			table[m][k] = euclideanDistance(subquery, pq.Codebooks[m][k])
		}
	}
	return table
}

// SearchPQ ranks a set of coded vectors against query using one shared
// per-query distance table, returning the topK closest indices.
func (pq *ProductQuantizer) SearchPQ(query []float32, codes [][]byte, topK int) ([]int, []float32) {
	if !pq.Trained || len(codes) == 0 {
		return nil, nil
	}
	table := pq.distanceTable(query)

	type result struct {
		idx  int
		dist float32
	}
	results := make([]result, len(codes))
	for i, code := range codes {
		var d float32
		for m := 0; m < pq.M; m++ {
			d += table[m][code[m]]
		}
		results[i] = result{idx: i, dist: d}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })

	k := topK
	if k > len(results) {
		k = len(results)
	}
	indices := make([]int, k)
	distances := make([]float32, k)
	for i := 0; i < k; i++ {
		indices[i] = results[i].idx
		distances[i] = results[i].dist
	}
	return indices, distances
}

// CompressionRatio is D*4 bytes (raw) over M bytes (coded).
func (pq *ProductQuantizer) CompressionRatio() float32 {
	return float32(pq.D*4) / float32(pq.M)
}

// SerializeCodebooks packs M/K/D/SubDim plus the trained centroids as
// little-endian data, suitable for storing alongside the index snapshot.
func (pq *ProductQuantizer) SerializeCodebooks() []byte {
	if !pq.Trained {
		return nil
	}
	size := 4*4 + pq.M*pq.K*pq.SubDim*4
	buf := make([]byte, size)
	offset := 0
	binary.LittleEndian.PutUint32(buf[offset:], uint32(pq.M))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(pq.K))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(pq.D))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(pq.SubDim))
	offset += 4
	for m := 0; m < pq.M; m++ {
		for k := 0; k < pq.K; k++ {
			for d := 0; d < pq.SubDim; d++ {
				binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(pq.Codebooks[m][k][d]))
				offset += 4
			}
		}
	}
	return buf
}

// DeserializeCodebooks restores a quantizer from SerializeCodebooks output.
func (pq *ProductQuantizer) DeserializeCodebooks(data []byte) error {
	if len(data) < 16 {
		return errors.New("invalid codebook data")
	}
	offset := 0
	pq.M = int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	pq.K = int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	pq.D = int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	pq.SubDim = int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	pq.Codebooks = make([][][]float32, pq.M)
	for m := 0; m < pq.M; m++ {
		pq.Codebooks[m] = make([][]float32, pq.K)
		for k := 0; k < pq.K; k++ {
			pq.Codebooks[m][k] = make([]float32, pq.SubDim)
			for d := 0; d < pq.SubDim; d++ {
				pq.Codebooks[m][k][d] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
				offset += 4
			}
		}
	}
	pq.Trained = true
	return nil
}

// kMeansSubspace runs Lloyd's algorithm over one subspace's slice of each
// training vector, seeded with a random permutation of the data itself.
func kMeansSubspace(vectors [][]float32, k int, maxIters int) ([][]float32, error) {
	if len(vectors) < k {
		return nil, fmt.Errorf("need at least %d vectors, got %d", k, len(vectors))
	}
	dim := len(vectors[0])

	centroids := make([][]float32, k)
	perm := rand.Perm(len(vectors))
	for i := 0; i < k; i++ {
		centroids[i] = make([]float32, dim)
		copy(centroids[i], vectors[perm[i]])
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			minDist := float32(math.MaxFloat32)
			minIdx := 0
			for j, c := range centroids {
				d := euclideanDistance(vec, c)
				if d < minDist {
					minDist = d
					minIdx = j
				}
			}
			if assignments[i] != minIdx {
				changed = true
				assignments[i] = minIdx
			}
		}
		if !changed {
			break
		}

		counts := make([]int, k)
		for i := range centroids {
			centroids[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			cluster := assignments[i]
			counts[cluster]++
			for j := 0; j < dim; j++ {
				centroids[cluster][j] += vec[j]
			}
		}
		for i := range centroids {
			if counts[i] > 0 {
				for j := 0; j < dim; j++ {
					centroids[i][j] /= float32(counts[i])
				}
			}
		}
	}
	return centroids, nil
}

func euclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return float32(math.Sqrt(float64(sum)))
}
