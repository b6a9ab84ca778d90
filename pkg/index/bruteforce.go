package index

import "container/heap"

// BruteForce computes exact k-nearest-neighbors by scanning every
// (id, vector) pair handed to it. It backs search when the HNSW index is
// Disabled/Seeded/Building or the record count is below
// Config.MinVectorsForIndex.
func BruteForce(query []float32, vectors map[string][]float32, k int, metric Distance) ([]string, []float32) {
	if len(vectors) == 0 || k <= 0 {
		return []string{}, []float32{}
	}
	h := &maxHeap{}
	for id, vec := range vectors {
		d := metric(query, vec)
		if h.Len() < k {
			heap.Push(h, item{id, d})
		} else if d < (*h)[0].d {
			heap.Pop(h)
			heap.Push(h, item{id, d})
		}
	}
	out := make([]distPair, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		it := heap.Pop(h).(item)
		out[i] = distPair{id: it.id, d: it.d}
	}
	ids := make([]string, len(out))
	dists := make([]float32, len(out))
	for i, p := range out {
		ids[i] = p.id
		dists[i] = p.d
	}
	return ids, dists
}
