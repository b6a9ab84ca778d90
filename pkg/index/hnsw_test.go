package index

import (
	"math"
	"math/rand"
	"strconv"
	"testing"
)

func TestHNSWInsertAndSearchBasic(t *testing.T) {
	cfg := Config{M: 4, M0: 8, EfConstruction: 32, EfSearch: 16, Metric: CosineDistance, MinVectorsForIndex: 1}
	h := New(cfg, 1)
	h.SetState(Ready)

	vecs := map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
		"c": {0, 0, 1},
	}
	for id, v := range vecs {
		if err := h.Insert(id, v); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	ids, dists := h.Search([]float32{1, 0, 0}, 3, 16)
	if len(ids) != 3 {
		t.Fatalf("expected 3 results, got %d", len(ids))
	}
	if ids[0] != "a" {
		t.Fatalf("expected closest match 'a', got %q", ids[0])
	}
	if dists[0] > 1e-6 {
		t.Fatalf("expected ~0 distance to exact match, got %v", dists[0])
	}
}

func TestHNSWEdgesAreSymmetric(t *testing.T) {
	cfg := Config{M: 4, M0: 8, EfConstruction: 32, EfSearch: 16, Metric: EuclideanDistance, MinVectorsForIndex: 1}
	h := New(cfg, 2)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		v := make([]float32, 8)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		if err := h.Insert(idFor(i), v); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	nodes, edges := h.Snapshot()
	if len(nodes) == 0 {
		t.Fatal("expected nodes in snapshot")
	}
	seen := make(map[[3]any]bool)
	for _, e := range edges {
		if e.Tombstoned {
			continue
		}
		seen[[3]any{e.From, e.To, e.Level}] = true
	}
	for _, e := range edges {
		if e.Tombstoned {
			continue
		}
		rev := [3]any{e.To, e.From, e.Level}
		if !seen[rev] {
			t.Fatalf("edge %s->%s@%d has no reverse", e.From, e.To, e.Level)
		}
	}
}

func TestHNSWCapacityRespected(t *testing.T) {
	cfg := Config{M: 4, M0: 8, EfConstruction: 64, EfSearch: 32, Metric: EuclideanDistance, MinVectorsForIndex: 1}
	h := New(cfg, 3)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		v := make([]float32, 16)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		if err := h.Insert(idFor(i), v); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	_, edges := h.Snapshot()
	counts := map[[2]any]int{}
	for _, e := range edges {
		if e.Tombstoned {
			continue
		}
		counts[[2]any{e.From, e.Level}]++
	}
	for k, c := range counts {
		lvl := k[1].(int)
		limit := cfg.M
		if lvl == 0 {
			limit = cfg.M0
		}
		if c > limit {
			t.Fatalf("node %v at level %d has %d out-edges, limit %d", k[0], lvl, c, limit)
		}
	}
}

func TestHNSWDeleteTombstonesAndExcludesFromSearch(t *testing.T) {
	cfg := Config{M: 4, M0: 8, EfConstruction: 32, EfSearch: 16, Metric: CosineDistance, MinVectorsForIndex: 1}
	h := New(cfg, 4)
	h.SetState(Ready)
	h.Insert("a", []float32{1, 0, 0})
	h.Insert("b", []float32{0, 1, 0})
	h.Insert("c", []float32{0, 0, 1})

	if err := h.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ids, _ := h.Search([]float32{1, 0, 0}, 3, 16)
	for _, id := range ids {
		if id == "a" {
			t.Fatal("deleted id returned by search")
		}
	}
}

func TestRecallAgainstBruteForce(t *testing.T) {
	const dim, n, k = 32, 500, 10
	cfg := Config{M: 16, M0: 32, EfConstruction: 200, EfSearch: 64, Metric: CosineDistance, MinVectorsForIndex: 1}
	h := New(cfg, 99)
	h.SetState(Ready)
	rng := rand.New(rand.NewSource(99))
	vectors := make(map[string][]float32, n)
	for i := 0; i < n; i++ {
		v := randomUnit(rng, dim)
		id := idFor(i)
		vectors[id] = v
		if err := h.Insert(id, v); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	queries := 20
	var hits, total int
	for q := 0; q < queries; q++ {
		query := randomUnit(rng, dim)
		truth, _ := BruteForce(query, vectors, k, CosineDistance)
		truthSet := make(map[string]bool, k)
		for _, id := range truth {
			truthSet[id] = true
		}
		got, _ := h.Search(query, k, cfg.EfSearch)
		for _, id := range got {
			if truthSet[id] {
				hits++
			}
		}
		total += k
	}
	recall := float64(hits) / float64(total)
	if recall < 0.7 {
		t.Fatalf("recall@%d = %.2f, too low for a small smoke test", k, recall)
	}
}

func idFor(i int) string {
	return "id-" + strconv.Itoa(i)
}

func randomUnit(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	var norm float64
	for i := range v {
		v[i] = float32(rng.NormFloat64())
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
