// Package metrics holds the engine's observability surface: counters for
// inserts/deletes/searches/errors, and histograms for search latency,
// insert batch size, and HNSW beam fill ratio. The snapshot API returns a
// flat map suitable for external scraping.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// SearchPath tags which retrieval path served a search, for the
// "searches (by path: cache/hit, cache/miss, hnsw, brute)" counter family.
type SearchPath string

const (
	PathCacheHit  SearchPath = "cache_hit"
	PathCacheMiss SearchPath = "cache_miss"
	PathHNSW      SearchPath = "hnsw"
	PathBrute     SearchPath = "brute"
)

// histogram is a minimal fixed-sample histogram: it tracks count, sum,
// min, max exactly and keeps a bounded reservoir of samples for an
// approximate median/p95, which is all the Snapshot API promises.
type histogram struct {
	mu      sync.Mutex
	count   uint64
	sum     float64
	min     float64
	max     float64
	samples []float64 // capped ring buffer
	cap     int
	next    int
}

func newHistogram(cap int) *histogram {
	return &histogram{cap: cap, samples: make([]float64, 0, cap)}
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || v < h.min {
		h.min = v
	}
	if h.count == 0 || v > h.max {
		h.max = v
	}
	h.sum += v
	h.count++
	if len(h.samples) < h.cap {
		h.samples = append(h.samples, v)
	} else {
		h.samples[h.next] = v
		h.next = (h.next + 1) % h.cap
	}
}

func (h *histogram) snapshot(prefix string, out map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out[prefix+"_count"] = h.count
	out[prefix+"_sum"] = h.sum
	if h.count == 0 {
		out[prefix+"_min"] = 0.0
		out[prefix+"_max"] = 0.0
		out[prefix+"_p50"] = 0.0
		out[prefix+"_p95"] = 0.0
		out[prefix+"_mean"] = 0.0
		return
	}
	out[prefix+"_min"] = h.min
	out[prefix+"_max"] = h.max
	out[prefix+"_mean"] = h.sum / float64(h.count)

	sorted := append([]float64(nil), h.samples...)
	sort.Float64s(sorted)
	out[prefix+"_p50"] = percentile(sorted, 0.50)
	out[prefix+"_p95"] = percentile(sorted, 0.95)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Registry accumulates every counter and histogram the engine exposes. It
// is safe for concurrent use from any worker thread (ingest, search,
// maintenance alike).
type Registry struct {
	inserts atomic.Uint64
	deletes atomic.Uint64
	updates atomic.Uint64

	searchesByPath sync.Map // SearchPath -> *atomic.Uint64
	errorsByKind   sync.Map // string (Kind.String()) -> *atomic.Uint64

	searchLatencyMS *histogram
	insertBatchSize *histogram
	beamFillRatio   *histogram
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		searchLatencyMS: newHistogram(512),
		insertBatchSize: newHistogram(512),
		beamFillRatio:   newHistogram(512),
	}
}

func (r *Registry) counter(m *sync.Map, key string) *atomic.Uint64 {
	v, _ := m.LoadOrStore(key, &atomic.Uint64{})
	return v.(*atomic.Uint64)
}

// IncInserts records n successfully inserted records.
func (r *Registry) IncInserts(n int) { r.inserts.Add(uint64(n)) }

// IncDeletes records a successful delete.
func (r *Registry) IncDeletes() { r.deletes.Add(1) }

// IncUpdates records a successful update.
func (r *Registry) IncUpdates() { r.updates.Add(1) }

// IncSearch records one search served via path.
func (r *Registry) IncSearch(path SearchPath) { r.counter(&r.searchesByPath, string(path)).Add(1) }

// IncError records one error of the given kind (e.g. core.Kind.String()).
func (r *Registry) IncError(kind string) { r.counter(&r.errorsByKind, kind).Add(1) }

// ObserveSearchLatencyMS records one search's wall-clock latency.
func (r *Registry) ObserveSearchLatencyMS(ms float64) { r.searchLatencyMS.observe(ms) }

// ObserveInsertBatchSize records one insert_many call's batch size.
func (r *Registry) ObserveInsertBatchSize(n int) { r.insertBatchSize.observe(float64(n)) }

// ObserveBeamFillRatio records beam_size_reached/ef for one HNSW traversal,
// bounded to [0,1].
func (r *Registry) ObserveBeamFillRatio(ratio float64) { r.beamFillRatio.observe(ratio) }

// Snapshot returns a flat map of every counter and histogram, suitable for
// external scraping.
func (r *Registry) Snapshot() map[string]any {
	out := map[string]any{
		"inserts": r.inserts.Load(),
		"deletes": r.deletes.Load(),
		"updates": r.updates.Load(),
	}
	r.searchesByPath.Range(func(k, v any) bool {
		out["searches_"+k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	r.errorsByKind.Range(func(k, v any) bool {
		out["errors_"+k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	r.searchLatencyMS.snapshot("search_latency_ms", out)
	r.insertBatchSize.snapshot("insert_batch_size", out)
	r.beamFillRatio.snapshot("hnsw_beam_fill_ratio", out)
	return out
}
