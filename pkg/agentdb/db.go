// Package agentdb is the engine facade: the single entry point that
// unifies the relational store, the HNSW index, the query cache, and the
// vector codec behind one insert/search/delete API.
package agentdb

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/agentdb/agentdb/internal/encoding"
	"github.com/agentdb/agentdb/pkg/cache"
	"github.com/agentdb/agentdb/pkg/core"
	"github.com/agentdb/agentdb/pkg/index"
	"github.com/agentdb/agentdb/pkg/metrics"
)

// Db is the engine handle. It owns the cache exclusively; the store owns
// all durable bytes; the index owns in-memory graph state persisted
// through the store.
type Db struct {
	store *core.SQLiteStore
	idx   *index.HNSW
	qc    *cache.Cache
	met   *metrics.Registry
	quant *quantizerState

	cfg core.Config
	log core.Logger

	lastBuiltGeneration uint64
	builtOnce           bool
	compacting          atomic.Bool
}

// Option configures a Db at Open time.
type Option func(*Db)

// WithLogger overrides the Logger the engine uses for everything beyond
// what Config.Logger already set.
func WithLogger(log core.Logger) Option {
	return func(db *Db) { db.log = log }
}

// WithMetrics supplies a pre-built metrics.Registry, e.g. one shared across
// several Db instances in a process.
func WithMetrics(m *metrics.Registry) Option {
	return func(db *Db) { db.met = m }
}

// Open creates or opens the database described by cfg, restoring the HNSW
// graph (if persisted) and priming the query cache and metrics registry.
func Open(ctx context.Context, cfg core.Config, opts ...Option) (*Db, error) {
	log := cfg.Logger
	if log == nil {
		log = core.NopLogger()
		cfg.Logger = log
	}
	store, err := core.Open(ctx, core.StoreOptions(cfg))
	if err != nil {
		return nil, err
	}

	metricFn := distanceFor(cfg.HNSW.Metric)
	idx := index.New(index.Config{
		M:                  cfg.HNSW.M,
		M0:                 cfg.HNSW.M0,
		EfConstruction:     cfg.HNSW.EfConstruction,
		EfSearch:           cfg.HNSW.EfSearch,
		Metric:             metricFn,
		MinVectorsForIndex: cfg.HNSW.MinVectorsForIndex,
		TombstoneRatio:     cfg.HNSW.TombstoneRatio,
	}, time.Now().UnixNano())
	if !cfg.HNSW.Enabled {
		idx.SetState(index.Disabled)
	}

	db := &Db{
		store: store,
		idx:   idx,
		met:   metrics.New(),
		quant: newQuantizerState(cfg.Quantization),
		cfg:   cfg,
		log:   log,
	}
	if cfg.QueryCache.Enabled {
		db.qc = cache.New(cfg.QueryCache.MaxEntries, time.Duration(cfg.QueryCache.TTLMillis)*time.Millisecond)
	}
	for _, opt := range opts {
		opt(db)
	}

	if cfg.HNSW.Enabled {
		if err := db.restoreIndex(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return db, nil
}

func distanceFor(m core.Metric) index.Distance {
	switch m {
	case core.MetricEuclidean:
		return index.EuclideanDistance
	case core.MetricDot:
		return index.DotDistance
	default:
		return index.CosineDistance
	}
}

// Store exposes the underlying Relational Store for components (pattern
// matcher, experience curator, ...) that need direct table access beyond
// the vector CRUD surface.
func (db *Db) Store() *core.SQLiteStore { return db.store }

// Index exposes the underlying HNSW index for components that need to
// drive raw ANN search (e.g. kind-restricted search with oversampling).
func (db *Db) Index() *index.HNSW { return db.idx }

// Metrics exposes the shared metrics registry.
func (db *Db) Metrics() *metrics.Registry { return db.met }

// Config returns the engine's active configuration.
func (db *Db) Config() core.Config { return db.cfg }

// Insert stores a single record and returns its (possibly freshly minted)
// id.
func (db *Db) Insert(ctx context.Context, rec *core.VectorRecord) (string, error) {
	ids, err := db.InsertBatch(ctx, []*core.VectorRecord{rec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// InsertBatch atomically inserts records, updates the in-memory HNSW graph,
// flushes the affected graph state to the store in one transaction, and
// invalidates the query cache's reachable entries via the store's
// generation counter.
func (db *Db) InsertBatch(ctx context.Context, records []*core.VectorRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}
	for _, rec := range records {
		if encoding.ValidateVector(rec.Embedding) != nil {
			continue // InsertMany rejects the batch; keep bad rows out of the training sample
		}
		db.quant.Observe(rec.Embedding)
		if code, ok := db.quant.Encode(rec.Embedding); ok {
			rec.Quantized = code
		}
	}
	ids, err := db.store.InsertMany(ctx, records)
	if err != nil {
		db.met.IncError(core.KindOf(err).String())
		return nil, err
	}
	db.met.IncInserts(len(ids))
	db.met.ObserveInsertBatchSize(len(records))

	if db.cfg.HNSW.Enabled {
		for i, rec := range records {
			db.idx.Insert(ids[i], rec.Embedding)
		}
		db.transitionIndexState()
		if err := db.flushIndex(ctx); err != nil {
			db.log.Warn("index flush failed", "err", err)
		}
	}
	return ids, nil
}

func (db *Db) transitionIndexState() {
	if !db.cfg.HNSW.Enabled {
		return
	}
	if db.idx.State() == index.Disabled {
		db.idx.SetState(index.Seeded)
	}
	if db.idx.Size() >= db.cfg.HNSW.MinVectorsForIndex && db.idx.State() != index.Degraded {
		db.idx.SetState(index.Ready)
	}
}

// Get fetches a single record by id.
func (db *Db) Get(ctx context.Context, id string) (*core.VectorRecord, error) {
	rec, err := db.store.Get(ctx, id)
	if err != nil {
		db.met.IncError(core.KindOf(err).String())
	}
	return rec, err
}

// Delete removes a record and its index presence.
func (db *Db) Delete(ctx context.Context, id string) (bool, error) {
	if err := db.store.Delete(ctx, id); err != nil {
		db.met.IncError(core.KindOf(err).String())
		return false, err
	}
	db.met.IncDeletes()
	if db.cfg.HNSW.Enabled {
		db.idx.Delete(id) // tombstone only; NotFound here is not an error at this layer
		db.maybeCompact()
		if err := db.flushIndex(ctx); err != nil {
			db.log.Warn("index flush failed", "err", err)
		}
	}
	return true, nil
}

// maybeCompact schedules one background compaction when tombstones have
// pushed the graph into Degraded. Queries keep being served off the
// degraded graph while the pass runs.
func (db *Db) maybeCompact() {
	if db.idx.State() != index.Degraded {
		return
	}
	if !db.compacting.CompareAndSwap(false, true) {
		return
	}
	idx := db.idx
	go func() {
		idx.Compact()
		db.compacting.Store(false)
		db.log.Info("hnsw compaction finished", "stats", idx.Stats())
	}()
}

// Update replaces a record's embedding/metadata in place.
func (db *Db) Update(ctx context.Context, id string, rec *core.VectorRecord) error {
	if err := db.store.Update(ctx, id, rec); err != nil {
		db.met.IncError(core.KindOf(err).String())
		return err
	}
	db.met.IncUpdates()
	if db.cfg.HNSW.Enabled {
		db.idx.Delete(id)
		db.idx.Insert(id, rec.Embedding)
		if err := db.flushIndex(ctx); err != nil {
			db.log.Warn("index flush failed", "err", err)
		}
	}
	return nil
}

// validateQuery rejects malformed queries before any retrieval work.
func (db *Db) validateQuery(query []float32, metric core.Metric) error {
	if err := encoding.ValidateVector(query); err != nil {
		return &core.StoreError{Op: "search", Kind: core.KindInvalidInput, Err: err}
	}
	dim := db.store.Dimension()
	if dim != 0 && len(query) != dim {
		return &core.StoreError{Op: "search", Kind: core.KindDimensionMismatch}
	}
	if metric == core.MetricCosine && encoding.Norm(query) == 0 {
		return &core.StoreError{Op: "search", Kind: core.KindInvalidInput}
	}
	return nil
}

// Search runs the full search path: validate, consult the cache, pick
// ANN or brute force, hydrate, post-filter, and fill the cache.
func (db *Db) Search(ctx context.Context, query []float32, k int, metric core.Metric, threshold float64, filter core.Filter) ([]core.ScoredRecord, error) {
	return db.searchKind(ctx, query, k, metric, threshold, "", filter)
}

// SearchKind exposes kind-restricted search to other packages (the pattern
// matcher and experience curator search within kind=pattern/kind=experience
// respectively, sharing the one HNSW index rather than building their own).
func (db *Db) SearchKind(ctx context.Context, query []float32, k int, metric core.Metric, threshold float64, kind string, filter core.Filter) ([]core.ScoredRecord, error) {
	return db.searchKind(ctx, query, k, metric, threshold, kind, filter)
}

// searchKind is Search restricted to one VectorRecord.Kind, oversampling
// the candidate pool so that post-filtering by kind still has a fair shot
// at returning k results. An empty kind matches every record, same as
// Search. PatternMatcher.find_similar and ExperienceCurator's query path
// are built on this.
func (db *Db) searchKind(ctx context.Context, query []float32, k int, metric core.Metric, threshold float64, kind string, filter core.Filter) ([]core.ScoredRecord, error) {
	if err := db.validateQuery(query, metric); err != nil {
		db.met.IncError(core.KindOf(err).String())
		return nil, err
	}
	if k <= 0 {
		return []core.ScoredRecord{}, nil
	}
	start := time.Now()
	defer func() { db.met.ObserveSearchLatencyMS(float64(time.Since(start).Microseconds()) / 1000) }()

	canonical := encoding.CanonicalFilter(filter)
	var fp cache.Fingerprint
	cacheable := db.qc != nil
	if cacheable {
		fp = cache.Compute(query, k, byte(metric), threshold, kind+"|"+canonical)
		if hit, ok := db.qc.Get(fp, db.store.Generation()); ok {
			db.met.IncSearch(metrics.PathCacheHit)
			return hit, nil
		}
		db.met.IncSearch(metrics.PathCacheMiss)
	}

	oversample := k
	if kind != "" {
		oversample = k * 8
		if oversample < k+50 {
			oversample = k + 50
		}
	}

	var ids []string
	var dists []float32
	state := db.idx.State()
	// Degraded still serves ANN queries; only Building/Seeded/Disabled fall
	// back to brute force.
	useHNSW := db.cfg.HNSW.Enabled && (state == index.Ready || state == index.Degraded) && db.idx.Size() >= db.cfg.HNSW.MinVectorsForIndex
	if useHNSW {
		ef := db.cfg.HNSW.EfSearch
		ids, dists = db.idx.Search(query, oversample, ef)
		if ef > 0 {
			fill := float64(len(ids)) / float64(ef)
			if fill > 1 {
				fill = 1
			}
			db.met.ObserveBeamFillRatio(fill)
		}
		db.met.IncSearch(metrics.PathHNSW)
	} else {
		vectors, err := db.allVectors(ctx, kind)
		if err != nil {
			return nil, err
		}
		ids, dists = index.BruteForce(query, vectors, oversample, distanceFor(metric))
		db.met.IncSearch(metrics.PathBrute)
	}

	hydrated, err := db.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]core.ScoredRecord, 0, len(ids))
	for i, id := range ids {
		rec, ok := hydrated[id]
		if !ok {
			continue
		}
		if kind != "" && rec.Kind != kind {
			continue
		}
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		score := scoreFromDistance(metric, dists[i])
		if threshold > 0 && score < threshold {
			continue
		}
		results = append(results, core.ScoredRecord{VectorRecord: *rec, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if math.Abs(results[i].Score-results[j].Score) > 1e-9 {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}

	if cacheable {
		db.qc.Put(fp, results, db.store.Generation())
	}
	return results, nil
}

func matchesFilter(metadata map[string]string, filter core.Filter) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// scoreFromDistance converts a distance into a "higher is better"
// similarity score. Cosine distance is 1-similarity, so similarity is the
// natural score; euclidean/dot distances are negated so that closer still
// scores higher.
func scoreFromDistance(metric core.Metric, dist float32) float64 {
	switch metric {
	case core.MetricCosine:
		return float64(1 - dist)
	default:
		return -float64(dist)
	}
}

func (db *Db) allVectors(ctx context.Context, kind string) (map[string][]float32, error) {
	out := make(map[string][]float32)
	err := db.store.Scan(ctx, kind, 0, func(rec *core.VectorRecord) bool {
		out[rec.ID] = rec.Embedding
		return true
	})
	return out, err
}

// Stats reports count/index/cache statistics in one snapshot.
type Stats struct {
	Count         int
	IndexStats    map[string]any
	CacheHitRatio float64
	CacheEntries  int
	Metrics       map[string]any
}

// Stats gathers a snapshot across the store, index, cache, and metrics.
func (db *Db) Stats(ctx context.Context) (Stats, error) {
	count := 0
	err := db.store.Scan(ctx, "", 0, func(*core.VectorRecord) bool {
		count++
		return true
	})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Count: count, IndexStats: db.idx.Stats(), Metrics: db.met.Snapshot()}
	if db.qc != nil {
		st.CacheHitRatio = db.qc.HitRatio()
		st.CacheEntries = db.qc.Len()
	}
	return st, nil
}

// BuildIndex performs a full rebuild of the HNSW graph from the store's
// current contents. It is a no-op if nothing has mutated since the last
// build.
func (db *Db) BuildIndex(ctx context.Context) error {
	if !db.cfg.HNSW.Enabled {
		return nil
	}
	if db.builtOnce && db.lastBuiltGeneration == db.store.Generation() {
		return nil
	}
	db.idx.SetState(index.Building)

	fresh := index.New(index.Config{
		M:                  db.cfg.HNSW.M,
		M0:                 db.cfg.HNSW.M0,
		EfConstruction:     db.cfg.HNSW.EfConstruction,
		EfSearch:           db.cfg.HNSW.EfSearch,
		Metric:             distanceFor(db.cfg.HNSW.Metric),
		MinVectorsForIndex: db.cfg.HNSW.MinVectorsForIndex,
		TombstoneRatio:     db.cfg.HNSW.TombstoneRatio,
	}, time.Now().UnixNano())

	const chunk = 1000
	batch := make([]*core.VectorRecord, 0, chunk)
	flushBatch := func() {
		for _, rec := range batch {
			fresh.Insert(rec.ID, rec.Embedding)
		}
		batch = batch[:0]
	}
	if err := db.store.Scan(ctx, "", 0, func(rec *core.VectorRecord) bool {
		batch = append(batch, rec)
		if len(batch) >= chunk {
			flushBatch()
		}
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}); err != nil {
		db.idx.SetState(previousState(db.idx, db.cfg))
		return err
	}
	flushBatch()

	select {
	case <-ctx.Done():
		// Cancelled mid-scan: discard the partial graph; the existing one
		// keeps serving.
		db.idx.SetState(previousState(db.idx, db.cfg))
		return core.NewError("build_index", core.KindCancelled)
	default:
	}

	if fresh.Size() >= db.cfg.HNSW.MinVectorsForIndex {
		fresh.SetState(index.Ready)
	} else {
		fresh.SetState(index.Seeded)
	}
	db.idx = fresh
	if err := db.flushIndex(ctx); err != nil {
		return err
	}
	db.builtOnce = true
	// Captured after the flush so that the flush's own transaction does not
	// count as a mutation against the next BuildIndex call.
	db.lastBuiltGeneration = db.store.Generation()
	return nil
}

func previousState(idx *index.HNSW, cfg core.Config) index.State {
	if !cfg.HNSW.Enabled {
		return index.Disabled
	}
	if idx.Size() >= cfg.HNSW.MinVectorsForIndex {
		return index.Ready
	}
	return index.Seeded
}

// ClearIndex discards all graph state, both in memory and on disk.
func (db *Db) ClearIndex(ctx context.Context) error {
	db.idx = index.New(index.Config{
		M: db.cfg.HNSW.M, M0: db.cfg.HNSW.M0, EfConstruction: db.cfg.HNSW.EfConstruction,
		EfSearch: db.cfg.HNSW.EfSearch, Metric: distanceFor(db.cfg.HNSW.Metric),
		MinVectorsForIndex: db.cfg.HNSW.MinVectorsForIndex, TombstoneRatio: db.cfg.HNSW.TombstoneRatio,
	}, time.Now().UnixNano())
	if !db.cfg.HNSW.Enabled {
		db.idx.SetState(index.Disabled)
	}
	db.builtOnce = false
	if db.qc != nil {
		db.qc.Clear()
	}
	_, execErr := db.store.DB().ExecContext(ctx, `DELETE FROM hnsw_nodes`)
	if execErr != nil {
		return core.NewError("clear_index", core.KindIO)
	}
	if _, err := db.store.DB().ExecContext(ctx, `DELETE FROM hnsw_edges`); err != nil {
		return core.NewError("clear_index", core.KindIO)
	}
	if _, err := db.store.DB().ExecContext(ctx, `DELETE FROM hnsw_meta`); err != nil {
		return core.NewError("clear_index", core.KindIO)
	}
	return nil
}

// IndexConfigPatch is a partial update applied by UpdateIndexConfig; zero
// fields are left unchanged.
type IndexConfigPatch struct {
	EfSearch           *int
	EfConstruction     *int
	M                  *int
	M0                 *int
	MinVectorsForIndex *int
	AutoRebuild        *bool
}

// UpdateIndexConfig applies a partial configuration change. Changing
// M/M0/EfConstruction invalidates the existing graph's construction
// invariants, so those fields trigger a rebuild (immediate if AutoRebuild
// is set, deferred to the next explicit BuildIndex call otherwise).
func (db *Db) UpdateIndexConfig(ctx context.Context, patch IndexConfigPatch) error {
	structural := false
	if patch.M != nil {
		db.cfg.HNSW.M = *patch.M
		structural = true
	}
	if patch.M0 != nil {
		db.cfg.HNSW.M0 = *patch.M0
		structural = true
	}
	if patch.EfConstruction != nil {
		db.cfg.HNSW.EfConstruction = *patch.EfConstruction
		structural = true
	}
	if patch.EfSearch != nil {
		db.cfg.HNSW.EfSearch = *patch.EfSearch
	}
	if patch.MinVectorsForIndex != nil {
		db.cfg.HNSW.MinVectorsForIndex = *patch.MinVectorsForIndex
	}
	if patch.AutoRebuild != nil {
		db.cfg.HNSW.AutoRebuild = *patch.AutoRebuild
	}
	if structural {
		db.builtOnce = false // the next BuildIndex rebuilds even with no new mutations
	}
	if structural && db.cfg.HNSW.AutoRebuild {
		db.lastBuiltGeneration = ^db.store.Generation() // force a rebuild regardless of generation
		return db.BuildIndex(ctx)
	}
	return nil
}

// Close releases the store's database connection.
func (db *Db) Close() error { return db.store.Close() }
