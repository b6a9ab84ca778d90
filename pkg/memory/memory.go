// Package memory implements the memory optimizer: it collapses
// aging vector records into centroid summary "Memory Nodes", using the
// HNSW index to find candidate neighbors so that clustering stays
// O(n log n) instead of the naive O(n^2) all-pairs comparison. When the
// index is not Ready, the Graph strategy compares all pairs.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/agentdb/agentdb/internal/encoding"
	"github.com/agentdb/agentdb/pkg/agentdb"
	"github.com/agentdb/agentdb/pkg/core"
	"github.com/agentdb/agentdb/pkg/index"
)

// Strategy selects which collapse algorithm Run applies.
type Strategy int

const (
	// Graph clusters records older than MaxAgeMS by single-linkage cosine
	// threshold, using HNSW-found candidate neighbors per seed.
	Graph Strategy = iota
	// Hierarchical buckets records by calendar day or week and collapses
	// any bucket whose size reaches SizeThreshold.
	Hierarchical
	// Temporal slides a fixed-size window over records ordered by
	// timestamp and merges adjacent similar records within the window.
	Temporal
)

// maxOriginIDs bounds the origin-id list persisted on a memory node;
// beyond this the list is truncated and OriginOverflow is set.
const maxOriginIDs = 64

// scanBatchSize is not used by the read path: candidates are read through
// Store.Scan, which pages in the store's own 5,000-row chunks, and every
// strategy keeps all streamed candidates in memory for the run.
const scanBatchSize = 1000

// BucketWindow selects the Hierarchical strategy's bucket granularity.
type BucketWindow int

const (
	BucketDay BucketWindow = iota
	BucketWeek
)

// Config parameterizes one Run.
type Config struct {
	Strategy Strategy

	// Graph
	MaxAgeMS        int64
	SimilarityFloor float64 // cosine similarity threshold for single-linkage merge

	// Hierarchical
	Bucket        BucketWindow
	SizeThreshold int

	// Temporal
	WindowSize int
}

// MemoryNode is a centroid summary of collapsed records, mirrored 1:1 onto
// the memory_nodes table.
type MemoryNode struct {
	ID             string
	Centroid       []float32
	OriginIDs      []string
	OriginOverflow bool
	Count          int
	AvgQuality     float64
	TMin, TMax     int64
	Domains        []string
}

// Optimizer is the MemoryOptimizer facade over a Db.
type Optimizer struct {
	db *agentdb.Db
}

// New wraps db with memory-collapse operations.
func New(db *agentdb.Db) *Optimizer { return &Optimizer{db: db} }

// candidate is one vector record pulled into RAM for clustering purposes;
// only the fields clustering needs are kept, not the full VectorRecord.
type candidate struct {
	id        string
	embedding []float32
	domain    string
	quality   float64
	ts        int64
}

// Run executes cfg.Strategy and persists the resulting Memory Nodes.
func (o *Optimizer) Run(ctx context.Context, cfg Config) ([]MemoryNode, error) {
	switch cfg.Strategy {
	case Hierarchical:
		return o.runHierarchical(ctx, cfg)
	case Temporal:
		return o.runTemporal(ctx, cfg)
	default:
		return o.runGraph(ctx, cfg)
	}
}

func (o *Optimizer) streamCandidates(ctx context.Context, cutoffMS int64, fn func(candidate) bool) error {
	now := core.NowMillis()
	return o.db.Store().Scan(ctx, "vector", 0, func(rec *core.VectorRecord) bool {
		if cutoffMS > 0 && now-rec.CreatedAt < cutoffMS {
			return true // too recent to collapse; keep scanning
		}
		quality, _ := strconv.ParseFloat(rec.Metadata["quality"], 64)
		return fn(candidate{id: rec.ID, embedding: rec.Embedding, domain: rec.Metadata["domain"], quality: quality, ts: rec.CreatedAt})
	})
}

// runGraph implements the Graph strategy: for each unclustered seed, it
// asks the HNSW index for nearby candidates and single-linkage-merges
// anything above SimilarityFloor, avoiding an O(n^2) all-pairs scan.
func (o *Optimizer) runGraph(ctx context.Context, cfg Config) ([]MemoryNode, error) {
	var all []candidate
	if err := o.streamCandidates(ctx, cfg.MaxAgeMS, func(c candidate) bool {
		all = append(all, c)
		return true
	}); err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	uf := newUnionFind(len(all))
	idxByID := make(map[string]int, len(all))
	for i, c := range all {
		idxByID[c.id] = i
	}

	ef := o.db.Config().HNSW.EfSearch
	useIndex := o.db.Config().HNSW.Enabled && o.db.Index().State() == index.Ready
	for i, c := range all {
		var neighborIDs []string
		if useIndex {
			neighborIDs, _ = o.db.Index().Search(c.embedding, 16, ef)
		} else {
			// No ready index to consult: fall back to comparing against
			// every other streamed candidate, i.e. all old records.
			for _, other := range all {
				neighborIDs = append(neighborIDs, other.id)
			}
		}
		for _, nid := range neighborIDs {
			j, ok := idxByID[nid]
			if !ok || j == i {
				continue
			}
			sim := 1 - index.CosineDistance(c.embedding, all[j].embedding)
			if float64(sim) >= cfg.SimilarityFloor {
				uf.union(i, j)
			}
		}
	}

	clusters := make(map[int][]int)
	for i := range all {
		root := uf.find(i)
		clusters[root] = append(clusters[root], i)
	}

	var nodes []MemoryNode
	for _, members := range clusters {
		if len(members) < 2 {
			continue
		}
		nodes = append(nodes, buildNode(all, members))
	}
	return nodes, o.persist(ctx, nodes)
}

// runHierarchical buckets records by calendar day/week and collapses any
// bucket at or beyond SizeThreshold.
func (o *Optimizer) runHierarchical(ctx context.Context, cfg Config) ([]MemoryNode, error) {
	bucketMS := int64(24 * 60 * 60 * 1000)
	if cfg.Bucket == BucketWeek {
		bucketMS *= 7
	}

	buckets := make(map[int64][]candidate)
	if err := o.streamCandidates(ctx, cfg.MaxAgeMS, func(c candidate) bool {
		key := c.ts / bucketMS
		buckets[key] = append(buckets[key], c)
		return true
	}); err != nil {
		return nil, err
	}

	threshold := cfg.SizeThreshold
	if threshold <= 0 {
		threshold = 2
	}

	var nodes []MemoryNode
	for _, members := range buckets {
		if len(members) < threshold {
			continue
		}
		idxs := make([]int, len(members))
		for i := range members {
			idxs[i] = i
		}
		nodes = append(nodes, buildNode(members, idxs))
	}
	return nodes, o.persist(ctx, nodes)
}

// runTemporal slides a fixed window over records ordered by timestamp and
// merges adjacent records whose similarity exceeds SimilarityFloor.
func (o *Optimizer) runTemporal(ctx context.Context, cfg Config) ([]MemoryNode, error) {
	var all []candidate
	if err := o.streamCandidates(ctx, cfg.MaxAgeMS, func(c candidate) bool {
		all = append(all, c)
		return true
	}); err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts < all[j].ts })

	window := cfg.WindowSize
	if window <= 0 {
		window = 50
	}

	var nodes []MemoryNode
	var run []int
	flush := func() {
		if len(run) >= 2 {
			nodes = append(nodes, buildNode(all, run))
		}
		run = nil
	}
	for i := range all {
		if len(run) == 0 {
			run = append(run, i)
			continue
		}
		last := run[len(run)-1]
		sim := 1 - index.CosineDistance(all[i].embedding, all[last].embedding)
		withinWindow := i-run[0] < window
		if withinWindow && float64(sim) >= cfg.SimilarityFloor {
			run = append(run, i)
		} else {
			flush()
			run = append(run, i)
		}
	}
	flush()
	return nodes, o.persist(ctx, nodes)
}

func buildNode(pool []candidate, members []int) MemoryNode {
	dim := len(pool[members[0]].embedding)
	centroid := make([]float32, dim)
	tMin, tMax := pool[members[0]].ts, pool[members[0]].ts
	domainSet := make(map[string]struct{})
	ids := make([]string, 0, len(members))
	var qualitySum float64

	for _, m := range members {
		c := pool[m]
		qualitySum += c.quality
		for d := 0; d < dim; d++ {
			centroid[d] += c.embedding[d]
		}
		if c.ts < tMin {
			tMin = c.ts
		}
		if c.ts > tMax {
			tMax = c.ts
		}
		if c.domain != "" {
			domainSet[c.domain] = struct{}{}
		}
		ids = append(ids, c.id)
	}
	for d := 0; d < dim; d++ {
		centroid[d] /= float32(len(members))
	}

	overflow := false
	if len(ids) > maxOriginIDs {
		ids = ids[:maxOriginIDs]
		overflow = true
	}
	domains := make([]string, 0, len(domainSet))
	for d := range domainSet {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	return MemoryNode{
		ID:             core.NewID(),
		Centroid:       centroid,
		OriginIDs:      ids,
		OriginOverflow: overflow,
		Count:          len(members),
		AvgQuality:     qualitySum / float64(len(members)),
		TMin:           tMin,
		TMax:           tMax,
		Domains:        domains,
	}
}

func (o *Optimizer) persist(ctx context.Context, nodes []MemoryNode) error {
	if len(nodes) == 0 {
		return nil
	}
	for _, n := range nodes {
		blob, err := encoding.EncodeVector(n.Centroid)
		if err != nil {
			return &core.StoreError{Op: "memory_optimize", Kind: core.KindInvalidInput, Err: err}
		}
		_, err = o.db.Store().DB().ExecContext(ctx,
			`INSERT INTO memory_nodes(id, centroid, origin_ids, origin_overflow, count, avg_quality, t_min, t_max, domains)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, blob, strings.Join(n.OriginIDs, ","), boolToInt(n.OriginOverflow), n.Count,
			n.AvgQuality, n.TMin, n.TMax, strings.Join(n.Domains, ","))
		if err != nil {
			return core.NewError("memory_optimize", core.KindIO)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// unionFind is a minimal disjoint-set structure for single-linkage
// clustering.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
