package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentdb/agentdb/pkg/agentdb"
	"github.com/agentdb/agentdb/pkg/core"
)

func openTestDB(t *testing.T) *agentdb.Db {
	t.Helper()
	cfg := core.DefaultConfig(filepath.Join(t.TempDir(), "memory.db"), 3)
	cfg.HNSW.Enabled = false
	cfg.QueryCache.Enabled = false
	db, err := agentdb.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertAged(t *testing.T, db *agentdb.Db, embedding []float32, domain string, ageMS int64) {
	t.Helper()
	rec := &core.VectorRecord{
		Embedding: embedding,
		Metadata:  map[string]string{"domain": domain},
		CreatedAt: core.NowMillis() - ageMS,
	}
	if _, err := db.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestGraphStrategyClustersSimilarOldRecords(t *testing.T) {
	db := openTestDB(t)
	dayMS := int64(24 * 60 * 60 * 1000)

	insertAged(t, db, []float32{1, 0, 0}, "infra", 10*dayMS)
	insertAged(t, db, []float32{0.99, 0.01, 0}, "infra", 10*dayMS)
	insertAged(t, db, []float32{0, 1, 0}, "frontend", 10*dayMS)

	o := New(db)
	nodes, err := o.Run(context.Background(), Config{
		Strategy:        Graph,
		MaxAgeMS:        dayMS,
		SimilarityFloor: 0.9,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one cluster of the two similar records, got %d: %+v", len(nodes), nodes)
	}
	if nodes[0].Count != 2 {
		t.Fatalf("expected cluster of size 2, got %d", nodes[0].Count)
	}
}

func TestGraphStrategyIgnoresRecentRecords(t *testing.T) {
	db := openTestDB(t)
	insertAged(t, db, []float32{1, 0, 0}, "infra", 0)
	insertAged(t, db, []float32{0.99, 0.01, 0}, "infra", 0)

	o := New(db)
	nodes, err := o.Run(context.Background(), Config{
		Strategy:        Graph,
		MaxAgeMS:        24 * 60 * 60 * 1000,
		SimilarityFloor: 0.9,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected no clusters from records younger than max_age, got %d", len(nodes))
	}
}

func TestHierarchicalStrategyCollapsesOverThreshold(t *testing.T) {
	db := openTestDB(t)
	dayMS := int64(24 * 60 * 60 * 1000)
	for i := 0; i < 5; i++ {
		insertAged(t, db, []float32{1, 0, 0}, "infra", 2*dayMS)
	}

	o := New(db)
	nodes, err := o.Run(context.Background(), Config{
		Strategy:      Hierarchical,
		Bucket:        BucketDay,
		SizeThreshold: 3,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Count != 5 {
		t.Fatalf("expected one bucket of 5, got %+v", nodes)
	}
}

func TestOriginIDOverflowFlag(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < maxOriginIDs+5; i++ {
		insertAged(t, db, []float32{1, 0, 0}, "infra", 2*24*60*60*1000)
	}

	o := New(db)
	nodes, err := o.Run(context.Background(), Config{
		Strategy:      Hierarchical,
		Bucket:        BucketDay,
		SizeThreshold: 2,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one node, got %d", len(nodes))
	}
	if !nodes[0].OriginOverflow {
		t.Fatal("expected origin overflow flag to be set")
	}
	if len(nodes[0].OriginIDs) != maxOriginIDs {
		t.Fatalf("expected origin ids capped at %d, got %d", maxOriginIDs, len(nodes[0].OriginIDs))
	}
}

func TestMemoryNodeAveragesQualityFromMetadata(t *testing.T) {
	db := openTestDB(t)
	dayMS := int64(24 * 60 * 60 * 1000)
	for _, q := range []string{"0.4", "0.8"} {
		rec := &core.VectorRecord{
			Embedding: []float32{1, 0, 0},
			Metadata:  map[string]string{"domain": "infra", "quality": q},
			CreatedAt: core.NowMillis() - 2*dayMS,
		}
		if _, err := db.Insert(context.Background(), rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	o := New(db)
	nodes, err := o.Run(context.Background(), Config{
		Strategy:      Hierarchical,
		Bucket:        BucketDay,
		SizeThreshold: 2,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one node, got %d", len(nodes))
	}
	if diff := nodes[0].AvgQuality - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected avg quality 0.6, got %v", nodes[0].AvgQuality)
	}
}
