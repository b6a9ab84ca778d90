package experience

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/agentdb/agentdb/pkg/agentdb"
	"github.com/agentdb/agentdb/pkg/core"
)

func openTestDB(t *testing.T) *agentdb.Db {
	t.Helper()
	cfg := core.DefaultConfig(filepath.Join(t.TempDir(), "experience.db"), 3)
	cfg.HNSW.Enabled = false
	cfg.QueryCache.Enabled = false
	db, err := agentdb.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestQualityFormula covers the literal S6 scenario and the contract that
// the weights sum to 1.0 and the output stays within [0,1].
func TestQualityFormula(t *testing.T) {
	got := Quality(true, 1000, 500, 1)
	want := 0.6 + 0.2*(1-1000.0/60000) + 0.1*(1-500.0/10000) + 0.1*(1-1.0/5)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestQualityBoundedAndWeightsSumToOne(t *testing.T) {
	weights := []float64{0.6, 0.2, 0.1, 0.1}
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-12 {
		t.Fatalf("weights must sum to 1.0, got %v", sum)
	}

	cases := []struct {
		success              bool
		durationMS, tokens   int64
		iterations           int
	}{
		{true, 0, 0, 0},
		{false, 1_000_000, 1_000_000, 1000},
		{true, 120_000, 50_000, 50},
	}
	for _, c := range cases {
		q := Quality(c.success, c.durationMS, c.tokens, c.iterations)
		if q < 0 || q > 1 {
			t.Fatalf("quality out of bounds for %+v: %v", c, q)
		}
	}
}

func TestRecordAndFindWithFilters(t *testing.T) {
	db := openTestDB(t)
	c := New(db)
	ctx := context.Background()

	if _, err := c.Record(ctx, &Experience{
		Embedding: []float32{1, 0, 0}, Domain: "infra", Success: true,
		DurationMS: 1000, TokensUsed: 500, Iterations: 1, Outcome: "fixed",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := c.Record(ctx, &Experience{
		Embedding: []float32{0, 1, 0}, Domain: "frontend", Success: false,
		DurationMS: 5000, TokensUsed: 2000, Iterations: 3, Outcome: "abandoned",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	results, err := c.Find(ctx, Query{Embedding: []float32{1, 0, 0}, K: 10, Domain: "infra"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) != 1 || results[0].Domain != "infra" {
		t.Fatalf("expected one infra experience, got %+v", results)
	}
	if results[0].Quality <= 0 || results[0].Quality > 1 {
		t.Fatalf("quality out of bounds: %v", results[0].Quality)
	}
}

func TestFindMinQualityFilter(t *testing.T) {
	db := openTestDB(t)
	c := New(db)
	ctx := context.Background()

	if _, err := c.Record(ctx, &Experience{
		Embedding: []float32{1, 0, 0}, Success: false, DurationMS: 100000, TokensUsed: 100000, Iterations: 100,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	results, err := c.Find(ctx, Query{Embedding: []float32{1, 0, 0}, K: 10, MinQuality: 0.9})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected the low-quality experience to be filtered out, got %+v", results)
	}
}
