package core

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, dim int) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), OpenOptions{
		Path:      filepath.Join(t.TempDir(), "store.db"),
		Dimension: dim,
		WAL:       true,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()

	vec := []float32{0.5, -1.25, 2}
	ids, err := s.InsertMany(ctx, []*VectorRecord{{Embedding: vec, Metadata: map[string]string{"k": "v"}}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("expected one minted id, got %v", ids)
	}

	rec, err := s.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := range vec {
		if rec.Embedding[i] != vec[i] {
			t.Fatalf("embedding not exact at %d: %v vs %v", i, rec.Embedding[i], vec[i])
		}
	}
	if rec.Metadata["k"] != "v" {
		t.Fatalf("metadata lost: %+v", rec.Metadata)
	}

	var want float64
	for _, v := range vec {
		want += float64(v) * float64(v)
	}
	want = math.Sqrt(want)
	if math.Abs(float64(rec.Norm)-want) > 1e-6 {
		t.Fatalf("norm off: stored %v, computed %v", rec.Norm, want)
	}
	if rec.CreatedAt == 0 {
		t.Fatal("creation timestamp not assigned")
	}
}

func TestInsertDimensionMismatch(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	_, err := s.InsertMany(ctx, []*VectorRecord{{Embedding: []float32{1, 2}}})
	if KindOf(err) != KindDimensionMismatch {
		t.Fatalf("expected DimensionMismatch, got %v", err)
	}
}

func TestInsertDimensionAutoDetect(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	if _, err := s.InsertMany(ctx, []*VectorRecord{{Embedding: []float32{1, 2, 3, 4}}}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if s.Dimension() != 4 {
		t.Fatalf("expected auto-detected dimension 4, got %d", s.Dimension())
	}
	_, err := s.InsertMany(ctx, []*VectorRecord{{Embedding: []float32{1}}})
	if KindOf(err) != KindDimensionMismatch {
		t.Fatalf("expected mismatch after auto-detect, got %v", err)
	}
}

func TestInsertConflictOnDuplicateID(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()
	if _, err := s.InsertMany(ctx, []*VectorRecord{{ID: "dup", Embedding: []float32{1, 0}}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := s.InsertMany(ctx, []*VectorRecord{{ID: "dup", Embedding: []float32{0, 1}}})
	if KindOf(err) != KindConflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestInsertRejectsNonFinite(t *testing.T) {
	s := openTestStore(t, 2)
	_, err := s.InsertMany(context.Background(), []*VectorRecord{{Embedding: []float32{1, float32(math.NaN())}}})
	if KindOf(err) != KindInvalidInput {
		t.Fatalf("expected InvalidInput for NaN, got %v", err)
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()
	ids, err := s.InsertMany(ctx, []*VectorRecord{{Embedding: []float32{1, 0}}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := s.Delete(ctx, ids[0]); KindOf(err) != KindNotFound {
		t.Fatalf("expected NotFound on double delete, got %v", err)
	}
}

func TestUpdateReplacesEmbedding(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()
	ids, err := s.InsertMany(ctx, []*VectorRecord{{Embedding: []float32{1, 0}}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	gen := s.Generation()
	if err := s.Update(ctx, ids[0], &VectorRecord{Embedding: []float32{0, 1}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if s.Generation() == gen {
		t.Fatal("update must bump the generation counter")
	}
	rec, err := s.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Embedding[0] != 0 || rec.Embedding[1] != 1 {
		t.Fatalf("embedding not updated: %v", rec.Embedding)
	}
}

func TestScanFiltersByKindAndHonorsLimit(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()
	_, err := s.InsertMany(ctx, []*VectorRecord{
		{ID: "p1", Embedding: []float32{1, 0}, Kind: "pattern"},
		{ID: "v1", Embedding: []float32{0, 1}},
		{ID: "p2", Embedding: []float32{1, 1}, Kind: "pattern"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var patternIDs []string
	if err := s.Scan(ctx, "pattern", 0, func(rec *VectorRecord) bool {
		patternIDs = append(patternIDs, rec.ID)
		return true
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(patternIDs) != 2 {
		t.Fatalf("expected 2 pattern rows, got %v", patternIDs)
	}

	count := 0
	if err := s.Scan(ctx, "", 2, func(*VectorRecord) bool {
		count++
		return true
	}); err != nil {
		t.Fatalf("scan with limit: %v", err)
	}
	if count != 2 {
		t.Fatalf("limit not honored: saw %d rows", count)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()
	sentinel := errors.New("boom")
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO hnsw_meta(key, value) VALUES ('probe', '1')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the callback error back, got %v", err)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM hnsw_meta WHERE key = 'probe'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatal("failed transaction left effects behind")
	}
}
