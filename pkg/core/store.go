// Package core implements the Relational Store: durable, transactional
// storage for Vector Records and the tables that back the HNSW index and
// the cognitive layer, on top of modernc.org/sqlite (pure Go, no cgo).
package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentdb/agentdb/internal/encoding"
	_ "modernc.org/sqlite"
)

// maxChunkSize bounds every batched insert/scan and is the cancellation
// checkpoint interval.
const maxChunkSize = 5000

// SQLiteStore is the Relational Store. It owns all durable bytes; the HNSW
// index and query cache hold only ids into it.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	dim    int32 // 0 until the first insert fixes it, then immutable
	log    Logger
	retry  RetryConfig
	mu     sync.RWMutex
	closed bool

	generation atomic.Uint64 // bumped on every ingest/update/delete
}

// OpenOptions carries the store-level slice of Config: file location,
// embedding width, and the SQLite pragma knobs.
type OpenOptions struct {
	Path          string
	Dimension     int // 0 = auto-detect from the first inserted record
	WAL           bool
	CacheSizeKiB  int
	MmapSizeBytes int64
	Retry         RetryConfig
	Logger        Logger
}

// StoreOptions extracts the store-level options from a full engine Config.
func StoreOptions(cfg Config) OpenOptions {
	return OpenOptions{
		Path:          cfg.Path,
		Dimension:     cfg.Dimension,
		WAL:           cfg.WAL,
		CacheSizeKiB:  cfg.CacheSizeKiB,
		MmapSizeBytes: cfg.MmapSizeBytes,
		Retry:         cfg.Retry,
		Logger:        cfg.Logger,
	}
}

// Open creates or opens the database described by opts, applies pragmas,
// and runs migrations.
func Open(ctx context.Context, opts OpenOptions) (*SQLiteStore, error) {
	log := opts.Logger
	if log == nil {
		log = NopLogger()
	}
	journal := "WAL"
	if !opts.WAL {
		journal = "DELETE"
	}
	cacheKiB := opts.CacheSizeKiB
	if cacheKiB <= 0 {
		cacheKiB = 100000
	}
	mmap := opts.MmapSizeBytes
	if mmap < 0 {
		mmap = 0
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=cache_size(-%d)&_pragma=mmap_size(%d)&_pragma=foreign_keys(ON)",
		opts.Path, journal, cacheKiB, mmap)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapErr("open", KindIO, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer connection avoids SQLITE_BUSY on the hot path
	db.SetMaxIdleConns(1)

	if err := migrate(ctx, db, log); err != nil {
		db.Close()
		return nil, err
	}

	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	s := &SQLiteStore{db: db, path: opts.Path, dim: int32(opts.Dimension), log: log, retry: retry}
	if err := s.loadDimension(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) loadDimension(ctx context.Context) error {
	if s.dim != 0 {
		return nil
	}
	var blob []byte
	row := s.db.QueryRowContext(ctx, `SELECT embedding FROM vectors LIMIT 1`)
	switch err := row.Scan(&blob); {
	case err == sql.ErrNoRows:
		return nil
	case err != nil:
		return wrapErr("open", KindIO, err)
	}
	s.dim = int32(len(blob) / 4)
	return nil
}

// Dimension returns the store's fixed embedding width, or 0 if it has not
// been established yet (empty store, never configured).
func (s *SQLiteStore) Dimension() int { return int(atomic.LoadInt32(&s.dim)) }

// Generation returns the current mutation generation counter, used by the
// Query Cache to detect staleness.
func (s *SQLiteStore) Generation() uint64 { return s.generation.Load() }

func (s *SQLiteStore) bumpGeneration() { s.generation.Add(1) }

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &StoreError{Op: "store", Kind: KindInternal, Err: ErrClosed}
	}
	return nil
}

// fixDimension establishes the store's dimension on first use, or validates
// an incoming vector against it.
func (s *SQLiteStore) fixDimension(n int) error {
	cur := int(atomic.LoadInt32(&s.dim))
	if cur == 0 {
		if atomic.CompareAndSwapInt32(&s.dim, 0, int32(n)) {
			return nil
		}
		cur = int(atomic.LoadInt32(&s.dim))
	}
	if cur != n {
		return &StoreError{Op: "insert", Kind: KindDimensionMismatch,
			Err: fmt.Errorf("expected dimension %d, got %d", cur, n)}
	}
	return nil
}

// InsertMany atomically inserts records in chunks of at most maxChunkSize,
// reusing one prepared statement per chunk transaction. Returns the ordered
// list of ids actually written (the caller-supplied id, or a freshly minted
// one when empty).
func (s *SQLiteStore) InsertMany(ctx context.Context, records []*VectorRecord) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for start := 0; start < len(records); start += maxChunkSize {
		end := start + maxChunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]
		var chunkIDs []string
		err := withRetry(ctx, s.retry, func() error {
			var err error
			chunkIDs, err = s.insertChunk(ctx, chunk)
			return err
		})
		if err != nil {
			if len(ids) > 0 {
				s.bumpGeneration() // earlier chunks are already committed
			}
			return nil, err
		}
		ids = append(ids, chunkIDs...)
		select {
		case <-ctx.Done():
			s.bumpGeneration()
			return ids, NewError("insert_many", KindCancelled)
		default:
		}
	}
	s.bumpGeneration()
	return ids, nil
}

func (s *SQLiteStore) insertChunk(ctx context.Context, records []*VectorRecord) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("insert_many", KindIO, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO vectors(id, embedding, norm, metadata, kind, ts, quantized) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, wrapErr("insert_many", KindIO, err)
	}
	defer stmt.Close()

	ids := make([]string, len(records))
	for i, r := range records {
		if err := encoding.ValidateVector(r.Embedding); err != nil {
			return nil, &StoreError{Op: "insert_many", Kind: KindInvalidInput, Err: err}
		}
		if err := s.fixDimension(len(r.Embedding)); err != nil {
			return nil, err
		}
		if r.ID == "" {
			r.ID = NewID()
		}
		if r.CreatedAt == 0 {
			r.CreatedAt = NowMillis()
		}
		blob, err := encoding.EncodeVector(r.Embedding)
		if err != nil {
			return nil, &StoreError{Op: "insert_many", Kind: KindInvalidInput, Err: err}
		}
		r.Norm = encoding.Norm(r.Embedding)
		meta, err := encoding.EncodeMetadata(r.Metadata)
		if err != nil {
			return nil, &StoreError{Op: "insert_many", Kind: KindInvalidInput, Err: err}
		}
		kind := r.Kind
		if kind == "" {
			kind = "vector"
		}
		if _, err := stmt.ExecContext(ctx, r.ID, blob, r.Norm, meta, kind, r.CreatedAt, r.Quantized); err != nil {
			if isUniqueViolation(err) {
				return nil, &StoreError{Op: "insert_many", Kind: KindConflict, Err: err}
			}
			return nil, wrapErr("insert_many", KindIO, err)
		}
		ids[i] = r.ID
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("insert_many", KindIO, err)
	}
	return ids, nil
}

// Get fetches a single record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*VectorRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, embedding, norm, metadata, kind, ts, quantized FROM vectors WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, &StoreError{Op: "get", Kind: KindNotFound, Err: ErrNotFound}
	}
	if err != nil {
		return nil, wrapErr("get", KindIO, err)
	}
	return rec, nil
}

// GetMany hydrates metadata for ids in a single IN-clause round trip,
// preserving no particular order; callers re-sort against their own ids.
func (s *SQLiteStore) GetMany(ctx context.Context, ids []string) (map[string]*VectorRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[string]*VectorRecord{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]byte, 0, 2*len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	query := `SELECT id, embedding, norm, metadata, kind, ts, quantized FROM vectors WHERE id IN (` + string(placeholders) + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("get_many", KindIO, err)
	}
	defer rows.Close()

	out := make(map[string]*VectorRecord, len(ids))
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, wrapErr("get_many", KindIO, err)
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

// Delete removes a record by id. Returns KindNotFound if it did not exist.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var res sql.Result
	err := withRetry(ctx, s.retry, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id)
		return wrapErr("delete", KindIO, err)
	})
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return NewError("delete", KindNotFound)
	}
	s.bumpGeneration()
	return nil
}

// Update replaces the embedding and/or metadata of an existing record.
func (s *SQLiteStore) Update(ctx context.Context, id string, rec *VectorRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := encoding.ValidateVector(rec.Embedding); err != nil {
		return &StoreError{Op: "update", Kind: KindInvalidInput, Err: err}
	}
	if err := s.fixDimension(len(rec.Embedding)); err != nil {
		return err
	}
	blob, err := encoding.EncodeVector(rec.Embedding)
	if err != nil {
		return &StoreError{Op: "update", Kind: KindInvalidInput, Err: err}
	}
	norm := encoding.Norm(rec.Embedding)
	meta, err := encoding.EncodeMetadata(rec.Metadata)
	if err != nil {
		return &StoreError{Op: "update", Kind: KindInvalidInput, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, execErr := s.db.ExecContext(ctx, `UPDATE vectors SET embedding = ?, norm = ?, metadata = ? WHERE id = ?`, blob, norm, meta, id)
	if execErr != nil {
		return wrapErr("update", KindIO, execErr)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return NewError("update", KindNotFound)
	}
	s.bumpGeneration()
	return nil
}

// ScanFunc is invoked once per matching row during Scan; returning false
// stops iteration early.
type ScanFunc func(*VectorRecord) bool

// Scan streams rows whose kind matches the given kind (empty matches all),
// in chunks of at most maxChunkSize rows, invoking fn for each until it
// returns false or limit rows have been seen (limit ≤ 0 means unbounded).
func (s *SQLiteStore) Scan(ctx context.Context, kind string, limit int, fn ScanFunc) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	seen := 0
	var lastID string
	for {
		s.mu.RLock()
		rows, err := s.scanChunk(ctx, kind, lastID)
		s.mu.RUnlock()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, rec := range rows {
			if !fn(rec) {
				return nil
			}
			seen++
			lastID = rec.ID
			if limit > 0 && seen >= limit {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return NewError("scan", KindCancelled)
		default:
		}
		if len(rows) < maxChunkSize {
			return nil
		}
	}
}

func (s *SQLiteStore) scanChunk(ctx context.Context, kind, afterID string) ([]*VectorRecord, error) {
	var rows *sql.Rows
	var err error
	if kind == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id, embedding, norm, metadata, kind, ts, quantized FROM vectors WHERE id > ? ORDER BY id LIMIT ?`, afterID, maxChunkSize)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, embedding, norm, metadata, kind, ts, quantized FROM vectors WHERE kind = ? AND id > ? ORDER BY id LIMIT ?`, kind, afterID, maxChunkSize)
	}
	if err != nil {
		return nil, wrapErr("scan", KindIO, err)
	}
	defer rows.Close()
	var out []*VectorRecord
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, wrapErr("scan", KindIO, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transaction runs f inside a single SQL transaction; f's effects are
// visible only if it returns nil, in which case the transaction commits.
func (s *SQLiteStore) Transaction(ctx context.Context, f func(*sql.Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("transaction", KindIO, err)
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("transaction", KindIO, err)
	}
	s.bumpGeneration()
	return nil
}

// DB exposes the underlying *sql.DB for components (index, pattern, etc.)
// that need direct access to run their own table operations.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return wrapErr("close", KindIO, err)
	}
	return nil
}

type scannableRow interface {
	Scan(dest ...any) error
}

func scanRecord(row scannableRow) (*VectorRecord, error) {
	return scanInto(row)
}

func scanRecordRows(rows *sql.Rows) (*VectorRecord, error) {
	return scanInto(rows)
}

func scanInto(row scannableRow) (*VectorRecord, error) {
	var (
		id, kind, metaStr string
		blob, quantized   []byte
		norm              float64
		ts                int64
	)
	if err := row.Scan(&id, &blob, &norm, &metaStr, &kind, &ts, &quantized); err != nil {
		return nil, err
	}
	vec, err := encoding.DecodeVector(blob, 0)
	if err != nil {
		return nil, err
	}
	meta, err := encoding.DecodeMetadata(metaStr)
	if err != nil {
		return nil, err
	}
	return &VectorRecord{
		ID: id, Embedding: vec, Norm: float32(norm), Metadata: meta,
		Kind: kind, CreatedAt: ts, Quantized: quantized,
	}, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
