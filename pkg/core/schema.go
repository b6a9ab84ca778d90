package core

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion is the current on-disk schema version this build writes.
// Opening a database with a lower version triggers migrate(); opening one
// with a higher version fails with KindSchemaIncompatible.
const schemaVersion = 1

var migrations = []string{
	// v1: initial schema — vectors, HNSW graph tables, cognitive tables.
	`CREATE TABLE IF NOT EXISTS vectors (
		id         TEXT PRIMARY KEY,
		embedding  BLOB NOT NULL,
		norm       REAL NOT NULL,
		metadata   TEXT,
		kind       TEXT NOT NULL DEFAULT 'vector',
		ts         INTEGER NOT NULL,
		quantized  BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_ts ON vectors(ts);
	CREATE INDEX IF NOT EXISTS idx_vectors_kind ON vectors(kind);

	CREATE TABLE IF NOT EXISTS hnsw_nodes (
		id        TEXT PRIMARY KEY,
		vector_id TEXT NOT NULL REFERENCES vectors(id),
		level     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hnsw_edges (
		from_id  TEXT NOT NULL,
		to_id    TEXT NOT NULL,
		level    INTEGER NOT NULL,
		distance REAL NOT NULL,
		tombstoned INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (from_id, to_id, level)
	);
	CREATE INDEX IF NOT EXISTS idx_hnsw_edges_from_level ON hnsw_edges(from_id, level);

	CREATE TABLE IF NOT EXISTS hnsw_meta (
		key   TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS reasoning_patterns (
		id              TEXT PRIMARY KEY,
		vector_id       TEXT NOT NULL REFERENCES vectors(id),
		task_type       TEXT NOT NULL,
		approach        TEXT NOT NULL,
		success_rate    REAL NOT NULL DEFAULT 0,
		avg_duration    REAL NOT NULL DEFAULT 0,
		iterations      INTEGER NOT NULL DEFAULT 0,
		tags            TEXT,
		domain          TEXT,
		complexity      TEXT,
		learning_source TEXT,
		ts              INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_domain ON reasoning_patterns(domain);

	CREATE TABLE IF NOT EXISTS reasoning_experiences (
		id               TEXT PRIMARY KEY,
		vector_id        TEXT NOT NULL REFERENCES vectors(id),
		task_description TEXT,
		success          INTEGER NOT NULL,
		duration_ms      INTEGER NOT NULL,
		tokens_used      INTEGER NOT NULL,
		iterations       INTEGER NOT NULL,
		approach         TEXT,
		outcome          TEXT,
		domain           TEXT,
		agent_type       TEXT,
		ts               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_experiences_domain_quality ON reasoning_experiences(domain, success);
	CREATE INDEX IF NOT EXISTS idx_experiences_ts ON reasoning_experiences(ts);

	CREATE TABLE IF NOT EXISTS memory_nodes (
		id              TEXT PRIMARY KEY,
		centroid        BLOB NOT NULL,
		origin_ids      TEXT NOT NULL,
		origin_overflow INTEGER NOT NULL DEFAULT 0,
		count           INTEGER NOT NULL,
		avg_quality     REAL NOT NULL,
		t_min           INTEGER NOT NULL,
		t_max           INTEGER NOT NULL,
		domains         TEXT
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);`,
}

func migrate(ctx context.Context, db *sql.DB, log Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("migrate", KindIO, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return wrapErr("migrate", KindIO, err)
	}

	var current int
	row := tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`)
	switch err := row.Scan(&current); {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return wrapErr("migrate", KindIO, err)
	}

	if current > schemaVersion {
		return &StoreError{Op: "migrate", Kind: KindSchemaIncompatible,
			Err: fmt.Errorf("database schema v%d is newer than this build (v%d)", current, schemaVersion)}
	}

	for v := current; v < schemaVersion; v++ {
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			return wrapErr("migrate", KindIO, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return wrapErr("migrate", KindIO, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, schemaVersion); err != nil {
		return wrapErr("migrate", KindIO, err)
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("migrate", KindIO, err)
	}
	if current < schemaVersion {
		log.Info("schema migrated", "from", current, "to", schemaVersion)
	}
	return nil
}
