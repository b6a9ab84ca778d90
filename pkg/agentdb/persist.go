package agentdb

import (
	"context"
	"database/sql"

	"github.com/agentdb/agentdb/pkg/core"
	"github.com/agentdb/agentdb/pkg/index"
)

// flushIndex overwrites the persisted graph snapshot with the in-memory
// one. This is a full-snapshot replace rather than an incremental
// dirty-node diff: the graph tracks no per-node dirty bit. No correctness
// property depends on flush being incremental; only the amount of I/O per
// insert batch does.
func (db *Db) flushIndex(ctx context.Context) error {
	nodes, edges := db.idx.Snapshot()
	return db.store.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM hnsw_nodes`); err != nil {
			return core.NewError("flush_index", core.KindIO)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM hnsw_edges`); err != nil {
			return core.NewError("flush_index", core.KindIO)
		}

		nodeStmt, err := tx.PrepareContext(ctx, `INSERT INTO hnsw_nodes(id, vector_id, level) VALUES (?, ?, ?)`)
		if err != nil {
			return core.NewError("flush_index", core.KindIO)
		}
		defer nodeStmt.Close()
		for _, n := range nodes {
			if _, err := nodeStmt.ExecContext(ctx, n.ID, n.ID, n.Level); err != nil {
				return core.NewError("flush_index", core.KindIO)
			}
		}

		edgeStmt, err := tx.PrepareContext(ctx, `INSERT INTO hnsw_edges(from_id, to_id, level, distance, tombstoned) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return core.NewError("flush_index", core.KindIO)
		}
		defer edgeStmt.Close()
		for _, e := range edges {
			tomb := 0
			if e.Tombstoned {
				tomb = 1
			}
			if _, err := edgeStmt.ExecContext(ctx, e.From, e.To, e.Level, float64(e.Distance), tomb); err != nil {
				return core.NewError("flush_index", core.KindIO)
			}
		}

		return db.saveIndexMeta(ctx, tx)
	})
}

func (db *Db) saveIndexMeta(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO hnsw_meta(key, value) VALUES ('state', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, db.idx.State().String())
	if err != nil {
		return core.NewError("flush_index", core.KindIO)
	}
	return nil
}

// restoreIndex rebuilds the in-memory HNSW graph from the persisted
// node/edge tables, hydrating each node's vector from the store.
func (db *Db) restoreIndex(ctx context.Context) error {
	rows, err := db.store.DB().QueryContext(ctx, `SELECT id, level FROM hnsw_nodes`)
	if err != nil {
		return core.NewError("restore_index", core.KindIO)
	}
	var nodes []index.NodeRecord
	ids := make([]string, 0)
	for rows.Next() {
		var n index.NodeRecord
		if err := rows.Scan(&n.ID, &n.Level); err != nil {
			rows.Close()
			return core.NewError("restore_index", core.KindIO)
		}
		nodes = append(nodes, n)
		ids = append(ids, n.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return core.NewError("restore_index", core.KindIO)
	}
	if len(nodes) == 0 {
		return nil
	}

	edgeRows, err := db.store.DB().QueryContext(ctx, `SELECT from_id, to_id, level, distance, tombstoned FROM hnsw_edges`)
	if err != nil {
		return core.NewError("restore_index", core.KindIO)
	}
	var edges []index.EdgeRecord
	for edgeRows.Next() {
		var e index.EdgeRecord
		var tomb int
		if err := edgeRows.Scan(&e.From, &e.To, &e.Level, &e.Distance, &tomb); err != nil {
			edgeRows.Close()
			return core.NewError("restore_index", core.KindIO)
		}
		e.Tombstoned = tomb != 0
		edges = append(edges, e)
	}
	edgeRows.Close()
	if err := edgeRows.Err(); err != nil {
		return core.NewError("restore_index", core.KindIO)
	}

	vectors, err := db.store.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	vecMap := make(map[string][]float32, len(vectors))
	for id, rec := range vectors {
		vecMap[id] = rec.Embedding
	}

	db.idx.Restore(nodes, edges, vecMap)
	db.transitionIndexState()
	db.builtOnce = true
	db.lastBuiltGeneration = db.store.Generation()
	return nil
}
