// Package patterns implements the pattern matcher: typed
// reasoning patterns stored as a Vector Record (kind=pattern) plus a
// metadata row in reasoning_patterns, with an incrementally updated
// rolling success rate and average duration.
package patterns

import (
	"context"
	"database/sql"
	"strings"

	"github.com/agentdb/agentdb/pkg/agentdb"
	"github.com/agentdb/agentdb/pkg/core"
)

const kind = "pattern"

// Pattern is one stored reasoning pattern.
type Pattern struct {
	ID             string
	Embedding      []float32
	TaskType       string
	Approach       string
	SuccessRate    float64
	AvgDuration    float64
	Iterations     int
	Tags           []string
	Domain         string
	Complexity     string
	LearningSource string
	CreatedAt      int64
}

// Matcher is the PatternMatcher facade over a Db.
type Matcher struct {
	db *agentdb.Db
}

// New wraps db with pattern-matching operations.
func New(db *agentdb.Db) *Matcher { return &Matcher{db: db} }

// StorePattern inserts a new pattern's embedding and metadata row.
func (m *Matcher) StorePattern(ctx context.Context, p *Pattern) (string, error) {
	rec := &core.VectorRecord{
		ID:        p.ID,
		Embedding: p.Embedding,
		Kind:      kind,
	}
	id, err := m.db.Insert(ctx, rec)
	if err != nil {
		return "", err
	}

	_, err = m.db.Store().DB().ExecContext(ctx,
		`INSERT INTO reasoning_patterns(id, vector_id, task_type, approach, success_rate, avg_duration, iterations, tags, domain, complexity, learning_source, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, id, p.TaskType, p.Approach, p.SuccessRate, p.AvgDuration, p.Iterations,
		strings.Join(p.Tags, ","), p.Domain, p.Complexity, p.LearningSource, core.NowMillis())
	if err != nil {
		return "", core.NewError("store_pattern", core.KindIO)
	}
	return id, nil
}

// RankedPattern pairs a Pattern with its similarity score.
type RankedPattern struct {
	Pattern
	Score float64
}

// FindSimilar restricts similarity search to kind=pattern, then hydrates
// every metadata row with a single IN-clause query rather than one
// query per result.
func (m *Matcher) FindSimilar(ctx context.Context, embedding []float32, k int, threshold float64, filter core.Filter) ([]RankedPattern, error) {
	scored, err := m.db.SearchKind(ctx, embedding, k, core.MetricCosine, threshold, kind, filter)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, nil
	}

	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.ID
	}
	rows, err := m.hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]RankedPattern, 0, len(scored))
	for _, s := range scored {
		p, ok := rows[s.ID]
		if !ok {
			continue
		}
		p.Embedding = s.Embedding
		out = append(out, RankedPattern{Pattern: p, Score: s.Score})
	}
	return out, nil
}

func (m *Matcher) hydrate(ctx context.Context, ids []string) (map[string]Pattern, error) {
	placeholders := make([]byte, 0, 2*len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	query := `SELECT id, task_type, approach, success_rate, avg_duration, iterations, tags, domain, complexity, learning_source, ts
	          FROM reasoning_patterns WHERE id IN (` + string(placeholders) + `)`
	rows, err := m.db.Store().DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewError("find_similar", core.KindIO)
	}
	defer rows.Close()

	out := make(map[string]Pattern, len(ids))
	for rows.Next() {
		var p Pattern
		var tags sql.NullString
		if err := rows.Scan(&p.ID, &p.TaskType, &p.Approach, &p.SuccessRate, &p.AvgDuration,
			&p.Iterations, &tags, &p.Domain, &p.Complexity, &p.LearningSource, &p.CreatedAt); err != nil {
			return nil, core.NewError("find_similar", core.KindIO)
		}
		if tags.Valid && tags.String != "" {
			p.Tags = strings.Split(tags.String, ",")
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// UpdateOutcome applies the incremental rolling-stats update for
// one completed application of the pattern, holding a row-level lock for
// the duration of the read-modify-write to prevent lost updates under
// concurrent completions of the same pattern.
func (m *Matcher) UpdateOutcome(ctx context.Context, id string, success bool, durationMS float64) error {
	return m.db.Store().Transaction(ctx, func(tx *sql.Tx) error {
		var successRate, avgDuration float64
		var iterations int
		row := tx.QueryRowContext(ctx, `SELECT success_rate, avg_duration, iterations FROM reasoning_patterns WHERE id = ?`, id)
		if err := row.Scan(&successRate, &avgDuration, &iterations); err != nil {
			if err == sql.ErrNoRows {
				return core.NewError("update_pattern", core.KindNotFound)
			}
			return core.NewError("update_pattern", core.KindIO)
		}

		newIterations := iterations + 1
		successValue := 0.0
		if success {
			successValue = 1.0
		}
		newSuccessRate := (successRate*float64(iterations) + successValue) / float64(newIterations)
		newAvgDuration := (avgDuration*float64(iterations) + durationMS) / float64(newIterations)

		_, err := tx.ExecContext(ctx,
			`UPDATE reasoning_patterns SET success_rate = ?, avg_duration = ?, iterations = ? WHERE id = ?`,
			newSuccessRate, newAvgDuration, newIterations, id)
		if err != nil {
			return core.NewError("update_pattern", core.KindIO)
		}
		return nil
	})
}

// Stats reports aggregate pattern counts by domain, used by the
// `pattern_stats` tool surface operation.
func (m *Matcher) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := m.db.Store().DB().QueryContext(ctx, `SELECT domain, COUNT(*) FROM reasoning_patterns GROUP BY domain`)
	if err != nil {
		return nil, core.NewError("pattern_stats", core.KindIO)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var domain string
		var count int
		if err := rows.Scan(&domain, &count); err != nil {
			return nil, core.NewError("pattern_stats", core.KindIO)
		}
		out[domain] = count
	}
	return out, rows.Err()
}
