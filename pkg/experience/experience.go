// Package experience curates task execution records scored by a fixed
// quality formula, queryable by domain,
// minimum quality, maximum age, and outcome, with a cosine-similarity
// relevance score against the query embedding.
package experience

import (
	"context"
	"database/sql"

	"github.com/agentdb/agentdb/pkg/agentdb"
	"github.com/agentdb/agentdb/pkg/core"
)

const kind = "experience"

// Experience is one recorded task execution.
type Experience struct {
	ID              string
	Embedding       []float32
	TaskDescription string
	Success         bool
	DurationMS      int64
	TokensUsed      int64
	Iterations      int
	Approach        string
	Outcome         string
	Domain          string
	AgentType       string
	SessionKey      string // optional; groups rows belonging to one agent session
	CreatedAt       int64
}

// Quality scores one execution, bounded to [0,1]. The
// weights (0.6, 0.2, 0.1, 0.1) sum to 1.0 by construction; each penalty
// term is clamped at zero so an outlier duration/token/iteration count
// never drives the score negative.
func Quality(success bool, durationMS, tokensUsed int64, iterations int) float64 {
	successFactor := 1.0 / 6.0
	if success {
		successFactor = 1.0
	}
	durationTerm := clamp01(1 - float64(durationMS)/60000)
	tokenTerm := clamp01(1 - float64(tokensUsed)/10000)
	iterTerm := clamp01(1 - float64(iterations)/5)
	return 0.6*successFactor + 0.2*durationTerm + 0.1*tokenTerm + 0.1*iterTerm
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Curator is the ExperienceCurator facade over a Db.
type Curator struct {
	db *agentdb.Db
}

// New wraps db with experience-curation operations.
func New(db *agentdb.Db) *Curator { return &Curator{db: db} }

// Record stores a new experience and its computed quality. Domain and
// session key are mirrored into the vector record's metadata so that
// filtered search (and the memory optimizer's domain grouping) can see
// them without a join.
func (c *Curator) Record(ctx context.Context, e *Experience) (string, error) {
	var meta map[string]string
	if e.Domain != "" || e.SessionKey != "" {
		meta = make(map[string]string, 2)
		if e.Domain != "" {
			meta["domain"] = e.Domain
		}
		if e.SessionKey != "" {
			meta["session"] = e.SessionKey
		}
	}
	rec := &core.VectorRecord{ID: e.ID, Embedding: e.Embedding, Kind: kind, Metadata: meta}
	id, err := c.db.Insert(ctx, rec)
	if err != nil {
		return "", err
	}

	successInt := 0
	if e.Success {
		successInt = 1
	}
	_, err = c.db.Store().DB().ExecContext(ctx,
		`INSERT INTO reasoning_experiences(id, vector_id, task_description, success, duration_ms, tokens_used, iterations, approach, outcome, domain, agent_type, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, id, e.TaskDescription, successInt, e.DurationMS, e.TokensUsed, e.Iterations,
		e.Approach, e.Outcome, e.Domain, e.AgentType, core.NowMillis())
	if err != nil {
		return "", core.NewError("record_experience", core.KindIO)
	}
	return id, nil
}

// Query filters and ranks experiences.
type Query struct {
	Embedding  []float32
	K          int
	Domain     string      // "" matches every domain
	MinQuality float64     // 0 disables the filter
	MaxAgeMS   int64       // 0 disables the filter
	Outcome    string      // "" matches every outcome
	Filter     core.Filter // metadata predicate on the backing vector record (e.g. session key)
}

// RankedExperience pairs an Experience with its computed quality and
// query-relative relevance.
type RankedExperience struct {
	Experience
	Quality   float64
	Relevance float64
}

// Find retrieves experiences matching q's filters, ranked by cosine
// similarity (relevance) to q.Embedding.
func (c *Curator) Find(ctx context.Context, q Query) ([]RankedExperience, error) {
	k := q.K
	if k <= 0 {
		k = 10
	}
	scored, err := c.db.SearchKind(ctx, q.Embedding, k, core.MetricCosine, 0, kind, q.Filter)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, nil
	}

	ids := make([]string, len(scored))
	scoreByID := make(map[string]float64, len(scored))
	for i, s := range scored {
		ids[i] = s.ID
		scoreByID[s.ID] = s.Score
	}
	rows, err := c.hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := core.NowMillis()
	out := make([]RankedExperience, 0, len(scored))
	for _, id := range ids {
		e, ok := rows[id]
		if !ok {
			continue
		}
		if q.Domain != "" && e.Domain != q.Domain {
			continue
		}
		if q.Outcome != "" && e.Outcome != q.Outcome {
			continue
		}
		if q.MaxAgeMS > 0 && now-e.CreatedAt > q.MaxAgeMS {
			continue
		}
		quality := Quality(e.Success, e.DurationMS, e.TokensUsed, e.Iterations)
		if q.MinQuality > 0 && quality < q.MinQuality {
			continue
		}
		out = append(out, RankedExperience{Experience: e, Quality: quality, Relevance: scoreByID[id]})
	}
	return out, nil
}

func (c *Curator) hydrate(ctx context.Context, ids []string) (map[string]Experience, error) {
	placeholders := make([]byte, 0, 2*len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	query := `SELECT id, task_description, success, duration_ms, tokens_used, iterations, approach, outcome, domain, agent_type, ts
	          FROM reasoning_experiences WHERE id IN (` + string(placeholders) + `)`
	rows, err := c.db.Store().DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewError("find_experiences", core.KindIO)
	}
	defer rows.Close()

	out := make(map[string]Experience, len(ids))
	for rows.Next() {
		var e Experience
		var successInt int
		var desc, approach, outcome, domain, agentType sql.NullString
		if err := rows.Scan(&e.ID, &desc, &successInt, &e.DurationMS, &e.TokensUsed,
			&e.Iterations, &approach, &outcome, &domain, &agentType, &e.CreatedAt); err != nil {
			return nil, core.NewError("find_experiences", core.KindIO)
		}
		e.Success = successInt != 0
		e.TaskDescription, e.Approach, e.Outcome, e.Domain, e.AgentType =
			desc.String, approach.String, outcome.String, domain.String, agentType.String
		out[e.ID] = e
	}
	return out, rows.Err()
}

// Recent returns experiences from the last 24 hours, the window the
// context synthesizer's recency source uses.
func (c *Curator) Recent(ctx context.Context, embedding []float32, k int) ([]RankedExperience, error) {
	return c.Find(ctx, Query{Embedding: embedding, K: k, MaxAgeMS: 24 * 60 * 60 * 1000})
}
