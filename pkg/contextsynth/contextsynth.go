// Package contextsynth fuses parallel multi-source retrieval (patterns,
// experiences, recent experiences, session history) into a single Context
// with a weighted confidence score.
package contextsynth

import (
	"context"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/agentdb/agentdb/pkg/agentdb"
	"github.com/agentdb/agentdb/pkg/core"
	"github.com/agentdb/agentdb/pkg/experience"
	"github.com/agentdb/agentdb/pkg/patterns"
)

// Source names one of the four retrieval sources a Request can include.
type Source string

const (
	SourcePatterns    Source = "patterns"
	SourceExperiences Source = "experiences"
	SourceRecent      Source = "recent"
	SourceSession     Source = "session"
)

// Request describes one synthesis call.
type Request struct {
	Embedding []float32
	Sources   []Source

	PatternK         int
	MinSuccessRate   float64
	ExperienceK      int
	Domain           string
	MinQuality       float64
	MaxAgeMS         int64
	SessionKey       string
	SessionEmbedding []float32 // embedding identifying rows tagged with this session
}

// Context is the fused result.
type Context struct {
	Patterns    []patterns.RankedPattern
	Experiences []experience.RankedExperience
	Session     []experience.RankedExperience
	Summary     string
	Confidence  float64
}

// Synthesizer is the ContextSynthesizer facade.
type Synthesizer struct {
	matcher *patterns.Matcher
	curator *experience.Curator
}

// New wraps db with context-synthesis operations.
func New(db *agentdb.Db) *Synthesizer {
	return &Synthesizer{matcher: patterns.New(db), curator: experience.New(db)}
}

func wants(sources []Source, s Source) bool {
	for _, x := range sources {
		if x == s {
			return true
		}
	}
	return false
}

// Synthesize issues retrieval against every requested source in parallel,
// deduplicates by id (retaining the higher-scoring entry on collision),
// and computes a weighted confidence score.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (Context, error) {
	var out Context
	var patternResults []patterns.RankedPattern
	var experienceResults, recentResults, sessionResults []experience.RankedExperience

	g, gctx := errgroup.WithContext(ctx)

	if wants(req.Sources, SourcePatterns) {
		g.Go(func() error {
			k := req.PatternK
			if k <= 0 {
				k = 10
			}
			res, err := s.matcher.FindSimilar(gctx, req.Embedding, k, 0, nil)
			if err != nil {
				return err
			}
			if req.MinSuccessRate > 0 {
				kept := res[:0]
				for _, p := range res {
					if p.SuccessRate >= req.MinSuccessRate {
						kept = append(kept, p)
					}
				}
				res = kept
			}
			patternResults = res
			return nil
		})
	}
	if wants(req.Sources, SourceExperiences) {
		g.Go(func() error {
			res, err := s.curator.Find(gctx, experience.Query{
				Embedding: req.Embedding, K: req.ExperienceK, Domain: req.Domain,
				MinQuality: req.MinQuality, MaxAgeMS: req.MaxAgeMS,
			})
			if err != nil {
				return err
			}
			experienceResults = res
			return nil
		})
	}
	if wants(req.Sources, SourceRecent) {
		g.Go(func() error {
			res, err := s.curator.Recent(gctx, req.Embedding, req.ExperienceK)
			if err != nil {
				return err
			}
			recentResults = res
			return nil
		})
	}
	if wants(req.Sources, SourceSession) && req.SessionKey != "" {
		g.Go(func() error {
			emb := req.SessionEmbedding
			if emb == nil {
				emb = req.Embedding
			}
			res, err := s.curator.Find(gctx, experience.Query{
				Embedding: emb, K: req.ExperienceK,
				Filter: core.Filter{"session": req.SessionKey},
			})
			if err != nil {
				return err
			}
			sessionResults = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Context{}, err
	}

	out.Patterns = dedupPatterns(patternResults)
	out.Experiences = dedupExperiences(append(append([]experience.RankedExperience{}, experienceResults...), recentResults...))
	out.Session = dedupExperiences(sessionResults)
	out.Confidence = confidence(out.Patterns, out.Experiences, recentResults)
	out.Summary = summarize(out)
	return out, nil
}

// dedupPatterns keeps, for each id, the entry with the higher score.
func dedupPatterns(in []patterns.RankedPattern) []patterns.RankedPattern {
	if len(in) == 0 {
		return nil
	}
	var order []string
	best := make(map[string]patterns.RankedPattern, len(in))
	for _, p := range in {
		if cur, ok := best[p.ID]; !ok || p.Score > cur.Score {
			if !ok {
				order = append(order, p.ID)
			}
			best[p.ID] = p
		}
	}
	out := make([]patterns.RankedPattern, len(order))
	for i, id := range order {
		out[i] = best[id]
	}
	return out
}

// dedupExperiences keeps, for each id, the entry with the higher relevance.
func dedupExperiences(in []experience.RankedExperience) []experience.RankedExperience {
	if len(in) == 0 {
		return nil
	}
	var order []string
	best := make(map[string]experience.RankedExperience, len(in))
	for _, e := range in {
		if cur, ok := best[e.ID]; !ok || e.Relevance > cur.Relevance {
			if !ok {
				order = append(order, e.ID)
			}
			best[e.ID] = e
		}
	}
	out := make([]experience.RankedExperience, len(order))
	for i, id := range order {
		out[i] = best[id]
	}
	return out
}

// confidence weights patterns and experiences at 0.4 each and recency at
// 0.2. Each component is
// the mean score of its source, zero when that source returned nothing, so
// an empty request yields zero confidence rather than a division by zero.
func confidence(pats []patterns.RankedPattern, exps []experience.RankedExperience, recent []experience.RankedExperience) float64 {
	patternComponent := meanPatternScore(pats)
	experienceComponent := meanExperienceRelevance(exps)
	recencyComponent := meanExperienceRelevance(recent)
	return 0.4*patternComponent + 0.4*experienceComponent + 0.2*recencyComponent
}

func meanPatternScore(in []patterns.RankedPattern) float64 {
	if len(in) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range in {
		sum += p.Score
	}
	return sum / float64(len(in))
}

func meanExperienceRelevance(in []experience.RankedExperience) float64 {
	if len(in) == 0 {
		return 0
	}
	sum := 0.0
	for _, e := range in {
		sum += e.Relevance
	}
	return sum / float64(len(in))
}

func summarize(c Context) string {
	if len(c.Patterns) == 0 && len(c.Experiences) == 0 && len(c.Session) == 0 {
		return "no relevant context found"
	}
	return "retrieved " + strconv.Itoa(len(c.Patterns)) + " pattern(s), " +
		strconv.Itoa(len(c.Experiences)) + " experience(s), " + strconv.Itoa(len(c.Session)) + " session row(s)"
}
