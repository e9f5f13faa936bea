// Package rerank implements the two-stage candidate reduction used after
// vector retrieval: a cheap auxiliary scorer prunes the candidate superset,
// then a stronger principal scorer ranks the survivors. Scoring failures are
// never fatal: a stage whose model is unavailable degrades to a passthrough
// that preserves the incoming order.
package rerank

import (
	"context"
	"log"
	"sort"
)

// Scorer scores a (query, document) pair. Higher is more relevant.
// Implementations wrap external model calls and may fail; the pipeline
// treats any error as "stage unavailable".
type Scorer interface {
	Score(ctx context.Context, query, document string) (float64, error)
	Name() string
}

// Candidate is one retrieval result entering the pipeline.
type Candidate struct {
	ID       string
	Document string
}

// ScoredCandidate is a candidate with the score assigned by the last stage
// that ran. Passthrough stages assign 0.
type ScoredCandidate struct {
	Candidate
	Score float64
}

// Defaults for the stage budgets: up to 100 candidates enter the auxiliary
// stage, 20 survive to the principal stage, 5 are returned.
const (
	DefaultAuxKeep   = 20
	DefaultFinalKeep = 5
)

// Pipeline chains the auxiliary and principal rerank stages. Either scorer
// may be nil, which makes its stage a permanent passthrough.
type Pipeline struct {
	auxiliary Scorer
	principal Scorer
	auxKeep   int
	finalKeep int
}

// NewPipeline builds a pipeline with the given scorers and stage budgets.
// Non-positive budgets fall back to the defaults.
func NewPipeline(auxiliary, principal Scorer, auxKeep, finalKeep int) *Pipeline {
	if auxKeep <= 0 {
		auxKeep = DefaultAuxKeep
	}
	if finalKeep <= 0 {
		finalKeep = DefaultFinalKeep
	}
	return &Pipeline{
		auxiliary: auxiliary,
		principal: principal,
		auxKeep:   auxKeep,
		finalKeep: finalKeep,
	}
}

// Rerank runs both stages over candidates and returns at most finalKeep
// results sorted by descending score. The output is always a permutation of
// a prefix-sized subset of the input; with both scorers unavailable the
// original order is preserved with scores of 0.
func (p *Pipeline) Rerank(ctx context.Context, query string, candidates []Candidate) []ScoredCandidate {
	survivors := p.runStage(ctx, p.auxiliary, query, candidates, p.auxKeep)

	principalIn := make([]Candidate, len(survivors))
	for i, s := range survivors {
		principalIn[i] = s.Candidate
	}
	return p.runStage(ctx, p.principal, query, principalIn, p.finalKeep)
}

// runStage scores candidates with one scorer, sorts descending, and keeps
// the top keep entries. A nil scorer or a scoring error degrades the stage
// to passthrough truncation.
func (p *Pipeline) runStage(ctx context.Context, scorer Scorer, query string, candidates []Candidate, keep int) []ScoredCandidate {
	if len(candidates) == 0 {
		return []ScoredCandidate{}
	}

	scored := make([]ScoredCandidate, len(candidates))
	for i, c := range candidates {
		scored[i] = ScoredCandidate{Candidate: c}
	}

	if scorer != nil {
		ok := true
		for i := range scored {
			score, err := scorer.Score(ctx, query, scored[i].Document)
			if err != nil {
				log.Printf("WARNING: rerank: stage %s unavailable, passing candidates through: %v", scorer.Name(), err)
				ok = false
				break
			}
			scored[i].Score = score
		}
		if ok {
			// Stable sort keeps the incoming order for equal scores.
			sort.SliceStable(scored, func(i, j int) bool {
				return scored[i].Score > scored[j].Score
			})
		} else {
			for i := range scored {
				scored[i].Score = 0
			}
		}
	}

	if keep > len(scored) {
		keep = len(scored)
	}
	return scored[:keep]
}
