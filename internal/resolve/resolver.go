// Package resolve maps free-text entity descriptions onto existing lore
// records by embedding similarity. The orchestrator uses it to decide
// whether a turn's memory operation revises a known entity or introduces a
// new one.
package resolve

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// DefaultThreshold is the minimum cosine similarity for a match.
const DefaultThreshold = 0.85

// snippetLen bounds the description excerpt carried in a match.
const snippetLen = 120

// EmbedFunc produces the embedding for a piece of text. Callers supply a
// cache-aware function (see engine.Orchestrator) so repeated resolutions of
// the same description don't re-hit the model.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Candidate is one existing record considered for resolution. Embedding is
// the stored vector of the candidate's composite document; UpdatedAt breaks
// ties between equally similar candidates.
type Candidate struct {
	ID          string
	Name        string
	Description string
	Embedding   []float32
	UpdatedAt   time.Time
}

// EntityMatch is a successful resolution. Confidence is the winning cosine
// similarity, always ≥ the resolver threshold.
type EntityMatch struct {
	ID         string
	Confidence float64
	Name       string
	Snippet    string
}

// Resolver scores descriptions against candidate pools.
type Resolver struct {
	threshold float64
}

// NewResolver creates a resolver with the given similarity threshold.
// Thresholds outside (0, 1] fall back to DefaultThreshold.
func NewResolver(threshold float64) *Resolver {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Resolver{threshold: threshold}
}

// Resolve embeds description and returns the best-matching candidate, or
// nil when the pool is empty or no candidate reaches the threshold.
// Equal top scores are broken in favor of the most recently updated record.
func (r *Resolver) Resolve(ctx context.Context, description string, pool []Candidate, embed EmbedFunc) (*EntityMatch, error) {
	if len(pool) == 0 {
		return nil, nil
	}
	if embed == nil {
		return nil, fmt.Errorf("resolve: embed function is required")
	}

	queryVec, err := embed(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("resolve: failed to embed description: %w", err)
	}

	var best *Candidate
	bestScore := math.Inf(-1)
	for i := range pool {
		c := &pool[i]
		score := cosineSimilarity(queryVec, c.Embedding)
		switch {
		case score > bestScore:
			best, bestScore = c, score
		case score == bestScore && best != nil && c.UpdatedAt.After(best.UpdatedAt):
			best = c
		}
	}

	if best == nil || bestScore < r.threshold {
		return nil, nil
	}

	return &EntityMatch{
		ID:         best.ID,
		Confidence: bestScore,
		Name:       best.Name,
		Snippet:    snippet(best.Description),
	}, nil
}

// Threshold returns the configured similarity threshold.
func (r *Resolver) Threshold() float64 {
	return r.threshold
}

// snippet truncates to snippetLen runes, never splitting a multi-byte rune.
func snippet(s string) string {
	if utf8.RuneCountInString(s) <= snippetLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:snippetLen]) + "…"
}

// cosineSimilarity computes cosine similarity between two vectors.
// Returns 0 when lengths differ or either vector has zero magnitude,
// never NaN.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
