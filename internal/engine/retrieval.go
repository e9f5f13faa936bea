package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/storyloom/mnemosyne/internal/index"
	"github.com/storyloom/mnemosyne/internal/rerank"
	"github.com/storyloom/mnemosyne/internal/storage"
	"github.com/storyloom/mnemosyne/pkg/types"
)

// RetrievalResult is one reranked retrieval hit: the full record, the rerank
// score (0 when the pipeline degraded to passthrough), and the raw cosine
// distance from the index stage.
type RetrievalResult struct {
	Entity   types.LoreEntity
	Score    float64
	Distance float32
}

// Retrieve answers a query: embed it, pull the nearest candidates from the
// index, hydrate their records, and narrow through the rerank pipeline.
// A kindFilter of nil searches all record classes.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, kindFilter *types.EntryKind) ([]RetrievalResult, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}

	queryVec, err := o.embedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to embed query: %w", err)
	}

	hits, err := o.index.Search(queryVec, o.candidateLimit, kindFilter)
	if err != nil {
		return nil, fmt.Errorf("engine: index search failed: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	// Hydrate documents. An index entry whose record has vanished is an
	// orphan mapping: skip it and let DetectOrphanRecords surface the drift.
	byID := make(map[string]types.LoreEntity, len(hits))
	distances := make(map[string]float32, len(hits))
	candidates := make([]rerank.Candidate, 0, len(hits))
	for _, hit := range hits {
		entity, err := o.store.Get(ctx, hit.Key.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				log.Printf("WARNING: engine: index entry %s has no stored record, skipping", hit.Key.ID)
				continue
			}
			return nil, fmt.Errorf("engine: failed to hydrate %s: %w", hit.Key.ID, err)
		}
		byID[entity.ID] = *entity
		distances[entity.ID] = hit.Distance
		candidates = append(candidates, rerank.Candidate{
			ID:       entity.ID,
			Document: entity.CompositeDocument(),
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var scored []rerank.ScoredCandidate
	if o.pipeline != nil {
		scored = o.pipeline.Rerank(ctx, query, candidates)
	} else {
		// No pipeline configured: index order stands, truncated to the same
		// final budget the pipeline would have enforced.
		keep := candidates
		if len(keep) > o.finalKeep {
			keep = keep[:o.finalKeep]
		}
		scored = make([]rerank.ScoredCandidate, len(keep))
		for i, c := range keep {
			scored[i] = rerank.ScoredCandidate{Candidate: c}
		}
	}

	results := make([]RetrievalResult, 0, len(scored))
	for _, sc := range scored {
		results = append(results, RetrievalResult{
			Entity:   byID[sc.ID],
			Score:    sc.Score,
			Distance: distances[sc.ID],
		})
	}
	return results, nil
}

// ResolveEntity exposes description-to-entity resolution directly, for
// callers that need a target id without mutating anything.
func (o *Orchestrator) ResolveEntity(ctx context.Context, sessionID, description string) (*types.LoreEntity, error) {
	match, err := o.resolveTarget(ctx, sessionID, description)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, storage.ErrNotFound
	}
	return o.store.Get(ctx, match.ID)
}

// kindKey builds the index key for an entity.
func kindKey(e *types.LoreEntity) index.VectorKey {
	return index.VectorKey{Kind: e.Kind, ID: e.ID}
}
