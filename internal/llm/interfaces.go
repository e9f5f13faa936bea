// Package llm wraps the external model services the memory core consumes:
// an embedding capability and a rerank-scoring capability. Both are fallible
// network calls; clients here add circuit breaking and rate limiting, while
// the caching and fallback policies live with the callers (cache, rerank).
package llm

import (
	"context"
	"errors"
)

var (
	// ErrEmbeddingFailed wraps an embedding backend failure. The orchestrator
	// retries a bounded number of times, then aborts the enclosing
	// transaction.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrRerankUnavailable wraps a rerank backend failure. Never fatal:
	// the pipeline falls back to passthrough ordering.
	ErrRerankUnavailable = errors.New("reranker unavailable")
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// PairScorer scores the relevance of a document to a query. It satisfies
// rerank.Scorer so a client can plug directly into the pipeline.
type PairScorer interface {
	Score(ctx context.Context, query, document string) (float64, error)
	Name() string
}
