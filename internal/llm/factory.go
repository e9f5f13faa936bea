package llm

import (
	"fmt"

	"github.com/storyloom/mnemosyne/internal/config"
)

// NewEmbedder creates the embedding client for the configured provider.
func NewEmbedder(cfg config.LLMConfig) (Embedder, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL:           cfg.OllamaURL,
			Model:             cfg.EmbeddingModel,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}), nil
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}
}

// NewPairScorers creates the auxiliary and principal rerank scorers.
// A provider without rerank support returns (nil, nil, nil); the pipeline
// treats nil scorers as passthrough stages.
func NewPairScorers(cfg config.LLMConfig) (auxiliary, principal PairScorer, err error) {
	switch cfg.Provider {
	case "ollama", "":
		auxiliary = NewOllamaClient(OllamaConfig{
			BaseURL:           cfg.OllamaURL,
			Model:             cfg.RerankAuxModel,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
		principal = NewOllamaClient(OllamaConfig{
			BaseURL:           cfg.OllamaURL,
			Model:             cfg.RerankTopModel,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
		return auxiliary, principal, nil
	default:
		return nil, nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}
}
