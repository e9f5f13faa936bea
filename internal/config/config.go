// Package config provides configuration for the Mnemosyne memory core.
// Settings load from environment variables with the MNEMOSYNE_ prefix and
// carry sensible defaults for every option.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all settings for the memory core.
type Config struct {
	Storage   StorageConfig
	Index     IndexConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
}

// StorageConfig selects and configures the authoritative record store.
type StorageConfig struct {
	Engine      string // Storage engine: sqlite, postgres (default: sqlite)
	DataPath    string // Data directory for sqlite and index snapshots (default: ./data)
	PostgresDSN string // DSN when Engine is postgres
}

// IndexConfig configures the vector index.
type IndexConfig struct {
	EmbeddingDim int // Vector dimension, must match the embedding model (default: 768)
}

// LLMConfig configures the external embedding and rerank model clients.
type LLMConfig struct {
	Provider           string  // Model provider: ollama (default); others plug in via llm.Embedder
	OllamaURL          string  // Ollama API URL (default: http://localhost:11434)
	EmbeddingModel     string  // Embedding model name (default: nomic-embed-text)
	RerankAuxModel     string  // Cheap model for the auxiliary rerank stage (default: qwen2.5:0.5b)
	RerankTopModel     string  // Stronger model for the principal rerank stage (default: qwen2.5:7b)
	EmbedMaxRetries    int     // Embedding retry attempts before a transaction aborts (default: 3)
	RequestsPerSecond  float64 // Outbound model call rate limit (default: 10)
	EmbeddingCacheSize int     // Max entries in the embedding cache (default: 2048)
	MatchThreshold     float64 // Entity resolution similarity threshold (default: 0.85)
}

// RetrievalConfig configures candidate budgets for search and reranking.
type RetrievalConfig struct {
	CandidateLimit int // Candidates fetched from the index (default: 100)
	RerankKeep     int // Survivors of the auxiliary stage (default: 20)
	FinalKeep      int // Results returned after the principal stage (default: 5)
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			Engine:      getEnv("MNEMOSYNE_STORAGE_ENGINE", "sqlite"),
			DataPath:    getEnv("MNEMOSYNE_DATA_PATH", "./data"),
			PostgresDSN: getEnv("MNEMOSYNE_POSTGRES_DSN", ""),
		},
		Index: IndexConfig{
			EmbeddingDim: getEnvInt("MNEMOSYNE_EMBEDDING_DIM", 768),
		},
		LLM: LLMConfig{
			Provider:           getEnv("MNEMOSYNE_LLM_PROVIDER", "ollama"),
			OllamaURL:          getEnv("MNEMOSYNE_OLLAMA_URL", "http://localhost:11434"),
			EmbeddingModel:     getEnv("MNEMOSYNE_EMBEDDING_MODEL", "nomic-embed-text"),
			RerankAuxModel:     getEnv("MNEMOSYNE_RERANK_AUX_MODEL", "qwen2.5:0.5b"),
			RerankTopModel:     getEnv("MNEMOSYNE_RERANK_PRINCIPAL_MODEL", "qwen2.5:7b"),
			EmbedMaxRetries:    getEnvInt("MNEMOSYNE_EMBED_MAX_RETRIES", 3),
			RequestsPerSecond:  getEnvFloat("MNEMOSYNE_MODEL_RPS", 10),
			EmbeddingCacheSize: getEnvInt("MNEMOSYNE_CACHE_SIZE", 2048),
			MatchThreshold:     getEnvFloat("MNEMOSYNE_MATCH_THRESHOLD", 0.85),
		},
		Retrieval: RetrievalConfig{
			CandidateLimit: getEnvInt("MNEMOSYNE_CANDIDATE_LIMIT", 100),
			RerankKeep:     getEnvInt("MNEMOSYNE_RERANK_KEEP", 20),
			FinalKeep:      getEnvInt("MNEMOSYNE_FINAL_KEEP", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: MNEMOSYNE_POSTGRES_DSN is required for the postgres engine")
	}
	if c.Index.EmbeddingDim <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.Index.EmbeddingDim)
	}
	if c.LLM.EmbedMaxRetries < 0 {
		return fmt.Errorf("config: embed max retries must be >= 0, got %d", c.LLM.EmbedMaxRetries)
	}
	if c.LLM.MatchThreshold <= 0 || c.LLM.MatchThreshold > 1 {
		return fmt.Errorf("config: match threshold must be in (0, 1], got %v", c.LLM.MatchThreshold)
	}
	if c.Retrieval.CandidateLimit < c.Retrieval.RerankKeep || c.Retrieval.RerankKeep < c.Retrieval.FinalKeep {
		return fmt.Errorf("config: retrieval budgets must narrow: candidates %d >= rerank %d >= final %d",
			c.Retrieval.CandidateLimit, c.Retrieval.RerankKeep, c.Retrieval.FinalKeep)
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
