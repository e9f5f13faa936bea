package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// OllamaConfig holds connection settings for a local Ollama server.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://localhost:11434).
	BaseURL string

	// Model is the model used by this client: an embedding model for
	// Embedder use, a completion model for PairScorer use.
	Model string

	// Timeout is the per-request timeout (default: 15s).
	Timeout time.Duration

	// RequestsPerSecond throttles outbound calls (default: 10).
	RequestsPerSecond float64
}

// OllamaClient talks to a local Ollama server. Every call runs through a
// circuit breaker and a rate limiter; the limiter waits (respecting the
// context) rather than rejecting, so bursts of per-turn embeddings queue up
// instead of failing.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
	breaker *CircuitBreaker
	limiter *rate.Limiter
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// Ollama returns embeddings as a 2D array; single-input requests use the
// first row.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaClient creates a client with defaults applied for unset fields.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}

	return &OllamaClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewCircuitBreaker("ollama:"+cfg.Model, BreakerConfig{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

// Embed generates an embedding for text via /api/embed.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	result, err := c.breaker.Execute(ctx, func() (any, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return result.([]float32), nil
}

func (c *OllamaClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	respBody, err := c.post(ctx, "/api/embed", body)
	if err != nil {
		return nil, err
	}

	var resp ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed response contained no embedding")
	}
	return resp.Embeddings[0], nil
}

// Score asks the completion model to rate the relevance of document to
// query on a 0–1 scale. Failures wrap ErrRerankUnavailable so the pipeline
// can degrade to passthrough.
func (c *OllamaClient) Score(ctx context.Context, query, document string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRerankUnavailable, err)
	}

	prompt := scorePrompt(query, document)
	result, err := c.breaker.Execute(ctx, func() (any, error) {
		return c.generate(ctx, prompt)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRerankUnavailable, err)
	}

	score, err := parseScore(result.(string))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRerankUnavailable, err)
	}
	return score, nil
}

// Name identifies this scorer in pipeline logs.
func (c *OllamaClient) Name() string {
	return "ollama:" + c.model
}

func (c *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}

	respBody, err := c.post(ctx, "/api/generate", body)
	if err != nil {
		return "", err
	}

	var resp ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to decode generate response: %w", err)
	}
	return resp.Response, nil
}

func (c *OllamaClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

// scorePrompt asks for a bare decimal so parseScore stays trivial.
func scorePrompt(query, document string) string {
	return fmt.Sprintf(
		"Rate how relevant the passage is to the query on a scale from 0.0 (irrelevant) to 1.0 (highly relevant).\n"+
			"Respond with only the number.\n\nQuery: %s\n\nPassage: %s\n\nScore:", query, document)
}

// parseScore extracts the first float from a model response and clamps it
// to [0, 1]. Models occasionally wrap the number in prose; scanning tokens
// is more robust than strict parsing.
func parseScore(response string) (float64, error) {
	for _, field := range strings.Fields(response) {
		field = strings.Trim(field, ".,:;()[]")
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return v, nil
	}
	return 0, fmt.Errorf("no numeric score in response %q", truncate(response, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
