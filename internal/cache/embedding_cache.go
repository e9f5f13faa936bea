// Package cache provides a bounded, content-addressed cache for embedding
// vectors. Keys incorporate the embedding provider and model so that
// switching backends can never surface a stale cross-model vector.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbeddingCache is a strict-LRU cache of embedding vectors keyed by
// MakeKey(text, provider, model). Capacity is fixed at construction;
// insertion beyond capacity evicts the least-recently-used entry.
// Safe for concurrent use.
type EmbeddingCache struct {
	entries *lru.Cache[string, []float32]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// DefaultCacheSize is the capacity used when the caller passes a
// non-positive size.
const DefaultCacheSize = 2048

// New creates an embedding cache holding at most maxSize entries.
func New(maxSize int) (*EmbeddingCache, error) {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	entries, err := lru.New[string, []float32](maxSize)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to create LRU: %w", err)
	}
	return &EmbeddingCache{entries: entries}, nil
}

// MakeKey derives the cache key for a document text embedded with a specific
// provider and model. All three parts feed the hash: the same text embedded
// by a different model must map to a different key.
func MakeKey(text, provider, model string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached vector for key and marks it most-recently-used.
// The second return value reports whether the key was present.
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	vec, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
		return vec, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put stores a vector under key, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *EmbeddingCache) Put(key string, vector []float32) {
	c.entries.Add(key, vector)
}

// Invalidate removes a key, e.g. when the underlying session note changed
// and the composite document will be re-embedded.
func (c *EmbeddingCache) Invalidate(key string) {
	c.entries.Remove(key)
}

// Len returns the current number of cached entries.
func (c *EmbeddingCache) Len() int {
	return c.entries.Len()
}

// Metrics returns the cumulative hit and miss counts.
func (c *EmbeddingCache) Metrics() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
