package cache

import (
	"fmt"
	"testing"
)

func TestMakeKey_ProviderAndModelSensitive(t *testing.T) {
	base := MakeKey("a grumpy blacksmith", "ollama", "nomic-embed-text")

	if got := MakeKey("a grumpy blacksmith", "ollama", "nomic-embed-text"); got != base {
		t.Error("MakeKey is not deterministic for identical inputs")
	}
	if got := MakeKey("a grumpy blacksmith", "openai", "nomic-embed-text"); got == base {
		t.Error("MakeKey ignores the provider")
	}
	if got := MakeKey("a grumpy blacksmith", "ollama", "text-embedding-3-small"); got == base {
		t.Error("MakeKey ignores the model")
	}
	if got := MakeKey("a cheerful blacksmith", "ollama", "nomic-embed-text"); got == base {
		t.Error("MakeKey ignores the text")
	}
}

func TestMakeKey_NoDelimiterCollision(t *testing.T) {
	// Concatenation without separators would make these collide.
	a := MakeKey("text", "ab", "c")
	b := MakeKey("text", "a", "bc")
	if a == b {
		t.Error("provider/model boundary is ambiguous in the cache key")
	}
}

func TestGetPut_HitAndMiss(t *testing.T) {
	c, err := New(4)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	key := MakeKey("doc", "ollama", "m")
	if _, ok := c.Get(key); ok {
		t.Fatal("Get on empty cache reported a hit")
	}

	c.Put(key, []float32{0.1, 0.2})
	vec, ok := c.Get(key)
	if !ok {
		t.Fatal("Get after Put reported a miss")
	}
	if len(vec) != 2 || vec[0] != 0.1 {
		t.Errorf("Get returned wrong vector: %v", vec)
	}

	hits, misses := c.Metrics()
	if hits != 1 || misses != 1 {
		t.Errorf("Metrics() = (%d, %d), want (1, 1)", hits, misses)
	}
}

func TestCapacity_StrictLRUEviction(t *testing.T) {
	c, err := New(3)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	keys := make([]string, 4)
	for i := range keys {
		keys[i] = MakeKey(fmt.Sprintf("doc-%d", i), "p", "m")
	}

	c.Put(keys[0], []float32{0})
	c.Put(keys[1], []float32{1})
	c.Put(keys[2], []float32{2})

	// Touch keys[0] so keys[1] becomes the least recently used.
	if _, ok := c.Get(keys[0]); !ok {
		t.Fatal("expected keys[0] to be cached")
	}

	c.Put(keys[3], []float32{3})

	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3 (capacity bound violated)", c.Len())
	}
	if _, ok := c.Get(keys[1]); ok {
		t.Error("least-recently-used entry keys[1] was not the one evicted")
	}
	for _, k := range []string{keys[0], keys[2], keys[3]} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected key %s to survive eviction", k[:8])
		}
	}
}

func TestInvalidate(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	key := MakeKey("doc", "p", "m")
	c.Put(key, []float32{1})
	c.Invalidate(key)

	if _, ok := c.Get(key); ok {
		t.Error("Get after Invalidate reported a hit")
	}
}
