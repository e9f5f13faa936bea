package resolve

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// fixedEmbed returns the same vector for every text.
func fixedEmbed(vec []float32) EmbedFunc {
	return func(_ context.Context, _ string) ([]float32, error) {
		return vec, nil
	}
}

func TestResolve_BestAboveThresholdMatches(t *testing.T) {
	r := NewResolver(0.85)
	// Query along the x axis; Borin at ~0.90 similarity, the rest far away.
	pool := []Candidate{
		{ID: "lore:character:borin", Name: "Borin the Smith", Description: "The dour blacksmith of Hollowmere, famous for his temper.", Embedding: []float32{0.90, 0.436, 0, 0}},
		{ID: "lore:location:mill", Name: "The Old Mill", Description: "A ruined watermill.", Embedding: []float32{0, 1, 0, 0}},
	}

	match, err := r.Resolve(context.Background(), "a grumpy blacksmith", pool, fixedEmbed([]float32{1, 0, 0, 0}))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if match == nil {
		t.Fatal("Resolve returned NoMatch, want Borin")
	}
	if match.ID != "lore:character:borin" || match.Name != "Borin the Smith" {
		t.Errorf("Resolve matched %s (%s), want Borin", match.ID, match.Name)
	}
	if match.Confidence < 0.85 || match.Confidence > 0.95 {
		t.Errorf("Confidence = %v, want ≈ 0.90", match.Confidence)
	}
	if match.Snippet == "" {
		t.Error("match has empty description snippet")
	}
}

func TestResolve_BelowThresholdIsNoMatch(t *testing.T) {
	r := NewResolver(0.85)
	// Best candidate scores 0.60.
	pool := []Candidate{
		{ID: "a", Name: "A", Embedding: []float32{0.6, 0.8, 0, 0}},
		{ID: "b", Name: "B", Embedding: []float32{0, 0, 1, 0}},
	}

	match, err := r.Resolve(context.Background(), "a grumpy blacksmith", pool, fixedEmbed([]float32{1, 0, 0, 0}))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if match != nil {
		t.Errorf("Resolve matched %s at %v, want NoMatch below threshold", match.ID, match.Confidence)
	}
}

func TestResolve_EmptyPoolIsNoMatch(t *testing.T) {
	r := NewResolver(0.85)
	match, err := r.Resolve(context.Background(), "anything", nil, fixedEmbed([]float32{1}))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if match != nil {
		t.Error("Resolve on empty pool returned a match")
	}
}

func TestResolve_TieBreaksOnRecency(t *testing.T) {
	r := NewResolver(0.5)
	now := time.Now()
	// Identical embeddings, different update times.
	pool := []Candidate{
		{ID: "older", Name: "Older", Embedding: []float32{1, 0}, UpdatedAt: now.Add(-time.Hour)},
		{ID: "newer", Name: "Newer", Embedding: []float32{1, 0}, UpdatedAt: now},
		{ID: "oldest", Name: "Oldest", Embedding: []float32{1, 0}, UpdatedAt: now.Add(-2 * time.Hour)},
	}

	match, err := r.Resolve(context.Background(), "desc", pool, fixedEmbed([]float32{1, 0}))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if match == nil {
		t.Fatal("Resolve returned NoMatch for identical vectors above threshold")
	}
	if match.ID != "newer" {
		t.Errorf("tie resolved to %s, want the most recently updated candidate", match.ID)
	}
}

func TestResolve_ZeroNormVectorsScoreZero(t *testing.T) {
	r := NewResolver(0.85)
	pool := []Candidate{
		{ID: "zero", Name: "Zero", Embedding: []float32{0, 0, 0}},
	}

	match, err := r.Resolve(context.Background(), "desc", pool, fixedEmbed([]float32{1, 0, 0}))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if match != nil {
		t.Errorf("zero-norm candidate matched with confidence %v", match.Confidence)
	}

	// Zero-norm query against a normal candidate is also similarity 0.
	match, err = r.Resolve(context.Background(), "desc",
		[]Candidate{{ID: "n", Embedding: []float32{1, 0, 0}}},
		fixedEmbed([]float32{0, 0, 0}))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if match != nil {
		t.Error("zero-norm query produced a match")
	}
}

func TestResolve_EmbedFailurePropagates(t *testing.T) {
	r := NewResolver(0.85)
	failing := func(_ context.Context, _ string) ([]float32, error) {
		return nil, errors.New("embedding backend down")
	}

	_, err := r.Resolve(context.Background(), "desc",
		[]Candidate{{ID: "a", Embedding: []float32{1}}}, failing)
	if err == nil {
		t.Fatal("Resolve swallowed the embed error")
	}
}

func TestSnippet_TruncatesOnRuneBoundary(t *testing.T) {
	short := "Händler am Osttor."
	if got := snippet(short); got != short {
		t.Errorf("snippet(%q) = %q, want unchanged", short, got)
	}

	// Every rune is multi-byte, so a byte-offset cut would split one.
	long := strings.Repeat("ö", snippetLen+40)
	got := snippet(long)
	if !utf8.ValidString(got) {
		t.Fatalf("snippet produced invalid UTF-8: %q", got)
	}
	want := strings.Repeat("ö", snippetLen) + "…"
	if got != want {
		t.Errorf("snippet truncated to %d runes, want %d plus ellipsis",
			utf8.RuneCountInString(got), snippetLen)
	}
}

func TestNewResolver_InvalidThresholdDefaults(t *testing.T) {
	if got := NewResolver(0).Threshold(); got != DefaultThreshold {
		t.Errorf("Threshold() = %v, want default %v", got, DefaultThreshold)
	}
	if got := NewResolver(1.5).Threshold(); got != DefaultThreshold {
		t.Errorf("Threshold() = %v, want default %v", got, DefaultThreshold)
	}
}
