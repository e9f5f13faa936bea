package index

import (
	"testing"

	"github.com/storyloom/mnemosyne/pkg/types"
)

func newTestStore(t *testing.T, dim int) *Store {
	t.Helper()
	s, err := NewStore(dim)
	if err != nil {
		t.Fatalf("NewStore(%d) failed: %v", dim, err)
	}
	return s
}

func loreKey(id string) VectorKey {
	return VectorKey{Kind: types.KindLoreEntry, ID: id}
}

func mustAdd(t *testing.T, s *Store, key VectorKey, vec []float32) {
	t.Helper()
	if _, err := s.Add(key, vec); err != nil {
		t.Fatalf("Add(%s) failed: %v", key.ID, err)
	}
}

func TestAdd_ThenSearchReturnsSelfAtZeroDistance(t *testing.T) {
	s := newTestStore(t, 4)
	mustAdd(t, s, loreKey("A"), []float32{0.3, 0.1, 0.5, 0.2})

	hits, err := s.Search([]float32{0.3, 0.1, 0.5, 0.2}, 1, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Search returned %d hits, want 1", len(hits))
	}
	if hits[0].Key.ID != "A" {
		t.Errorf("Search returned %q, want A", hits[0].Key.ID)
	}
	if hits[0].Distance > 1e-6 {
		t.Errorf("self distance = %v, want ≈ 0", hits[0].Distance)
	}
}

func TestAdd_DimensionMismatch(t *testing.T) {
	s := newTestStore(t, 4)
	if _, err := s.Add(loreKey("A"), []float32{1, 0}); err == nil {
		t.Fatal("Add with wrong-length vector succeeded")
	}
	if _, err := s.Search([]float32{1, 0}, 1, nil); err == nil {
		t.Fatal("Search with wrong-length query succeeded")
	}
}

func TestSearch_OrderingScenario(t *testing.T) {
	// Unit vectors on three axes, query near axis A.
	s := newTestStore(t, 4)
	mustAdd(t, s, loreKey("A"), []float32{1, 0, 0, 0})
	mustAdd(t, s, loreKey("B"), []float32{0, 1, 0, 0})
	mustAdd(t, s, loreKey("C"), []float32{0, 0, 1, 0})

	hits, err := s.Search([]float32{0.9, 0.1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Search returned %d hits, want 2", len(hits))
	}
	if hits[0].Key.ID != "A" || hits[1].Key.ID != "B" {
		t.Errorf("Search order = [%s, %s], want [A, B]", hits[0].Key.ID, hits[1].Key.ID)
	}
	if hits[0].Distance >= hits[1].Distance {
		t.Errorf("distances not ascending: %v >= %v", hits[0].Distance, hits[1].Distance)
	}
}

func TestUpdate_MovesVectorAwayFromOldNeighborhood(t *testing.T) {
	s := newTestStore(t, 4)
	mustAdd(t, s, loreKey("A"), []float32{1, 0, 0, 0})
	mustAdd(t, s, loreKey("B"), []float32{0, 1, 0, 0})
	mustAdd(t, s, loreKey("C"), []float32{0, 0, 1, 0})

	if err := s.Update(loreKey("A"), []float32{0, 0, 0, 1}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	hits, err := s.Search([]float32{1, 0, 0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Search returned %d hits, want 1", len(hits))
	}
	if hits[0].Key.ID == "A" {
		t.Error("Search returned A after A's vector moved to the opposite axis")
	}

	// The updated vector is found at its new neighborhood.
	hits, err = s.Search([]float32{0, 0, 0, 1}, 1, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hits[0].Key.ID != "A" {
		t.Errorf("Search near new position returned %q, want A", hits[0].Key.ID)
	}
}

func TestUpdate_Idempotent(t *testing.T) {
	a, b := newTestStore(t, 3), newTestStore(t, 3)
	for _, s := range []*Store{a, b} {
		mustAdd(t, s, loreKey("A"), []float32{1, 0, 0})
		mustAdd(t, s, loreKey("B"), []float32{0, 1, 0})
	}

	vec := []float32{0.5, 0.5, 0}
	if err := a.Update(loreKey("A"), vec); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := b.Update(loreKey("A"), vec); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := b.Update(loreKey("A"), vec); err != nil {
		t.Fatalf("second Update failed: %v", err)
	}

	for _, query := range [][]float32{{1, 0, 0}, {0, 1, 0}, {0.4, 0.6, 0}} {
		ha, err := a.Search(query, 2, nil)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		hb, err := b.Search(query, 2, nil)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(ha) != len(hb) {
			t.Fatalf("result lengths differ: %d vs %d", len(ha), len(hb))
		}
		for i := range ha {
			if ha[i].Key != hb[i].Key {
				t.Errorf("query %v: result %d differs after double update: %v vs %v", query, i, ha[i].Key, hb[i].Key)
			}
		}
	}
}

func TestUpdate_UnknownKeyRoutesToAdd(t *testing.T) {
	s := newTestStore(t, 2)
	if err := s.Update(loreKey("ghost"), []float32{1, 0}); err != nil {
		t.Fatalf("Update of unknown key failed: %v", err)
	}
	if !s.Contains(loreKey("ghost")) {
		t.Error("Update of unknown key did not insert it")
	}
}

func TestRemove_KeyNeverReturnedAgain(t *testing.T) {
	s := newTestStore(t, 2)
	mustAdd(t, s, loreKey("A"), []float32{1, 0})
	mustAdd(t, s, loreKey("B"), []float32{0, 1})

	if err := s.Remove(loreKey("A")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	hits, err := s.Search([]float32{1, 0}, 10, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, h := range hits {
		if h.Key.ID == "A" {
			t.Error("removed key A still appears in search results")
		}
	}
}

func TestRemove_DoesNotStaleOtherMappings(t *testing.T) {
	// Removing from the middle swaps the last vector into the freed slot.
	// The moved key's mapping must still point at its own vector.
	s := newTestStore(t, 3)
	mustAdd(t, s, loreKey("A"), []float32{1, 0, 0})
	mustAdd(t, s, loreKey("B"), []float32{0, 1, 0})
	mustAdd(t, s, loreKey("C"), []float32{0, 0, 1})

	if err := s.Remove(loreKey("A")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	hits, err := s.Search([]float32{0, 0, 1}, 1, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hits[0].Key.ID != "C" {
		t.Errorf("after removal, nearest to C's vector is %q, want C", hits[0].Key.ID)
	}
	hits, err = s.Search([]float32{0, 1, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hits[0].Key.ID != "B" {
		t.Errorf("after removal, nearest to B's vector is %q, want B", hits[0].Key.ID)
	}
}

func TestRemove_UnknownKeyIsNoOp(t *testing.T) {
	s := newTestStore(t, 2)
	mustAdd(t, s, loreKey("A"), []float32{1, 0})
	if err := s.Remove(loreKey("ghost")); err != nil {
		t.Fatalf("Remove of unknown key returned error: %v", err)
	}
	if got := s.Stats().TotalVectors; got != 1 {
		t.Errorf("TotalVectors = %d after no-op remove, want 1", got)
	}
}

func TestPublicAPISequence_NeverLeavesUnmappedSlots(t *testing.T) {
	s := newTestStore(t, 3)
	mustAdd(t, s, loreKey("A"), []float32{1, 0, 0})
	mustAdd(t, s, loreKey("B"), []float32{0, 1, 0})
	mustAdd(t, s, loreKey("C"), []float32{0, 0, 1})
	mustAdd(t, s, VectorKey{Kind: types.KindExtractedKnowledge, ID: "K1"}, []float32{0.5, 0.5, 0})

	if err := s.Remove(loreKey("B")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := s.Update(loreKey("A"), []float32{0, 1, 0}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	mustAdd(t, s, loreKey("D"), []float32{1, 1, 1})
	if err := s.Remove(loreKey("C")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	report := s.DetectUnmapped()
	if len(report.UnmappedSlots) != 0 {
		t.Errorf("public API sequence produced %d unmapped slots: %v", len(report.UnmappedSlots), report.UnmappedSlots)
	}
	if report.TotalSlots != report.MappedCount {
		t.Errorf("TotalSlots=%d != MappedCount=%d", report.TotalSlots, report.MappedCount)
	}
}

func TestSearch_KindFilter(t *testing.T) {
	s := newTestStore(t, 2)
	mustAdd(t, s, loreKey("lore-1"), []float32{1, 0})
	mustAdd(t, s, VectorKey{Kind: types.KindExtractedKnowledge, ID: "fact-1"}, []float32{0.99, 0.01})

	kind := types.KindExtractedKnowledge
	hits, err := s.Search([]float32{1, 0}, 5, &kind)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("filtered search returned %d hits, want 1", len(hits))
	}
	if hits[0].Key.ID != "fact-1" {
		t.Errorf("filtered search returned %q, want fact-1", hits[0].Key.ID)
	}
}

func TestSearch_KLargerThanCount(t *testing.T) {
	s := newTestStore(t, 2)
	mustAdd(t, s, loreKey("A"), []float32{1, 0})
	mustAdd(t, s, loreKey("B"), []float32{0, 1})

	hits, err := s.Search([]float32{1, 1}, 50, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("Search with oversized k returned %d hits, want 2", len(hits))
	}
}

func TestSearch_ZeroNormVectorsNeverNaN(t *testing.T) {
	s := newTestStore(t, 2)
	mustAdd(t, s, loreKey("zero"), []float32{0, 0})

	hits, err := s.Search([]float32{1, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hits[0].Distance != hits[0].Distance { // NaN check
		t.Error("zero-norm stored vector produced NaN distance")
	}
	if hits[0].Distance != 1 {
		t.Errorf("zero-norm distance = %v, want 1 (similarity 0)", hits[0].Distance)
	}
}

func TestClearKindAndStats(t *testing.T) {
	s := newTestStore(t, 2)
	mustAdd(t, s, loreKey("A"), []float32{1, 0})
	mustAdd(t, s, loreKey("B"), []float32{0, 1})
	mustAdd(t, s, VectorKey{Kind: types.KindExtractedKnowledge, ID: "K"}, []float32{1, 1})

	stats := s.Stats()
	if stats.TotalVectors != 3 || stats.MappedCount != 3 {
		t.Fatalf("Stats = %+v, want 3 total / 3 mapped", stats)
	}
	if stats.PerKindCounts[types.KindLoreEntry.String()] != 2 {
		t.Errorf("lore_entry count = %d, want 2", stats.PerKindCounts[types.KindLoreEntry.String()])
	}

	removed := s.ClearKind(types.KindLoreEntry)
	if removed != 2 {
		t.Errorf("ClearKind removed %d, want 2", removed)
	}
	stats = s.Stats()
	if stats.TotalVectors != 1 || stats.PerKindCounts[types.KindExtractedKnowledge.String()] != 1 {
		t.Errorf("after ClearKind, Stats = %+v", stats)
	}

	s.Clear()
	if got := s.Stats().TotalVectors; got != 0 {
		t.Errorf("after Clear, TotalVectors = %d, want 0", got)
	}
}

func TestRebuildMappings_ReconcilesKindTables(t *testing.T) {
	s := newTestStore(t, 2)
	mustAdd(t, s, loreKey("A"), []float32{1, 0})
	mustAdd(t, s, VectorKey{Kind: types.KindExtractedKnowledge, ID: "K"}, []float32{0, 1})

	// Wreck the derived tables, then reconcile from the slot map.
	s.mu.Lock()
	s.kindSlots = make(map[types.EntryKind]map[string]int)
	s.mu.Unlock()

	s.RebuildMappings()

	stats := s.Stats()
	if stats.PerKindCounts[types.KindLoreEntry.String()] != 1 ||
		stats.PerKindCounts[types.KindExtractedKnowledge.String()] != 1 {
		t.Errorf("per-kind counts after rebuild = %v", stats.PerKindCounts)
	}
}
