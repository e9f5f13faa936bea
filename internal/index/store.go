// Package index implements the flat vector index at the heart of semantic
// retrieval: a slot-addressed matrix of embeddings plus a bidirectional
// slot ↔ (kind, id) map kept consistent under a single store-wide lock.
//
// The structure is deliberately flat (exact brute-force cosine ranking, the
// same math the record stores use for DB-side similarity). Updates rewrite
// in place via remove-then-add inside one critical section, so callers never
// observe a window where an updated id is absent from search results, and
// removal never leaves another id's mapping stale.
package index

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/storyloom/mnemosyne/pkg/types"
)

var (
	// ErrDimensionMismatch is returned when a caller supplies a vector whose
	// length differs from the store's configured dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrIndexInconsistency indicates the slot map and vector matrix
	// disagree in a way that requires repair (surfaced, never auto-fixed).
	ErrIndexInconsistency = errors.New("index inconsistency detected")
)

// VectorKey is the typed (kind, id) pair identifying a logical record in the
// index. Using a struct key instead of a formatted string removes the
// unknown-kind-string failure mode entirely.
type VectorKey struct {
	Kind types.EntryKind
	ID   string
}

// SearchHit is one ranked search result. Distance is cosine distance
// (1 - cosine similarity): 0 for identical direction, ascending as
// candidates diverge from the query.
type SearchHit struct {
	Key      VectorKey
	Distance float32
}

// UnmappedReport summarizes slots that hold a vector but have no logical
// mapping (tombstones left by interrupted recovery paths).
type UnmappedReport struct {
	TotalSlots    int
	MappedCount   int
	UnmappedSlots []int
}

// Stats is the observable state of the index.
type Stats struct {
	TotalVectors  int
	Dimension     int
	PerKindCounts map[string]int
	MappedCount   int
}

// Store owns the vector matrix and the slot map. All reads and structural
// mutations serialize through mu; expensive work (embedding calls, reranker
// inference) must happen outside the lock, with only finished vectors passed
// in.
type Store struct {
	mu sync.Mutex

	dim     int
	vectors [][]float32

	slotToKey map[int]VectorKey
	keyToSlot map[VectorKey]int

	// kindSlots are per-kind lookup tables derived from slotToKey. They are
	// convenience indexes only; the slot map stays authoritative and
	// RebuildMappings reconciles them from it.
	kindSlots map[types.EntryKind]map[string]int

	// generation increases on every structural mutation. Persisted snapshots
	// carry it so a crash can never install an older state as latest.
	generation uint64

	// persistMu serializes snapshot writes so two Persist calls can't
	// interleave their artifact files.
	persistMu sync.Mutex
}

// NewStore creates an empty index for vectors of the given dimension.
func NewStore(dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index: dimension must be positive, got %d", dim)
	}
	s := &Store{
		dim:       dim,
		slotToKey: make(map[int]VectorKey),
		keyToSlot: make(map[VectorKey]int),
	}
	s.rebuildKindSlotsLocked()
	return s, nil
}

// Dimension returns the configured vector dimension.
func (s *Store) Dimension() int {
	return s.dim
}

// Add inserts a vector for key and returns its slot. If the key is already
// mapped, Add behaves as Update. Returns ErrDimensionMismatch when the
// vector length differs from the store dimension.
func (s *Store) Add(key VectorKey, vector []float32) (int, error) {
	if len(vector) != s.dim {
		return -1, fmt.Errorf("%w: got %d, index dimension is %d", ErrDimensionMismatch, len(vector), s.dim)
	}
	if !key.Kind.Valid() {
		return -1, fmt.Errorf("index: invalid entry kind %d", key.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keyToSlot[key]; exists {
		s.removeLocked(key)
	}
	slot := s.addLocked(key, vector)
	s.generation++
	return slot, nil
}

// Update replaces the vector for key. Internally this is remove-then-add,
// but both halves run inside one critical section, so from any caller's view
// the id is never absent from search results. An unknown key routes to Add.
func (s *Store) Update(key VectorKey, vector []float32) error {
	_, err := s.Add(key, vector)
	return err
}

// Remove deletes the vector and mapping for key. Removing an unknown key is
// a warning-level no-op. The last slot's vector is swapped into the freed
// slot and its mapping rewritten in the same critical section, so no other
// key's mapping ever goes stale.
func (s *Store) Remove(key VectorKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keyToSlot[key]; !exists {
		log.Printf("WARNING: index: remove of unknown key %s/%s is a no-op", key.Kind, key.ID)
		return nil
	}
	s.removeLocked(key)
	s.generation++
	return nil
}

// Vector returns a copy of the stored vector for key, or false when the key
// is not mapped. Used by the orchestrator to record inverse mutations before
// applying an update.
func (s *Store) Vector(key VectorKey) ([]float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.keyToSlot[key]
	if !ok {
		return nil, false
	}
	out := make([]float32, s.dim)
	copy(out, s.vectors[slot])
	return out, true
}

// Contains reports whether key is currently mapped.
func (s *Store) Contains(key VectorKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keyToSlot[key]
	return ok
}

// Search ranks mapped vectors by ascending cosine distance to query and
// returns up to k hits. A nil kindFilter considers all kinds. k larger than
// the mapped count returns everything available. Unmapped slots never
// surface in results.
func (s *Store) Search(query []float32, k int, kindFilter *types.EntryKind) ([]SearchHit, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: got %d, index dimension is %d", ErrDimensionMismatch, len(query), s.dim)
	}
	if k <= 0 {
		return []SearchHit{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type slotHit struct {
		slot int
		hit  SearchHit
	}
	hits := make([]slotHit, 0, len(s.slotToKey))
	for slot, key := range s.slotToKey {
		if kindFilter != nil && key.Kind != *kindFilter {
			continue
		}
		dist := cosineDistance(query, s.vectors[slot])
		hits = append(hits, slotHit{slot: slot, hit: SearchHit{Key: key, Distance: dist}})
	}

	// Equal distances fall back to slot order so results are deterministic.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].hit.Distance != hits[j].hit.Distance {
			return hits[i].hit.Distance < hits[j].hit.Distance
		}
		return hits[i].slot < hits[j].slot
	})

	if k > len(hits) {
		k = len(hits)
	}
	out := make([]SearchHit, k)
	for i := 0; i < k; i++ {
		out[i] = hits[i].hit
	}
	return out, nil
}

// DetectUnmapped reports slots holding vectors with no logical mapping.
func (s *Store) DetectUnmapped() UnmappedReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectUnmappedLocked()
}

func (s *Store) detectUnmappedLocked() UnmappedReport {
	report := UnmappedReport{
		TotalSlots:  len(s.vectors),
		MappedCount: len(s.slotToKey),
	}
	for slot := range s.vectors {
		if _, ok := s.slotToKey[slot]; !ok {
			report.UnmappedSlots = append(report.UnmappedSlots, slot)
		}
	}
	sort.Ints(report.UnmappedSlots)
	return report
}

// CleanUnmapped rebuilds the index keeping only mapped vectors, renumbering
// slots and rewriting the slot map. The whole rebuild runs under the store
// lock, so concurrent readers either see the old state or the fully rebuilt
// one. Returns the number of tombstoned vectors dropped.
func (s *Store) CleanUnmapped() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.vectors) - len(s.slotToKey)
	if removed == 0 {
		return 0, nil
	}
	if removed < 0 {
		return 0, fmt.Errorf("%w: %d mappings but only %d slots", ErrIndexInconsistency, len(s.slotToKey), len(s.vectors))
	}

	// Keep mapped vectors in ascending slot order so relative recency of
	// insertion survives the renumbering.
	mapped := make([]int, 0, len(s.slotToKey))
	for slot := range s.slotToKey {
		mapped = append(mapped, slot)
	}
	sort.Ints(mapped)

	vectors := make([][]float32, 0, len(mapped))
	slotToKey := make(map[int]VectorKey, len(mapped))
	keyToSlot := make(map[VectorKey]int, len(mapped))
	for newSlot, oldSlot := range mapped {
		key := s.slotToKey[oldSlot]
		vectors = append(vectors, s.vectors[oldSlot])
		slotToKey[newSlot] = key
		keyToSlot[key] = newSlot
	}

	s.vectors = vectors
	s.slotToKey = slotToKey
	s.keyToSlot = keyToSlot
	s.rebuildKindSlotsLocked()
	s.generation++

	log.Printf("index: clean_unmapped dropped %d tombstoned vector(s), %d remain", removed, len(vectors))
	return removed, nil
}

// RebuildMappings reconciles the per-kind lookup tables from the
// authoritative slot map.
func (s *Store) RebuildMappings() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildKindSlotsLocked()
}

// Stats returns counters describing the current index contents.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	perKind := make(map[string]int, len(s.kindSlots))
	for _, kind := range types.AllEntryKinds() {
		perKind[kind.String()] = len(s.kindSlots[kind])
	}
	return Stats{
		TotalVectors:  len(s.vectors),
		Dimension:     s.dim,
		PerKindCounts: perKind,
		MappedCount:   len(s.slotToKey),
	}
}

// Clear drops every vector and mapping.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vectors = nil
	s.slotToKey = make(map[int]VectorKey)
	s.keyToSlot = make(map[VectorKey]int)
	s.rebuildKindSlotsLocked()
	s.generation++
}

// ClearKind removes every vector belonging to the given kind.
// Returns the number of entries removed.
func (s *Store) ClearKind(kind types.EntryKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []VectorKey
	for key := range s.keyToSlot {
		if key.Kind == kind {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		s.removeLocked(key)
	}
	if len(victims) > 0 {
		s.generation++
	}
	return len(victims)
}

// Generation returns the current mutation counter.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// addLocked appends a vector at the next slot and records its mapping.
// Caller holds s.mu.
func (s *Store) addLocked(key VectorKey, vector []float32) int {
	stored := make([]float32, s.dim)
	copy(stored, vector)

	slot := len(s.vectors)
	s.vectors = append(s.vectors, stored)
	s.slotToKey[slot] = key
	s.keyToSlot[key] = slot
	s.kindSlotsFor(key.Kind)[key.ID] = slot
	return slot
}

// removeLocked deletes key's vector using swap-with-last. When the last slot
// is occupied by a different key, that key's mapping is rewritten to the
// freed slot before the matrix shrinks. Caller holds s.mu.
func (s *Store) removeLocked(key VectorKey) {
	slot := s.keyToSlot[key]
	last := len(s.vectors) - 1

	delete(s.keyToSlot, key)
	delete(s.slotToKey, slot)
	delete(s.kindSlotsFor(key.Kind), key.ID)

	if slot != last {
		s.vectors[slot] = s.vectors[last]
		if movedKey, ok := s.slotToKey[last]; ok {
			s.slotToKey[slot] = movedKey
			s.keyToSlot[movedKey] = slot
			s.kindSlotsFor(movedKey.Kind)[movedKey.ID] = slot
			delete(s.slotToKey, last)
		}
		// An unmapped last slot moves silently; it stays unmapped at its
		// new position and remains visible to DetectUnmapped.
	}
	s.vectors[len(s.vectors)-1] = nil
	s.vectors = s.vectors[:len(s.vectors)-1]
}

func (s *Store) kindSlotsFor(kind types.EntryKind) map[string]int {
	m, ok := s.kindSlots[kind]
	if !ok {
		m = make(map[string]int)
		s.kindSlots[kind] = m
	}
	return m
}

func (s *Store) rebuildKindSlotsLocked() {
	s.kindSlots = make(map[types.EntryKind]map[string]int)
	for slot, key := range s.slotToKey {
		s.kindSlotsFor(key.Kind)[key.ID] = slot
	}
}

// cosineDistance returns 1 - cosine similarity. A zero-norm vector on either
// side yields similarity 0 (distance 1), never NaN.
func cosineDistance(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return float32(1 - sim)
}
