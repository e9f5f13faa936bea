package index

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storyloom/mnemosyne/pkg/types"
)

// Snapshot artifact names. The three files are written together and loaded
// together; a missing or mismatched set is treated as "no prior state".
const (
	vectorsFile  = "vectors.bin"
	slotMapFile  = "slotmap.jsonl"
	manifestFile = "manifest.yaml"
)

// vectorsMagic prefixes the binary vector snapshot.
var vectorsMagic = []byte("MNEMVEC1")

// manifest describes a persisted snapshot. The generation counter orders
// snapshots: Persist never overwrites a manifest carrying a higher
// generation, so a slow background write can't clobber a newer state.
type manifest struct {
	Generation  uint64    `yaml:"generation"`
	Dimension   int       `yaml:"dimension"`
	TotalSlots  int       `yaml:"total_slots"`
	MappedCount int       `yaml:"mapped_count"`
	WrittenAt   time.Time `yaml:"written_at"`
}

// slotMapRecord is one line of the slot map artifact.
type slotMapRecord struct {
	Slot int    `json:"slot"`
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Persist writes the index snapshot (binary vectors), the slot map records,
// and the manifest to dir. State is captured under the store lock; file IO
// happens outside it. Writes go through temp files and rename so a crash
// mid-write leaves either the old snapshot or the new one, never a blend.
func (s *Store) Persist(dir string) error {
	s.mu.Lock()
	gen := s.generation
	dim := s.dim
	total := len(s.vectors)

	vecCopy := make([][]float32, total)
	for i, v := range s.vectors {
		c := make([]float32, dim)
		copy(c, v)
		vecCopy[i] = c
	}
	records := make([]slotMapRecord, 0, len(s.slotToKey))
	for slot := 0; slot < total; slot++ {
		if key, ok := s.slotToKey[slot]; ok {
			records = append(records, slotMapRecord{Slot: slot, Kind: key.Kind.String(), ID: key.ID})
		}
	}
	s.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	// Never replace a newer snapshot with an older in-memory state.
	if existing, err := readManifest(filepath.Join(dir, manifestFile)); err == nil && existing.Generation > gen {
		log.Printf("WARNING: index: skipping persist of generation %d, disk already holds %d", gen, existing.Generation)
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("index: failed to create snapshot dir: %w", err)
	}

	if err := writeVectors(filepath.Join(dir, vectorsFile), dim, vecCopy); err != nil {
		return err
	}
	if err := writeSlotMap(filepath.Join(dir, slotMapFile), records); err != nil {
		return err
	}

	m := manifest{
		Generation:  gen,
		Dimension:   dim,
		TotalSlots:  total,
		MappedCount: len(records),
		WrittenAt:   time.Now().UTC(),
	}
	if err := writeManifest(filepath.Join(dir, manifestFile), m); err != nil {
		return err
	}

	return nil
}

// Load restores index state from a snapshot previously written by Persist.
// It returns false (with no error) when no usable snapshot exists: missing
// artifacts, a dimension that doesn't match the store, or a vector file that
// disagrees with its manifest all count as "no prior state" rather than a
// fatal condition.
//
// Slots present in the vector snapshot but absent from the slot map load as
// unmapped and are reported by DetectUnmapped for later reconciliation.
func (s *Store) Load(dir string) (bool, error) {
	m, err := readManifest(filepath.Join(dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		log.Printf("WARNING: index: unreadable manifest, starting empty: %v", err)
		return false, nil
	}

	if m.Dimension != s.dim {
		log.Printf("WARNING: index: snapshot dimension %d != configured %d, starting empty", m.Dimension, s.dim)
		return false, nil
	}

	vectors, err := readVectors(filepath.Join(dir, vectorsFile), s.dim)
	if err != nil {
		log.Printf("WARNING: index: unusable vector snapshot, starting empty: %v", err)
		return false, nil
	}
	if len(vectors) != m.TotalSlots {
		log.Printf("WARNING: index: vector snapshot has %d slots, manifest says %d, starting empty", len(vectors), m.TotalSlots)
		return false, nil
	}

	records, err := readSlotMap(filepath.Join(dir, slotMapFile))
	if err != nil {
		log.Printf("WARNING: index: unusable slot map, starting empty: %v", err)
		return false, nil
	}

	slotToKey := make(map[int]VectorKey, len(records))
	keyToSlot := make(map[VectorKey]int, len(records))
	for _, rec := range records {
		if rec.Slot < 0 || rec.Slot >= len(vectors) {
			log.Printf("WARNING: index: slot map references slot %d outside snapshot of %d, starting empty", rec.Slot, len(vectors))
			return false, nil
		}
		kind, err := types.ParseEntryKind(rec.Kind)
		if err != nil {
			log.Printf("WARNING: index: slot map has unknown kind %q, starting empty", rec.Kind)
			return false, nil
		}
		key := VectorKey{Kind: kind, ID: rec.ID}
		if _, dup := keyToSlot[key]; dup {
			log.Printf("WARNING: index: slot map maps %s/%s twice, starting empty", rec.Kind, rec.ID)
			return false, nil
		}
		slotToKey[rec.Slot] = key
		keyToSlot[key] = rec.Slot
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.vectors = vectors
	s.slotToKey = slotToKey
	s.keyToSlot = keyToSlot
	s.rebuildKindSlotsLocked()
	s.generation = m.Generation

	if unmapped := len(vectors) - len(slotToKey); unmapped > 0 {
		log.Printf("WARNING: index: loaded snapshot with %d unmapped slot(s), run clean_unmapped to reclaim", unmapped)
	}
	return true, nil
}

func writeVectors(path string, dim int, vectors [][]float32) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("index: failed to create vector snapshot: %w", err)
	}

	w := bufio.NewWriter(f)
	write := func(data any) error { return binary.Write(w, binary.LittleEndian, data) }

	err = func() error {
		if _, err := w.Write(vectorsMagic); err != nil {
			return err
		}
		if err := write(uint32(dim)); err != nil {
			return err
		}
		if err := write(uint32(len(vectors))); err != nil {
			return err
		}
		for _, vec := range vectors {
			for _, v := range vec {
				if err := write(math.Float32bits(v)); err != nil {
					return err
				}
			}
		}
		return w.Flush()
	}()
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("index: failed to write vector snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("index: failed to close vector snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

func readVectors(path string, dim int) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic := make([]byte, len(vectorsMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("truncated header: %w", err)
	}
	if string(magic) != string(vectorsMagic) {
		return nil, fmt.Errorf("bad magic %q", magic)
	}

	var fileDim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &fileDim); err != nil {
		return nil, fmt.Errorf("truncated dimension: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("truncated count: %w", err)
	}
	if int(fileDim) != dim {
		return nil, fmt.Errorf("snapshot dimension %d != %d", fileDim, dim)
	}

	vectors := make([][]float32, 0, count)
	buf := make([]byte, dim*4)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("truncated vector %d: %w", i, err)
		}
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func writeSlotMap(path string, records []slotMapRecord) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("index: failed to create slot map: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("index: failed to encode slot map record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("index: failed to flush slot map: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("index: failed to close slot map: %w", err)
	}
	return os.Rename(tmp, path)
}

func readSlotMap(path string) ([]slotMapRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []slotMapRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec slotMapRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("malformed slot map line: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func writeManifest(path string, m manifest) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("index: failed to marshal manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("index: failed to write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

func readManifest(path string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("malformed manifest: %w", err)
	}
	return m, nil
}
