// Package types defines the shared domain types for the Mnemosyne memory core:
// vector entry kinds, lore entities, and the per-turn memory operations that
// the orchestrator applies as a transaction.
package types

import "fmt"

// EntryKind identifies the class of record a vector in the index belongs to.
// It is a closed set; ParseEntryKind rejects anything outside it so an
// unknown-kind string can never reach the slot map.
type EntryKind int

const (
	// KindLoreEntry is a curated background-knowledge record (world lore,
	// character sheets, locations) authored before or during a session.
	KindLoreEntry EntryKind = iota

	// KindExtractedKnowledge is a record distilled from past conversation
	// turns rather than authored directly.
	KindExtractedKnowledge
)

// entryKindNames maps kinds to their stable wire names. These names appear in
// persisted slot map artifacts, so they must never change meaning.
var entryKindNames = map[EntryKind]string{
	KindLoreEntry:          "lore_entry",
	KindExtractedKnowledge: "extracted_knowledge",
}

// String returns the stable name for the kind, or "unknown" for values
// outside the closed set.
func (k EntryKind) String() string {
	if name, ok := entryKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether the kind is a member of the closed set.
func (k EntryKind) Valid() bool {
	_, ok := entryKindNames[k]
	return ok
}

// ParseEntryKind converts a stable wire name back to an EntryKind.
// Returns an error for names outside the closed set.
func ParseEntryKind(name string) (EntryKind, error) {
	for kind, n := range entryKindNames {
		if n == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown entry kind %q", name)
}

// AllEntryKinds returns every member of the closed kind set. Used by
// per-kind bookkeeping (index stats, clear-by-kind) so new kinds are picked
// up in one place.
func AllEntryKinds() []EntryKind {
	return []EntryKind{KindLoreEntry, KindExtractedKnowledge}
}
