package types

import (
	"fmt"
	"strings"
	"time"
)

// EntityType classifies a lore entity. The set is closed: Create operations
// carrying any other value are rejected before the transaction mutates
// anything.
type EntityType string

const (
	EntityCharacter EntityType = "CHARACTER"
	EntityLocation  EntityType = "LOCATION"
	EntityObject    EntityType = "OBJECT"
	EntityEvent     EntityType = "EVENT"
	EntityConcept   EntityType = "CONCEPT"
)

// ValidEntityType reports whether t is a member of the closed entity type set.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityCharacter, EntityLocation, EntityObject, EntityEvent, EntityConcept:
		return true
	}
	return false
}

// ParseEntityType normalizes and validates a free-form entity type string.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToUpper(strings.TrimSpace(s)))
	if !ValidEntityType(t) {
		return "", fmt.Errorf("invalid entity type %q", s)
	}
	return t, nil
}

// LoreEntity is the authoritative record behind a vector index entry.
// The description is the stable, author-provided text; the session note is
// the narrative state accumulated during play. Their concatenation forms the
// composite document that gets embedded.
type LoreEntity struct {
	ID          string     `json:"id"`                     // Unique identifier (format: lore:<type>:<uuid>)
	Kind        EntryKind  `json:"kind"`                   // Vector record class (lore entry vs extracted knowledge)
	EntityType  EntityType `json:"entity_type"`            // CHARACTER, LOCATION, OBJECT, EVENT, CONCEPT
	Name        string     `json:"name"`                   // Display name
	Description string     `json:"description"`            // Base description text
	SessionNote string     `json:"session_note,omitempty"` // Session-specific narrative state
	SessionID   string     `json:"session_id,omitempty"`   // Session the entity belongs to ("" = global lore)
	CreatedAt   time.Time  `json:"created_at"`             // When the record was created
	UpdatedAt   time.Time  `json:"updated_at"`             // Last update timestamp
}

// CompositeDocument returns the text that is embedded for this entity:
// the base description, plus the session note when one exists.
func (e *LoreEntity) CompositeDocument() string {
	if strings.TrimSpace(e.SessionNote) == "" {
		return e.Description
	}
	return e.Description + "\n\n" + e.SessionNote
}
