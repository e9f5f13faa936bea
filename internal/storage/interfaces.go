// Package storage defines the authoritative record store behind the vector
// index: lore entities, their mirrored embeddings, and the per-session turn
// journal. The interfaces are small and composable so SQLite and PostgreSQL
// backends can implement them independently.
package storage

import (
	"context"
	"errors"

	"github.com/storyloom/mnemosyne/pkg/types"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStaleTurn indicates a turn number at or below the session's last
	// committed turn.
	ErrStaleTurn = errors.New("stale turn number")
)

// ListOptions filters and bounds List queries.
type ListOptions struct {
	// Kind restricts results to one vector record class. Nil means all kinds.
	Kind *types.EntryKind

	// EntityType restricts results to one entity type. Empty means all.
	EntityType types.EntityType

	// SessionID restricts results to one session's records plus global lore
	// (records with an empty session id). Empty means no session filter.
	SessionID string

	// Limit bounds the result count (default: 1000, max: 10000).
	Limit int
}

// Normalize applies defaults and caps to the options.
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = 1000
	}
	if o.Limit > 10000 {
		o.Limit = 10000
	}
}

// EntityOps is the mutation surface available inside a transaction. Every
// write the orchestrator stages for a turn goes through one EntityOps so the
// whole batch commits or rolls back together.
type EntityOps interface {
	// StoreEntity creates or updates an entity (upsert semantics).
	StoreEntity(ctx context.Context, entity *types.LoreEntity) error

	// UpdateNote replaces the session note of an existing entity.
	// Returns ErrNotFound if the entity doesn't exist.
	UpdateNote(ctx context.Context, id, note string) error

	// StoreEmbedding mirrors an entity's composite-document embedding into
	// the store, keyed by the model that produced it. The index remains the
	// search structure; the mirror makes records rebuildable and orphans
	// detectable after a crash.
	StoreEmbedding(ctx context.Context, entityID string, embedding []float32, model string) error

	// DeleteEntity hard-deletes an entity and its mirrored embedding.
	// Returns ErrNotFound if the entity doesn't exist.
	DeleteEntity(ctx context.Context, id string) error

	// RecordTurn advances the session's last committed turn. Returns
	// ErrStaleTurn when turn is not strictly greater than the recorded one.
	RecordTurn(ctx context.Context, sessionID string, turn int) error
}

// EntityStore is the authoritative record store.
type EntityStore interface {
	// Tx runs fn inside one database transaction. If fn returns an error
	// the transaction rolls back and nothing fn staged takes effect.
	Tx(ctx context.Context, fn func(ops EntityOps) error) error

	// Get retrieves an entity by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.LoreEntity, error)

	// List retrieves entities matching opts, most recently updated first.
	List(ctx context.Context, opts ListOptions) ([]types.LoreEntity, error)

	// GetEmbedding retrieves the mirrored embedding for an entity.
	// Returns ErrNotFound when no embedding is stored.
	GetEmbedding(ctx context.Context, entityID string) ([]float32, error)

	// LastTurn returns the last committed turn for a session, 0 when the
	// session has no committed turns.
	LastTurn(ctx context.Context, sessionID string) (int, error)

	// DeleteAll removes every entity, embedding, and turn record.
	DeleteAll(ctx context.Context) error

	// DeleteByKind removes all entities of one vector record class.
	// Returns the number of entities removed.
	DeleteByKind(ctx context.Context, kind types.EntryKind) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
