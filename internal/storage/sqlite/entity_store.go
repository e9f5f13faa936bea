// Package sqlite implements storage.EntityStore on SQLite via the pure-Go
// modernc.org/sqlite driver. Embeddings are mirrored as little-endian
// float32 BLOBs alongside their entities.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/storyloom/mnemosyne/internal/storage"
	"github.com/storyloom/mnemosyne/pkg/types"
)

// Ensure interface compliance at compile time.
var _ storage.EntityStore = (*EntityStore)(nil)

// EntityStore implements storage.EntityStore using SQLite.
type EntityStore struct {
	db *sql.DB
}

// NewEntityStore opens (or creates) the database at dsn and applies the
// schema. WAL mode with a single writer connection serialises writes and
// avoids SQLITE_BUSY under concurrent sessions; readers proceed through WAL.
func NewEntityStore(dsn string) (*EntityStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite supports one concurrent writer. A single open connection
	// serialises writes; WAL lets readers run without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s failed: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &EntityStore{db: db}, nil
}

// Tx runs fn inside one SQLite transaction.
func (s *EntityStore) Tx(ctx context.Context, fn func(ops storage.EntityOps) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}

	if err := fn(&txOps{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("sqlite: rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit failed: %w", err)
	}
	return nil
}

// Get retrieves an entity by ID.
func (s *EntityStore) Get(ctx context.Context, id string) (*types.LoreEntity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, entity_type, name, description, session_note, session_id, created_at, updated_at
		FROM entities WHERE id = ?`, id)

	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: failed to get entity: %w", err)
	}
	return entity, nil
}

// List retrieves entities matching opts, most recently updated first.
// With a SessionID filter, global lore (empty session id) is included
// alongside the session's own records.
func (s *EntityStore) List(ctx context.Context, opts storage.ListOptions) ([]types.LoreEntity, error) {
	opts.Normalize()

	query := `
		SELECT id, kind, entity_type, name, description, session_note, session_id, created_at, updated_at
		FROM entities WHERE 1=1`
	var args []any

	if opts.Kind != nil {
		query += " AND kind = ?"
		args = append(args, opts.Kind.String())
	}
	if opts.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, string(opts.EntityType))
	}
	if opts.SessionID != "" {
		query += " AND (session_id = ? OR session_id = '')"
		args = append(args, opts.SessionID)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []types.LoreEntity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
		}
		entities = append(entities, *entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating entities: %w", err)
	}
	return entities, nil
}

// GetEmbedding retrieves the mirrored embedding for an entity.
func (s *EntityStore) GetEmbedding(ctx context.Context, entityID string) ([]float32, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}

	var blob []byte
	var dim int
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding, dimension FROM embeddings WHERE entity_id = ?`, entityID).Scan(&blob, &dim)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: failed to get embedding: %w", err)
	}

	vec, err := deserializeVector(blob, dim)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to deserialize embedding: %w", err)
	}
	return vec, nil
}

// LastTurn returns the last committed turn for a session, 0 when none.
func (s *EntityStore) LastTurn(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	var turn int
	err := s.db.QueryRowContext(ctx,
		`SELECT last_turn FROM session_turns WHERE session_id = ?`, sessionID).Scan(&turn)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read last turn: %w", err)
	}
	return turn, nil
}

// DeleteAll removes every entity, embedding, and turn record.
func (s *EntityStore) DeleteAll(ctx context.Context) error {
	return s.Tx(ctx, func(ops storage.EntityOps) error {
		tx := ops.(*txOps).tx
		for _, table := range []string{"embeddings", "entities", "session_turns"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("sqlite: failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// DeleteByKind removes all entities of one vector record class.
func (s *EntityStore) DeleteByKind(ctx context.Context, kind types.EntryKind) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: invalid kind", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE kind = ?`, kind.String())
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to delete by kind: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count deleted rows: %w", err)
	}
	return int(n), nil
}

// Close releases the database handle.
func (s *EntityStore) Close() error {
	return s.db.Close()
}

// txOps implements storage.EntityOps on one open transaction.
type txOps struct {
	tx *sql.Tx
}

func (o *txOps) StoreEntity(ctx context.Context, entity *types.LoreEntity) error {
	if entity.ID == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}
	if !types.ValidEntityType(entity.EntityType) {
		return fmt.Errorf("%w: invalid entity type %q", storage.ErrInvalidInput, entity.EntityType)
	}
	if !entity.Kind.Valid() {
		return fmt.Errorf("%w: invalid kind", storage.ErrInvalidInput)
	}

	_, err := o.tx.ExecContext(ctx, `
		INSERT INTO entities (id, kind, entity_type, name, description, session_note, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			entity_type = excluded.entity_type,
			name = excluded.name,
			description = excluded.description,
			session_note = excluded.session_note,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		entity.ID, entity.Kind.String(), string(entity.EntityType), entity.Name,
		entity.Description, entity.SessionNote, entity.SessionID,
		entity.CreatedAt.UTC(), entity.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to store entity: %w", err)
	}
	return nil
}

func (o *txOps) UpdateNote(ctx context.Context, id, note string) error {
	result, err := o.tx.ExecContext(ctx,
		`UPDATE entities SET session_note = ?, updated_at = ? WHERE id = ?`,
		note, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update note: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (o *txOps) StoreEmbedding(ctx context.Context, entityID string, embedding []float32, model string) error {
	if entityID == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: embedding cannot be empty", storage.ErrInvalidInput)
	}
	if model == "" {
		return fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}

	_, err := o.tx.ExecContext(ctx, `
		INSERT INTO embeddings (entity_id, embedding, dimension, model, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = excluded.updated_at`,
		entityID, serializeVector(embedding), len(embedding), model, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to store embedding: %w", err)
	}
	return nil
}

func (o *txOps) DeleteEntity(ctx context.Context, id string) error {
	result, err := o.tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete entity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (o *txOps) RecordTurn(ctx context.Context, sessionID string, turn int) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	var last int
	err := o.tx.QueryRowContext(ctx,
		`SELECT last_turn FROM session_turns WHERE session_id = ?`, sessionID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: failed to read last turn: %w", err)
	}
	if turn <= last {
		return fmt.Errorf("%w: turn %d <= last committed %d for session %s", storage.ErrStaleTurn, turn, last, sessionID)
	}

	_, err = o.tx.ExecContext(ctx, `
		INSERT INTO session_turns (session_id, last_turn, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_turn = excluded.last_turn,
			updated_at = excluded.updated_at`,
		sessionID, turn, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to record turn: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*types.LoreEntity, error) {
	var e types.LoreEntity
	var kindName, entityType string
	if err := row.Scan(&e.ID, &kindName, &entityType, &e.Name, &e.Description,
		&e.SessionNote, &e.SessionID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}

	kind, err := types.ParseEntryKind(kindName)
	if err != nil {
		return nil, err
	}
	e.Kind = kind
	e.EntityType = types.EntityType(entityType)
	return &e, nil
}
