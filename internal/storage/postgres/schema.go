// Package postgres provides a PostgreSQL implementation of the record store.
package postgres

// Schema contains the SQL statements to create the record store schema.
// Idempotent: every statement uses IF NOT EXISTS so reconnecting to an
// existing database is safe.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL DEFAULT 'lore_entry',
    entity_type  TEXT NOT NULL,
    name         TEXT NOT NULL,
    description  TEXT NOT NULL,
    session_note TEXT NOT NULL DEFAULT '',
    session_id   TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
CREATE INDEX IF NOT EXISTS idx_entities_session ON entities(session_id);
CREATE INDEX IF NOT EXISTS idx_entities_updated ON entities(updated_at);

CREATE TABLE IF NOT EXISTS embeddings (
    entity_id  TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
    embedding  BYTEA NOT NULL,
    dimension  INTEGER NOT NULL,
    model      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_turns (
    session_id TEXT PRIMARY KEY,
    last_turn  INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// MigrationPgvector adds a native vector column to the embeddings table.
// Applied only when the pgvector extension is available; the BYTEA column
// remains the source of truth either way.
const MigrationPgvector = `
ALTER TABLE embeddings ADD COLUMN IF NOT EXISTS embedding_vec vector;
`
