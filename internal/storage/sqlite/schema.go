package sqlite

// Schema creates the record store tables. Idempotent: every statement uses
// IF NOT EXISTS so reopening an existing database is safe.
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
	embedding  BLOB NOT NULL,
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
