// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// Schema is the SQLite schema for the development backend.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT ''
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,  -- Unix nanoseconds
    updated_at INTEGER NOT NULL
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

-- Participating entities in display order
CREATE TABLE IF NOT EXISTS conversation_entities (
    conversation_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    ord INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, entity_id),
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
    FOREIGN KEY(entity_id) REFERENCES entities(id)
) WITHOUT ROWID;

-- position is fractional so a regenerated answer can be placed between
-- existing messages without renumbering.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    position REAL NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    speaker_entity_id TEXT NOT NULL DEFAULT '',
    attachments TEXT NOT NULL DEFAULT '',  -- JSON
    tools TEXT NOT NULL DEFAULT '',        -- JSON
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, position);
`

// InitMetadata initializes the metadata table with default values
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
INSERT OR IGNORE INTO metadata (key, value) VALUES ('created_at', strftime('%s', 'now'));
`
