// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownEntity = errors.New("unknown entity")
	ErrNotEditable   = errors.New("only human messages can be edited")
	ErrDatabaseError = errors.New("database error")
)

// =============================================================================
// STORE
// =============================================================================

// Store persists entities, conversations and messages in SQLite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// A single connection also keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	log.Debug().Str("path", path).Msg("database opened")
	return &Store{db: db, log: log, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a new sortable message or conversation id.
func NewID() string {
	return ulid.Make().String()
}

// =============================================================================
// ENTITIES
// =============================================================================

// SyncEntities inserts or updates the configured entities.
func (s *Store) SyncEntities(ctx context.Context, entities []model.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	for _, e := range entities {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, name, model, description) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, model = excluded.model, description = excluded.description`,
			e.ID, e.Name, e.Model, e.Description)
		if err != nil {
			return fmt.Errorf("failed to save entity %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// ListEntities returns every entity ordered by id.
func (s *Store) ListEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, model, description FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	entities := make([]model.Entity, 0)
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Model, &e.Description); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// Entity returns one entity.
func (s *Store) Entity(ctx context.Context, id string) (model.Entity, error) {
	var e model.Entity
	err := s.db.QueryRowContext(ctx, `SELECT id, name, model, description FROM entities WHERE id = ?`, id).
		Scan(&e.ID, &e.Name, &e.Model, &e.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return e, err
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// CreateConversation creates an empty conversation with the given entities.
// Duplicate ids are collapsed; unknown ids fail with ErrUnknownEntity.
func (s *Store) CreateConversation(ctx context.Context, entityIDs []string) (*model.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	now := s.now()
	conv := model.NewConversation(NewID(), nil)
	conv.CreatedAt, conv.UpdatedAt = now, now

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, '', ?, ?)`,
		conv.ID, now.UnixNano(), now.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	seen := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		var e model.Entity
		err := tx.QueryRowContext(ctx, `SELECT id, name, model, description FROM entities WHERE id = ?`, id).
			Scan(&e.ID, &e.Name, &e.Model, &e.Description)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_entities (conversation_id, entity_id, ord) VALUES (?, ?, ?)`,
			conv.ID, id, len(conv.Entities)); err != nil {
			return nil, err
		}
		conv.Entities = append(conv.Entities, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.log.Info().Str("conversation_id", conv.ID).Strs("entity_ids", conv.EntityIDs()).Msg("conversation created")
	return conv, nil
}

// GetConversation loads a conversation with its entities and messages.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv := &model.Conversation{ID: id}
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	conv.CreatedAt = time.Unix(0, created)
	conv.UpdatedAt = time.Unix(0, updated)

	if conv.Entities, err = s.conversationEntities(ctx, id); err != nil {
		return nil, err
	}

	rows, err := loadMessages(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = make([]*model.Message, len(rows))
	for i, r := range rows {
		conv.Messages[i] = r.msg
	}
	return conv, nil
}

func (s *Store) conversationEntities(ctx context.Context, convID string) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.model, e.description
		FROM conversation_entities ce JOIN entities e ON e.id = ce.entity_id
		WHERE ce.conversation_id = ?
		ORDER BY ce.ord`, convID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	entities := make([]model.Entity, 0)
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Model, &e.Description); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// ListConversations returns conversation metadata, most recently updated
// first.
func (s *Store) ListConversations(ctx context.Context) ([]model.ConversationMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.updated_at DESC, c.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	metas := make([]model.ConversationMeta, 0)
	index := make(map[string]int)
	for rows.Next() {
		var m model.ConversationMeta
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.Title, &created, &updated, &m.MessageCount); err != nil {
			rows.Close()
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created)
		m.UpdatedAt = time.Unix(0, updated)
		m.EntityIDs = make([]string, 0)
		index[m.ID] = len(metas)
		metas = append(metas, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	links, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, entity_id FROM conversation_entities ORDER BY conversation_id, ord`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer links.Close()
	for links.Next() {
		var convID, entityID string
		if err := links.Scan(&convID, &entityID); err != nil {
			return nil, err
		}
		if i, ok := index[convID]; ok {
			metas[i].EntityIDs = append(metas[i].EntityIDs, entityID)
		}
	}
	return metas, links.Err()
}

// UpdateTitle sets a conversation's title.
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// SaveExchange appends a turn's messages. human is nil for continuation
// turns. Messages without an id get one.
func (s *Store) SaveExchange(ctx context.Context, convID string, human, assistant *model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	var last sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(position) FROM messages WHERE conversation_id = ?`, convID).Scan(&last); err != nil {
		return err
	}
	pos := last.Float64

	for _, m := range []*model.Message{human, assistant} {
		if m == nil {
			continue
		}
		pos++
		if err := insertMessage(ctx, tx, convID, pos, m); err != nil {
			return err
		}
	}
	if err := touch(ctx, tx, convID, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// Slot is where a regenerated answer goes.
type Slot struct {
	ConversationID string
	// Human is the message being answered; nil when the answer follows no
	// human message.
	Human *model.Message
	// Replaced is the answer being regenerated, if one exists.
	Replaced *model.Message
	Position float64
	// History holds the messages before Position.
	History []*model.Message
}

// AnswerSlot locates the answer to regenerate for messageID. For an
// assistant message the slot is the message itself; for a human message it
// is the assistant reply that follows it, or a new position right after it.
func (s *Store) AnswerSlot(ctx context.Context, messageID string) (Slot, error) {
	var convID string
	err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, messageID).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return Slot{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return Slot{}, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	rows, err := loadMessages(ctx, s.db, convID)
	if err != nil {
		return Slot{}, err
	}
	at := -1
	for i, r := range rows {
		if r.msg.ID == messageID {
			at = i
			break
		}
	}
	if at < 0 {
		return Slot{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}

	slot := Slot{ConversationID: convID}
	target := rows[at]
	if target.msg.Role == model.RoleAssistant {
		slot.Replaced = target.msg
		slot.Position = target.position
		for j := at - 1; j >= 0; j-- {
			if rows[j].msg.Role == model.RoleHuman {
				slot.Human = rows[j].msg
				break
			}
		}
	} else {
		slot.Human = target.msg
		switch {
		case at+1 < len(rows) && rows[at+1].msg.Role == model.RoleAssistant:
			slot.Replaced = rows[at+1].msg
			slot.Position = rows[at+1].position
		case at+1 < len(rows):
			slot.Position = (target.position + rows[at+1].position) / 2
		default:
			slot.Position = target.position + 1
		}
	}

	for _, r := range rows {
		if r.position < slot.Position {
			slot.History = append(slot.History, r.msg)
		}
	}
	return slot, nil
}

// ReplaceAnswer stores a regenerated answer in slot, deleting the answer it
// replaces.
func (s *Store) ReplaceAnswer(ctx context.Context, slot Slot, assistant *model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	if slot.Replaced != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, slot.Replaced.ID); err != nil {
			return err
		}
	}
	if err := insertMessage(ctx, tx, slot.ConversationID, slot.Position, assistant); err != nil {
		return err
	}
	if err := touch(ctx, tx, slot.ConversationID, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// EditMessage replaces a human message's content and deletes the assistant
// reply directly after it. It returns the updated message and the id of the
// deleted reply, empty when there was none.
func (s *Store) EditMessage(ctx context.Context, id, content string) (model.Message, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, "", fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	var convID string
	var role string
	var pos float64
	err = tx.QueryRowContext(ctx,
		`SELECT conversation_id, role, position FROM messages WHERE id = ?`, id).
		Scan(&convID, &role, &pos)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, "", fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Message{}, "", err
	}
	if model.Role(role) != model.RoleHuman {
		return model.Message{}, "", ErrNotEditable
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id); err != nil {
		return model.Message{}, "", err
	}

	var nextID, nextRole string
	var deleted string
	err = tx.QueryRowContext(ctx, `
		SELECT id, role FROM messages
		WHERE conversation_id = ? AND position > ?
		ORDER BY position LIMIT 1`, convID, pos).Scan(&nextID, &nextRole)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return model.Message{}, "", err
	case model.Role(nextRole) == model.RoleAssistant:
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, nextID); err != nil {
			return model.Message{}, "", err
		}
		deleted = nextID
	}

	if err := touch(ctx, tx, convID, s.now()); err != nil {
		return model.Message{}, "", err
	}

	rows, err := loadMessages(ctx, tx, convID)
	if err != nil {
		return model.Message{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, "", err
	}

	for _, r := range rows {
		if r.msg.ID == id {
			return *r.msg, deleted, nil
		}
	}
	return model.Message{}, "", fmt.Errorf("message %s: %w", id, ErrNotFound)
}

// =============================================================================
// HELPERS
// =============================================================================

type messageRow struct {
	msg      *model.Message
	position float64
}

func loadMessages(ctx context.Context, q querier, convID string) ([]messageRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, position, role, content, speaker_entity_id, attachments, tools,
		       input_tokens, output_tokens, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY position`, convID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	out := make([]messageRow, 0)
	for rows.Next() {
		m := &model.Message{}
		var r messageRow
		var role, attachments, tools string
		var created int64
		if err := rows.Scan(&m.ID, &r.position, &role, &m.Content, &m.SpeakerEntityID,
			&attachments, &tools, &m.Usage.InputTokens, &m.Usage.OutputTokens, &created); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		m.Timestamp = time.Unix(0, created)
		if attachments != "" {
			if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
				return nil, fmt.Errorf("message %s attachments: %w", m.ID, err)
			}
		}
		if tools != "" {
			if err := json.Unmarshal([]byte(tools), &m.Tools); err != nil {
				return nil, fmt.Errorf("message %s tools: %w", m.ID, err)
			}
		}
		r.msg = m
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertMessage(ctx context.Context, q querier, convID string, pos float64, m *model.Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	var attachments, tools string
	if !m.Attachments.IsEmpty() {
		data, err := json.Marshal(m.Attachments)
		if err != nil {
			return err
		}
		attachments = string(data)
	}
	if len(m.Tools) > 0 {
		data, err := json.Marshal(m.Tools)
		if err != nil {
			return err
		}
		tools = string(data)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, position, role, content, speaker_entity_id,
		                      attachments, tools, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, convID, pos, string(m.Role), m.Content, m.SpeakerEntityID,
		attachments, tools, m.Usage.InputTokens, m.Usage.OutputTokens, m.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func touch(ctx context.Context, q querier, convID string, now time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now.UnixNano(), convID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", convID, ErrNotFound)
	}
	return nil
}
