// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store provides the durable relational store for conversations,
// messages, and usage records.
//
// # Description
//
// The store owns three tables: conversations, messages, and usage. Message
// ids are fixed-width sortable strings assigned on insert, so `ORDER BY id`
// matches creation order and the last id of a page doubles as the
// pagination cursor. Conversations are never hard-deleted; deletion flips
// is_active off.
//
// # Concurrency
//
// database/sql pools connections; all methods are safe for concurrent use.
// Concurrent writers to the same conversation are not coordinated here,
// last write wins.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
)

// ErrNotFound is returned when a row does not exist or is not visible to
// the requesting user. Ownership failures and missing rows are deliberately
// indistinguishable.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	is_active  INTEGER NOT NULL DEFAULT 1,
	is_public  INTEGER NOT NULL DEFAULT 0,
	public_id  TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, is_active, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_public ON conversations(public_id) WHERE public_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	token_count     INTEGER NOT NULL DEFAULT 0,
	metadata        TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

CREATE TABLE IF NOT EXISTS usage (
	id                TEXT PRIMARY KEY,
	conversation_id   TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	latency_ms        INTEGER NOT NULL,
	created_at        TEXT NOT NULL
);
`

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
//
// # Inputs
//
//   - path: sqlite file path, or ":memory:" for tests.
//
// # Outputs
//
//   - *Store: Ready for use.
//   - error: Non-nil if the file cannot be opened or the schema fails.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// ID generation
// =============================================================================

// newSortableID returns a fixed-width id that sorts lexicographically in
// creation order: a one-byte kind prefix, 16 hex digits of Unix nanotime,
// and 8 random hex digits to break ties.
func newSortableID(prefix byte) string {
	var tail [4]byte
	_, _ = rand.Read(tail[:])
	return fmt.Sprintf("%c%016x%s", prefix, time.Now().UnixNano(), hex.EncodeToString(tail[:]))
}

func newMessageID() string      { return newSortableID('m') }
func newConversationID() string { return newSortableID('c') }

// newPublicID returns the short stable id used in share URLs.
func newPublicID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

const timeLayout = time.RFC3339Nano

// truncateTitle caps a title at datatypes.MaxTitleLength bytes, backing
// off to the previous rune boundary when the cut would land inside a
// multi-byte rune.
func truncateTitle(title string) string {
	if len(title) <= datatypes.MaxTitleLength {
		return title
	}
	cut := datatypes.MaxTitleLength
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut]
}

// =============================================================================
// Conversations
// =============================================================================

// CreateConversation inserts a new active conversation and returns it.
// The title is truncated to datatypes.MaxTitleLength without splitting a
// rune, so stored titles are always valid UTF-8.
func (s *Store) CreateConversation(ctx context.Context, userID, title string) (*datatypes.Conversation, error) {
	title = truncateTitle(title)
	now := time.Now().UTC()
	conv := &datatypes.Conversation{
		ID:        newConversationID(),
		UserID:    userID,
		Title:     title,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, is_active, is_public, created_at, updated_at)
		 VALUES (?, ?, ?, 1, 0, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// GetOwnedConversation returns the active conversation with the given id
// if it belongs to userID. Returns ErrNotFound otherwise; callers must not
// distinguish "missing" from "not yours".
func (s *Store) GetOwnedConversation(ctx context.Context, id, userID string) (*datatypes.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, is_active, is_public, COALESCE(public_id, ''), created_at, updated_at
		 FROM conversations WHERE id = ? AND user_id = ? AND is_active = 1`,
		id, userID,
	)
	return scanConversation(row)
}

// ListConversations returns one page of the user's active conversations,
// newest-first, optionally filtered by a case-insensitive title keyword.
func (s *Store) ListConversations(ctx context.Context, userID, keyword, cursor string) ([]datatypes.Conversation, datatypes.PageMeta, error) {
	query := `SELECT id, user_id, title, is_active, is_public, COALESCE(public_id, ''), created_at, updated_at
		 FROM conversations WHERE user_id = ? AND is_active = 1`
	args := []any{userID}
	if keyword != "" {
		query += ` AND title LIKE ? COLLATE NOCASE`
		args = append(args, "%"+keyword+"%")
	}
	if cursor != "" {
		query += ` AND id < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, datatypes.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, datatypes.PageMeta{}, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]datatypes.Conversation, 0, datatypes.PageSize)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, datatypes.PageMeta{}, err
		}
		out = append(out, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, datatypes.PageMeta{}, fmt.Errorf("list conversations: %w", err)
	}
	return out, pageMeta(len(out), func() string { return out[len(out)-1].ID }), nil
}

// DeactivateConversation soft-deletes the conversation. Rows remain for
// accounting; the conversation simply stops being visible.
func (s *Store) DeactivateConversation(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_active = 0, updated_at = ? WHERE id = ? AND user_id = ? AND is_active = 1`,
		time.Now().UTC().Format(timeLayout), id, userID,
	)
	if err != nil {
		return fmt.Errorf("deactivate conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsurePublicID marks the conversation public and returns its share id,
// assigning one on the first call. The id is stable on repeat calls.
func (s *Store) EnsurePublicID(ctx context.Context, id, userID string) (string, error) {
	conv, err := s.GetOwnedConversation(ctx, id, userID)
	if err != nil {
		return "", err
	}
	if conv.IsPublic && conv.PublicID != "" {
		return conv.PublicID, nil
	}
	publicID := newPublicID()
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET is_public = 1, public_id = ?, updated_at = ? WHERE id = ?`,
		publicID, time.Now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return "", fmt.Errorf("assign public id: %w", err)
	}
	return publicID, nil
}

// GetPublicConversation resolves a share id to its active, shared
// conversation. No ownership check: share links are bearer capabilities.
func (s *Store) GetPublicConversation(ctx context.Context, publicID string) (*datatypes.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, is_active, is_public, COALESCE(public_id, ''), created_at, updated_at
		 FROM conversations WHERE public_id = ? AND is_public = 1 AND is_active = 1`,
		publicID,
	)
	return scanConversation(row)
}

// =============================================================================
// Messages
// =============================================================================

// CreateMessage inserts a message row, assigning a sortable id and a
// creation timestamp when unset. The assigned id is written back to msg.
func (s *Store) CreateMessage(ctx context.Context, msg *datatypes.Message) error {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var metadata any
	if msg.Metadata != nil {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		metadata = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, token_count, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.TokenCount, metadata,
		msg.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the last n messages of a conversation ordered
// oldest-to-newest, ready for prompt assembly.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]datatypes.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, token_count, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
		conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessages returns one newest-first page of a conversation's messages.
// cursor, when set, is the id of the last message of the previous page.
func (s *Store) ListMessages(ctx context.Context, conversationID, cursor string) ([]datatypes.Message, datatypes.PageMeta, error) {
	query := `SELECT id, conversation_id, role, content, token_count, metadata, created_at
		 FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if cursor != "" {
		query += ` AND id < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, datatypes.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, datatypes.PageMeta{}, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, datatypes.PageMeta{}, err
	}
	return msgs, pageMeta(len(msgs), func() string { return msgs[len(msgs)-1].ID }), nil
}

// ListPublicMessages returns one oldest-first page for the share view.
func (s *Store) ListPublicMessages(ctx context.Context, conversationID, cursor string) ([]datatypes.Message, datatypes.PageMeta, error) {
	query := `SELECT id, conversation_id, role, content, token_count, metadata, created_at
		 FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if cursor != "" {
		query += ` AND id > ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, datatypes.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, datatypes.PageMeta{}, fmt.Errorf("list public messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, datatypes.PageMeta{}, err
	}
	return msgs, pageMeta(len(msgs), func() string { return msgs[len(msgs)-1].ID }), nil
}

// AllMessages returns every message of a conversation oldest-to-newest.
// Used by the export endpoint.
func (s *Store) AllMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, token_count, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("all messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// =============================================================================
// Usage
// =============================================================================

// CreateUsage inserts a usage record, assigning an id when unset.
func (s *Store) CreateUsage(ctx context.Context, rec *datatypes.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = newSortableID('u')
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage (id, conversation_id, user_id, model, provider, prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.UserID, rec.Model, rec.Provider,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.LatencyMs,
		rec.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// =============================================================================
// Scan helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*datatypes.Conversation, error) {
	var conv datatypes.Conversation
	var isActive, isPublic int
	var createdAt, updatedAt string
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &isActive, &isPublic, &conv.PublicID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.IsActive = isActive != 0
	conv.IsPublic = isPublic != 0
	conv.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	conv.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &conv, nil
}

func collectMessages(rows *sql.Rows) ([]datatypes.Message, error) {
	out := make([]datatypes.Message, 0, datatypes.PageSize)
	for rows.Next() {
		var msg datatypes.Message
		var role, createdAt string
		var metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.TokenCount, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = datatypes.MessageRole(role)
		msg.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if metadata.Valid && metadata.String != "" {
			var md datatypes.MessageMetadata
			if err := json.Unmarshal([]byte(metadata.String), &md); err == nil {
				msg.Metadata = &md
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// pageMeta derives cursor metadata from a page. A full page means there
// may be more; the last id becomes the next cursor.
func pageMeta(count int, lastID func() string) datatypes.PageMeta {
	meta := datatypes.PageMeta{HasMore: count == datatypes.PageSize}
	if meta.HasMore {
		meta.NextCursor = lastID()
	}
	return meta
}
