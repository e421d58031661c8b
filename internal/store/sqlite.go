// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-chat/internal/apperr"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers; appends are short transactions.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			title      TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated
			ON conversations(owner_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sequence        INTEGER NOT NULL,
			role            TEXT NOT NULL,
			type            TEXT NOT NULL,
			content         TEXT NOT NULL,
			format          TEXT NOT NULL,
			agent_run_id    TEXT,
			tool_call_id    TEXT,
			created_at      TEXT NOT NULL,
			metadata_json   TEXT,
			UNIQUE(conversation_id, sequence),
			CHECK (sequence >= 1),
			CHECK (role IN ('USER', 'ASSISTANT', 'SYSTEM', 'TOOL')),
			CHECK (type IN ('CHAT', 'TOOL_CALL', 'TOOL_RESULT', 'SYSTEM_EVENT')),
			CHECK (format IN ('TEXT', 'JSON', 'MARKDOWN', 'STREAM'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_run
			ON messages(agent_run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, owner_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.OwnerID,
		nullString(conv.Title),
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return apperr.Conflict("conversation %s already exists", conv.ID)
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "conversation_id", conv.ID, "owner", conv.OwnerID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, owner_id, title, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("conversation %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a page of the owner's conversations, newest activity first.
func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID string, page, limit int) ([]*Conversation, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE owner_id = ?`, ownerID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	query := `
		SELECT id, owner_id, title, created_at, updated_at
		FROM conversations
		WHERE owner_id = ?
		ORDER BY updated_at DESC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating conversations: %w", err)
	}

	return convs, total, nil
}

// UpdateConversation replaces the mutable fields of a conversation.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		UPDATE conversations
		SET title = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, nullString(conv.Title), formatTime(conv.UpdatedAt), conv.ID)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	return requireAffected(result, conv.ID)
}

// TouchConversation bumps updated_at to at.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return requireAffected(result, id)
}

// DeleteConversation removes a conversation and its messages in one transaction.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if err := requireAffected(result, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted conversation", "conversation_id", id)
	return nil
}

// Append persists a single message.
func (s *SQLiteStore) Append(ctx context.Context, msg *Message) error {
	return s.AppendBatch(ctx, msg.ConversationID, []*Message{msg})
}

// AppendBatch persists msgs atomically. Every message must belong to
// conversationID; if any insert fails nothing is stored.
func (s *SQLiteStore) AppendBatch(ctx context.Context, conversationID string, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("conversation %s", conversationID)
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, sequence, role, type, content, format,
			agent_run_id, tool_call_id, created_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		if msg.ConversationID != conversationID {
			return fmt.Errorf("message %s belongs to %s, not %s", msg.ID, msg.ConversationID, conversationID)
		}

		meta, err := marshalMetadata(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", msg.ID, err)
		}

		_, err = stmt.ExecContext(ctx,
			msg.ID,
			msg.ConversationID,
			msg.Sequence,
			string(msg.Role),
			string(msg.Type),
			msg.Content,
			string(msg.Format),
			nullString(msg.AgentRunID),
			nullString(msg.ToolCallID),
			formatTime(msg.CreatedAt),
			meta,
		)
		if err != nil {
			if isConstraintViolation(err) {
				return apperr.Conflict("sequence %d already used in conversation %s", msg.Sequence, conversationID)
			}
			return fmt.Errorf("inserting message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing messages: %w", err)
	}

	s.logger.Debug("appended messages",
		"conversation_id", conversationID,
		"count", len(msgs),
		"first_sequence", msgs[0].Sequence,
	)
	return nil
}

// ListOrdered returns messages after the given sequence in ascending order.
func (s *SQLiteStore) ListOrdered(ctx context.Context, conversationID string, afterSequence int64) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sequence, role, type, content, format,
			agent_run_id, tool_call_id, created_at, metadata_json
		FROM messages
		WHERE conversation_id = ? AND sequence > ?
		ORDER BY sequence ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			msg               Message
			role, typ, format string
			runID, toolCallID sql.NullString
			createdAtStr      string
			metadataJSON      sql.NullString
		)

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Sequence,
			&role,
			&typ,
			&msg.Content,
			&format,
			&runID,
			&toolCallID,
			&createdAtStr,
			&metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		msg.Role = Role(role)
		msg.Type = MessageType(typ)
		msg.Format = Format(format)
		msg.AgentRunID = stringPtr(runID)
		msg.ToolCallID = stringPtr(toolCallID)

		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for %s: %w", msg.ID, err)
			}
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

// LatestSequence returns the highest sequence stored for the conversation.
func (s *SQLiteStore) LatestSequence(ctx context.Context, conversationID string) (int64, error) {
	var latest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("querying latest sequence: %w", err)
	}
	return latest, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv                       Conversation
		title                      sql.NullString
		createdAtStr, updatedAtStr string
	)

	if err := row.Scan(&conv.ID, &conv.OwnerID, &title, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	conv.Title = stringPtr(title)

	var err error
	conv.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

func requireAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("conversation %s", id)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalMetadata(meta map[string]any) (any, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
