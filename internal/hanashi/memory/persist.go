package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Persister is the optional write-through backend of the Store. Conversation
// state is process-lifetime only unless one is configured.
type Persister interface {
	// Load returns the stored conversation, or (nil, nil) when there is none.
	Load(ctx context.Context, id string) (*Conversation, error)

	// Save upserts the conversation header (session, preamble, timestamps).
	// History is not written.
	Save(ctx context.Context, conv Conversation) error

	// AppendMessage stores one history message and bumps last activity.
	AppendMessage(ctx context.Context, id, sessionID string, msg Message) error

	// ClearMessages deletes the stored history of id.
	ClearMessages(ctx context.Context, id string) error

	// Delete removes the conversation and its history.
	Delete(ctx context.Context, id string) error
}

// SQLitePersister implements Persister on the conversations and
// conversation_messages tables (migration 0002_conversations.sql).
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister returns a persister backed by db. The caller owns db.
func NewSQLitePersister(db *sql.DB) *SQLitePersister {
	return &SQLitePersister{db: db}
}

// Load implements Persister.
func (p *SQLitePersister) Load(ctx context.Context, id string) (*Conversation, error) {
	var (
		conv           Conversation
		preamble       sql.NullString
		preambleTokens sql.NullInt64
		createdAt      string
		lastActiveAt   string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, session_id, preamble, preamble_tokens, created_at, last_active_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.SessionID, &preamble, &preambleTokens, &createdAt, &lastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory sqlite: load conversation %q: %w", id, err)
	}

	if conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("memory sqlite: parse created_at: %w", err)
	}
	if conv.LastActiveAt, err = time.Parse(time.RFC3339Nano, lastActiveAt); err != nil {
		return nil, fmt.Errorf("memory sqlite: parse last_active_at: %w", err)
	}
	if preamble.Valid {
		conv.Preamble = &Message{
			Role:      RoleSystem,
			Content:   preamble.String,
			Tokens:    int(preambleTokens.Int64),
			CreatedAt: conv.CreatedAt,
		}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT role, content, tokens, created_at
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY seq ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("memory sqlite: query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m       Message
			role    string
			created string
		)
		if err := rows.Scan(&role, &m.Content, &m.Tokens, &created); err != nil {
			return nil, fmt.Errorf("memory sqlite: scan message: %w", err)
		}
		m.Role = Role(role)
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("memory sqlite: parse message created_at: %w", err)
		}
		conv.History = append(conv.History, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory sqlite: iterate messages: %w", err)
	}

	return &conv, nil
}

// Save implements Persister.
func (p *SQLitePersister) Save(ctx context.Context, conv Conversation) error {
	var (
		preamble       sql.NullString
		preambleTokens sql.NullInt64
	)
	if conv.Preamble != nil {
		preamble = sql.NullString{String: conv.Preamble.Content, Valid: true}
		preambleTokens = sql.NullInt64{Int64: int64(conv.Preamble.Tokens), Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO conversations (id, session_id, preamble, preamble_tokens, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id      = excluded.session_id,
			preamble        = excluded.preamble,
			preamble_tokens = excluded.preamble_tokens,
			last_active_at  = excluded.last_active_at`,
		conv.ID,
		conv.SessionID,
		preamble,
		preambleTokens,
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
		conv.LastActiveAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("memory sqlite: save conversation %q: %w", conv.ID, err)
	}
	return nil
}

// AppendMessage implements Persister.
func (p *SQLitePersister) AppendMessage(ctx context.Context, id, sessionID string, msg Message) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	created := msg.CreatedAt.UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_messages (conversation_id, session_id, role, content, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, string(msg.Role), msg.Content, msg.Tokens, created,
	); err != nil {
		return fmt.Errorf("memory sqlite: insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_active_at = ? WHERE id = ?`, created, id,
	); err != nil {
		return fmt.Errorf("memory sqlite: touch conversation: %w", err)
	}
	return tx.Commit()
}

// ClearMessages implements Persister.
func (p *SQLitePersister) ClearMessages(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id = ?`, id,
	); err != nil {
		return fmt.Errorf("memory sqlite: clear messages: %w", err)
	}
	return nil
}

// Delete implements Persister.
func (p *SQLitePersister) Delete(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("memory sqlite: delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("memory sqlite: delete conversation: %w", err)
	}
	return tx.Commit()
}
