package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soyeahso/turnstile/internal/domain"
)

// timeFormat is how timestamps are stored. It sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SessionSummary describes one stored session.
type SessionSummary struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MessageStore is the read source for session messages. The core only
// reads from it; Append exists for importers and tests.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a message store using the given database.
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

// Messages returns a session's messages in insertion order.
func (s *MessageStore) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, role, content, created_at, is_streaming
		 FROM messages WHERE session_id = ? ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m         domain.Message
			content   string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.Role, &content, &createdAt, &m.IsStreaming); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			s.db.log.Warn().Err(err).Str("session", sessionID).Str("messageId", m.ID).Msg("unreadable message content")
		}
		m.SessionID = sessionID
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Append stores a message, creating its session row on first use.
func (s *MessageStore) Append(ctx context.Context, msg domain.Message) error {
	if msg.SessionID == "" {
		return fmt.Errorf("append message: session id is required")
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}
	if msg.Content == nil {
		content = []byte("[]")
	}
	ts := msg.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	now := formatTime(time.Now())

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		msg.SessionID, now, now,
	); err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at, is_streaming)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), string(content), formatTime(ts), msg.IsStreaming,
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return tx.Commit()
}

// Sessions lists stored sessions, most recently updated first.
func (s *MessageStore) Sessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT s.id, s.created_at, s.updated_at, COUNT(m.seq)
		 FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		 GROUP BY s.id ORDER BY s.updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum                  SessionSummary
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sum.ID, &createdAt, &updatedAt, &sum.Messages); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sum.CreatedAt = parseTime(createdAt)
		sum.UpdatedAt = parseTime(updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its messages.
func (s *MessageStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// foreign_keys is per connection, so don't rely on the cascade
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return false, fmt.Errorf("deleting messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
