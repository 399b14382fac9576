// Package history stores relayed messages and serves the bounded history a
// user receives after identifying.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/whisper/relay/internal/chat"
)

// DefaultLimit is the number of messages returned when a caller passes a
// non-positive limit.
const DefaultLimit = 50

// PostgresStore persists messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Open connects to PostgreSQL at dsn and verifies the connection. It does not
// run migrations; see MigrateUp.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the handle for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// SaveMessage inserts m. Saving the same message twice is a no-op.
func (s *PostgresStore) SaveMessage(ctx context.Context, m chat.Message) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (id, sender_id, author, recipient_id, recipient_name, body, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`,
		m.ID, m.SenderID, m.Author, m.Recipient.String(), m.RecipientName, m.Text, m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: save message %s: %w", m.ID, err)
	}
	return nil
}

// GetHistory returns up to limit messages visible to the display name
// identity, newest first: every broadcast plus the direct messages it sent or
// received.
func (s *PostgresStore) GetHistory(ctx context.Context, identity string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, sender_id, author, recipient_id, recipient_name, body, created_at
FROM messages
WHERE recipient_id = $1 OR author = $2 OR recipient_name = $2
ORDER BY created_at DESC
LIMIT $3`,
		chat.BroadcastTarget, identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query history: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0, limit)
	for rows.Next() {
		var (
			m           chat.Message
			recipientID string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Author, &recipientID, &m.RecipientName, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		to, err := chat.ParseRecipient(recipientID)
		if err != nil {
			return nil, fmt.Errorf("history: message %s: %w", m.ID, err)
		}
		m.Recipient = to
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: read history: %w", err)
	}
	return out, nil
}
