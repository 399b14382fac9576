// Package report keeps moderation flags in PostgreSQL for later review. Each
// record captures who sent the flagged message, why it was flagged and a
// short excerpt of the text.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/whisper/relay/internal/moderation"
)

// ExcerptRunes caps the stored excerpt of a flagged message.
const ExcerptRunes = 200

// validReasons matches the CHECK constraint on moderation_flags.
var validReasons = map[string]bool{
	moderation.ReasonBlockedKeyword: true,
	moderation.ReasonSpamPattern:    true,
}

// Store manages moderation flags in PostgreSQL. The table is created by the
// history migrations.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create records a flag. Flags for a message already recorded are ignored,
// so redelivered events are harmless.
func (s *Store) Create(ctx context.Context, f moderation.Flagged, text string) error {
	if !validReasons[f.Reason] {
		return fmt.Errorf("report: invalid reason %q", f.Reason)
	}

	const query = `
		INSERT INTO moderation_flags (message_id, sender_id, author, recipient_id, reason, term, excerpt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		f.MessageID,
		f.SenderID,
		f.Author,
		f.RecipientID,
		f.Reason,
		f.Term,
		excerpt(text),
		time.UnixMilli(f.Ts).UTC(),
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of flags raised against author within the
// given window.
func (s *Store) CountRecent(ctx context.Context, author string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM moderation_flags
		WHERE author = $1
		  AND created_at >= $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, author, time.Now().Add(-window).UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= ExcerptRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:ExcerptRunes]) + "…"
}
