package history

import (
	"context"

	"github.com/whisper/relay/internal/chat"
)

// MemoryStore keeps the most recent messages in a ring buffer. It backs the
// relay when no database is configured; history is lost on restart.
type MemoryStore struct {
	buf *chat.MessageBuffer
}

// NewMemoryStore returns a store holding up to size messages.
func NewMemoryStore(size int) *MemoryStore {
	return &MemoryStore{buf: chat.NewMessageBuffer(size)}
}

// SaveMessage appends m to the buffer.
func (s *MemoryStore) SaveMessage(ctx context.Context, m chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.buf.Add(m)
	return nil
}

// GetHistory returns up to limit buffered messages visible to identity,
// newest first.
func (s *MemoryStore) GetHistory(ctx context.Context, identity string, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return s.buf.Recent(limit, func(m chat.Message) bool { return m.Involves(identity) }), nil
}

// Len returns the number of buffered messages.
func (s *MemoryStore) Len() int {
	return s.buf.Len()
}
