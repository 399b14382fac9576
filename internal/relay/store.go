package relay

import (
	"context"
	"time"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/session"
)

// UserStore persists user status. session.Store implements it.
type UserStore interface {
	FindUserBySocket(ctx context.Context, socketID string) (*session.User, error)
	UpsertUser(ctx context.Context, socketID, name string) (*session.User, error)
	MarkDisconnected(ctx context.Context, socketID string) (*session.User, error)
	ListConnectedUsers(ctx context.Context) ([]session.User, error)
}

// MessageStore persists relayed messages. history.PostgresStore and
// history.MemoryStore implement it.
type MessageStore interface {
	SaveMessage(ctx context.Context, m chat.Message) error
	// GetHistory returns up to limit messages visible to identity, newest
	// first. identity is a display name, and names are not reserved: a later
	// connection using the same name sees that name's direct messages.
	GetHistory(ctx context.Context, identity string, limit int) ([]chat.Message, error)
}

// EventSink receives every delivered message. messaging.NATSClient
// implements it.
type EventSink interface {
	PublishMessage(ctx context.Context, m chat.Message) error
}

// MuteList reports mutes issued against a display name, so a muted user who
// reconnects stays muted. ban.Store implements it.
type MuteList interface {
	MutedFor(ctx context.Context, name string) (time.Duration, error)
}
