package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// UserPrefix is the Redis key prefix for user hashes.
	UserPrefix = "user:"

	// ConnectedPrefix prefixes the per-server set of connected socket IDs.
	ConnectedPrefix = "users:connected:"

	// UserTTL bounds how long a record survives without activity. Records of
	// disconnected users expire; connected ones are refreshed on every write.
	UserTTL = 24 * time.Hour
)

// Store manages user records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	now        func() time.Time
}

// NewStore creates a store connected to Redis at redisAddr.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, now: time.Now}
}

func (s *Store) connectedKey() string {
	return ConnectedPrefix + s.serverName
}

// FindUserBySocket returns the record for socketID, or nil if there is none.
func (s *Store) FindUserBySocket(ctx context.Context, socketID string) (*User, error) {
	var u User
	if err := s.client.HGetAll(ctx, UserPrefix+socketID).Scan(&u); err != nil {
		return nil, fmt.Errorf("session: find user %s: %w", socketID, err)
	}
	if u.SocketID == "" {
		return nil, nil
	}
	return &u, nil
}

// UpsertUser records that socketID is connected under name, creating the
// record if needed, and returns the stored state.
func (s *Store) UpsertUser(ctx context.Context, socketID, name string) (*User, error) {
	key := UserPrefix + socketID
	now := s.now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", now)
	pipe.HSet(ctx, key,
		"socket_id", socketID,
		"name", name,
		"connected", true,
		"server", s.serverName,
		"last_seen", now,
	)
	pipe.Expire(ctx, key, UserTTL)
	pipe.SAdd(ctx, s.connectedKey(), socketID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: upsert user %s: %w", socketID, err)
	}
	return s.FindUserBySocket(ctx, socketID)
}

// MarkDisconnected flags socketID as disconnected and returns the updated
// record, or nil if the socket was never stored.
func (s *Store) MarkDisconnected(ctx context.Context, socketID string) (*User, error) {
	key := UserPrefix + socketID

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("session: mark disconnected %s: %w", socketID, err)
	}
	if exists == 0 {
		s.client.SRem(ctx, s.connectedKey(), socketID)
		return nil, nil
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "connected", false, "last_seen", s.now().Unix())
	pipe.Expire(ctx, key, UserTTL)
	pipe.SRem(ctx, s.connectedKey(), socketID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: mark disconnected %s: %w", socketID, err)
	}
	return s.FindUserBySocket(ctx, socketID)
}

// ListConnectedUsers returns every user this server still has marked as
// connected. Set members whose record has expired are dropped from the set.
func (s *Store) ListConnectedUsers(ctx context.Context) ([]User, error) {
	ids, err := s.client.SMembers(ctx, s.connectedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list connected: %w", err)
	}

	users := make([]User, 0, len(ids))
	for _, id := range ids {
		u, err := s.FindUserBySocket(ctx, id)
		if err != nil {
			return nil, err
		}
		if u == nil || !u.Connected {
			s.client.SRem(ctx, s.connectedKey(), id)
			continue
		}
		users = append(users, *u)
	}
	return users, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
