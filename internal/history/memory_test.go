package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/relay/internal/chat"
)

func TestMemoryStore_History(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(100)
	t0 := time.Unix(1000, 0)

	broadcast := chat.NewMessage("c1", "alice", chat.Broadcast(), "hello all", t0)
	toBob := chat.NewMessage("c1", "alice", chat.Direct("c2"), "hi bob", t0.Add(time.Second))
	toBob.RecipientName = "bob"
	toCarol := chat.NewMessage("c1", "alice", chat.Direct("c3"), "hi carol", t0.Add(2*time.Second))
	toCarol.RecipientName = "carol"

	for _, m := range []chat.Message{broadcast, toBob, toCarol} {
		require.NoError(t, s.SaveMessage(ctx, m))
	}

	bob, err := s.GetHistory(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, bob, 2)
	assert.Equal(t, toBob.ID, bob[0].ID, "newest first")
	assert.Equal(t, broadcast.ID, bob[1].ID)

	alice, err := s.GetHistory(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, alice, 3)

	dave, err := s.GetHistory(ctx, "dave", 10)
	require.NoError(t, err)
	require.Len(t, dave, 1)
	assert.Equal(t, broadcast.ID, dave[0].ID)
}

func TestMemoryStore_Limit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(100)
	for i := 0; i < 80; i++ {
		m := chat.NewMessage("c1", "alice", chat.Broadcast(), fmt.Sprintf("m%d", i), time.Unix(int64(i), 0))
		require.NoError(t, s.SaveMessage(ctx, m))
	}

	got, err := s.GetHistory(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultLimit)
	assert.Equal(t, "m79", got[0].Text)

	got, err = s.GetHistory(ctx, "alice", 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMemoryStore(10)
	assert.Error(t, s.SaveMessage(ctx, chat.NewMessage("c1", "a", chat.Broadcast(), "x", time.Now())))
	assert.Zero(t, s.Len())
}

func TestMemoryStore_HistoryKeyedByName(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	m := chat.NewMessage("c1", "alice", chat.Direct("c2"), "for bob only", time.Unix(1000, 0))
	m.RecipientName = "bob"
	require.NoError(t, s.SaveMessage(ctx, m))

	// A different connection that later identifies as bob is served by name.
	got, err := s.GetHistory(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c2", got[0].Recipient.ID())
}
