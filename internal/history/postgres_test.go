package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/relay/internal/chat"
)

// newTestStore opens the database named by RELAY_TEST_DATABASE_URL and
// migrates it. Tests skip when the variable is unset or the server is down.
func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	require.NoError(t, MigrateUp(s.DB()))
	_, err = s.DB().ExecContext(ctx, `DELETE FROM messages WHERE author LIKE 'test_%'`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.DB().ExecContext(ctx, `DELETE FROM messages WHERE author LIKE 'test_%'`)
		s.Close()
	})
	return s
}

func TestPostgresStore_SaveAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	first := chat.NewMessage("c1", "test_alice", chat.Direct("c2"), "hi bob", t0)
	first.RecipientName = "test_bob"
	second := chat.NewMessage("c2", "test_bob", chat.Direct("c1"), "hi alice", t0.Add(time.Second))
	second.RecipientName = "test_alice"
	other := chat.NewMessage("c3", "test_carol", chat.Direct("c4"), "private", t0.Add(2*time.Second))
	other.RecipientName = "test_dave"

	for _, m := range []chat.Message{first, second, other} {
		require.NoError(t, s.SaveMessage(ctx, m))
	}
	require.NoError(t, s.SaveMessage(ctx, first), "duplicate save must be ignored")

	got, err := s.GetHistory(ctx, "test_bob", 10)
	require.NoError(t, err)

	var mine []chat.Message
	for _, m := range got {
		if m.Author == "test_alice" || m.Author == "test_bob" || m.Author == "test_carol" {
			mine = append(mine, m)
		}
	}
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)
	assert.Equal(t, first.ID, mine[1].ID)
	assert.Equal(t, "c1", mine[0].Recipient.ID())
	assert.Equal(t, "hi alice", mine[0].Text)
}

func TestSchemaVersion(t *testing.T) {
	s := newTestStore(t)

	v, dirty, err := SchemaVersion(s.DB())
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.GreaterOrEqual(t, v, uint(1))
}
