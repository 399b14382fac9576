package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/moderation"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublishMessage_RoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan chat.MessageEvent, 1)
	require.NoError(t, c.SubscribeMessages(func(ev chat.MessageEvent) { got <- ev }))
	require.NoError(t, c.conn.Flush())

	m := chat.NewMessage("c1", "alice", chat.Direct("c2"), "hello", time.UnixMilli(1700000000000))
	require.NoError(t, c.PublishMessage(context.Background(), m))

	select {
	case ev := <-got:
		assert.Equal(t, m.ID, ev.ID)
		assert.Equal(t, "c2", ev.RecipientID)
		assert.Equal(t, int64(1700000000000), ev.Ts)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMessage_CanceledContext(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.PublishMessage(ctx, chat.NewMessage("c1", "alice", chat.Broadcast(), "x", time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnsubscribe_Unknown(t *testing.T) {
	c := newTestClient(t)
	assert.Error(t, c.Unsubscribe("nope"))
}

func TestPublishMute_RoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan moderation.Mute, 1)
	require.NoError(t, c.SubscribeMutes(func(m moderation.Mute) { got <- m }))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.PublishMute(moderation.Mute{SocketID: "c1", Author: "alice", Strikes: 2, Duration: time.Minute}))

	select {
	case m := <-got:
		assert.Equal(t, "c1", m.SocketID)
		assert.Equal(t, 2, m.Strikes)
		assert.Equal(t, time.Minute, m.Duration)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mute")
	}
}
