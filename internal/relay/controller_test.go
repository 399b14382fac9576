package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/history"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/session"
)

type fakeUsers struct {
	mu           sync.Mutex
	users        map[string]*session.User
	upsertErr    error
	disconnected []string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]*session.User)}
}

func (f *fakeUsers) FindUserBySocket(ctx context.Context, socketID string) (*session.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[socketID], nil
}

func (f *fakeUsers) UpsertUser(ctx context.Context, socketID, name string) (*session.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	u := &session.User{SocketID: socketID, Name: name, Connected: true}
	f.users[socketID] = u
	return u, nil
}

func (f *fakeUsers) MarkDisconnected(ctx context.Context, socketID string) (*session.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, socketID)
	u, ok := f.users[socketID]
	if !ok {
		return nil, nil
	}
	u.Connected = false
	return u, nil
}

func (f *fakeUsers) ListConnectedUsers(ctx context.Context) ([]session.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.User
	for _, u := range f.users {
		if u.Connected {
			out = append(out, *u)
		}
	}
	return out, nil
}

type failingMessages struct{}

func (failingMessages) SaveMessage(context.Context, chat.Message) error {
	return errors.New("connection refused")
}

func (failingMessages) GetHistory(context.Context, string, int) ([]chat.Message, error) {
	return nil, errors.New("connection refused")
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (s *recordingSink) PublishMessage(ctx context.Context, m chat.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c := NewController(
		moderation.NewFilterWithTerms([]string{"badword"}),
		ratelimit.NewCooldown(1500*time.Millisecond),
		zerolog.Nop(),
		opts...,
	)
	return c, clock
}

// inbox returns the outbounds addressed to connID.
func inbox(outs []protocol.Outbound, connID string) []protocol.Outbound {
	var got []protocol.Outbound
	for _, o := range outs {
		for _, id := range o.To {
			if id == connID {
				got = append(got, o)
				break
			}
		}
	}
	return got
}

func onlyNotice(t *testing.T, outs []protocol.Outbound, connID string) protocol.SystemNoticeMsg {
	t.Helper()
	require.Len(t, outs, 1)
	require.Equal(t, []string{connID}, outs[0].To)
	require.Equal(t, protocol.TypeSystemNotice, outs[0].Type)
	return outs[0].Payload.(protocol.SystemNoticeMsg)
}

func TestScenario_AliceAndBob(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestController(t)

	c.Connect(ctx, "A")
	c.Connect(ctx, "B")
	c.Identify(ctx, "A", "alice")
	c.Identify(ctx, "B", "bob")

	// t=0: broadcast reaches both, sender included.
	outs, err := c.Send(ctx, "A", "hi", "all")
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, protocol.TypeMessageBroadcast, outs[0].Type)
	assert.ElementsMatch(t, []string{"A", "B"}, outs[0].To)
	msg := outs[0].Payload.(protocol.ServerChatMsg)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, "alice", msg.Author)

	// t=0.5s: inside the cooldown.
	clock.Advance(500 * time.Millisecond)
	outs, err = c.Send(ctx, "A", "hi again", "all")
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, time.Second, rl.Wait)
	n := onlyNotice(t, outs, "A")
	assert.Equal(t, string(chat.NoticeWarning), n.Kind)
	assert.Contains(t, n.Content, "1s")
	assert.Empty(t, inbox(outs, "B"))

	// Denylisted word after the cooldown.
	clock.Advance(2 * time.Second)
	outs, err = c.Send(ctx, "A", "you badword", "all")
	require.ErrorIs(t, err, ErrModerationRejected)
	n = onlyNotice(t, outs, "A")
	assert.Equal(t, string(chat.NoticeError), n.Kind)
	assert.NotContains(t, n.Content, "badword")
	assert.Empty(t, inbox(outs, "B"))

	// Bob leaves: alice sees a snapshot without him.
	outs = c.Disconnect(ctx, "B")
	toA := inbox(outs, "A")
	require.NotEmpty(t, toA)
	assert.Equal(t, protocol.TypePresenceUpdate, toA[0].Type)
	assert.Equal(t, map[string]string{"A": "alice"}, toA[0].Payload.(protocol.PresenceUpdateMsg).Users)
	assert.Empty(t, inbox(outs, "B"))
}

func TestConnect_SendsPresenceAndTotal(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	c.Connect(ctx, "A")
	c.Identify(ctx, "A", "alice")
	outs := c.Connect(ctx, "B")

	require.Len(t, outs, 2)
	assert.Equal(t, protocol.TypePresenceUpdate, outs[0].Type)
	assert.Equal(t, []string{"B"}, outs[0].To)
	assert.Equal(t, map[string]string{"A": "alice"}, outs[0].Payload.(protocol.PresenceUpdateMsg).Users)

	assert.Equal(t, protocol.TypeClientsTotal, outs[1].Type)
	assert.ElementsMatch(t, []string{"A", "B"}, outs[1].To)
	assert.Equal(t, 2, outs[1].Payload.(protocol.ClientsTotalMsg).Count)

	assert.Nil(t, c.Connect(ctx, "B"), "duplicate connect is ignored")
}

func TestIdentify(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")

	t.Run("invalid name", func(t *testing.T) {
		outs := c.Identify(ctx, "A", "   ")
		n := onlyNotice(t, outs, "A")
		assert.Equal(t, string(chat.NoticeError), n.Kind)
		assert.Equal(t, StateConnected, c.State("A"))
		assert.False(t, c.Registry().Has("A"))
	})

	t.Run("broadcasts presence to every connection", func(t *testing.T) {
		outs := c.Identify(ctx, "A", "  alice ")
		require.NotEmpty(t, outs)
		assert.Equal(t, protocol.TypePresenceUpdate, outs[0].Type)
		assert.ElementsMatch(t, []string{"A", "B"}, outs[0].To)
		p := outs[0].Payload.(protocol.PresenceUpdateMsg)
		assert.Equal(t, map[string]string{"A": "alice"}, p.Users)
		assert.Equal(t, StateIdentified, c.State("A"))
	})

	t.Run("re-identify replaces the name", func(t *testing.T) {
		before := c.Registry().Version()
		outs := c.Identify(ctx, "A", "alicia")
		p := outs[0].Payload.(protocol.PresenceUpdateMsg)
		assert.Equal(t, "alicia", p.Users["A"])
		assert.Greater(t, p.Version, before)
	})

	t.Run("unknown connection", func(t *testing.T) {
		assert.Nil(t, c.Identify(ctx, "nobody", "ghost"))
		assert.Nil(t, c.Identify(ctx, "nobody", ""))
	})
}

func TestIdentify_SendsHistoryOnce(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore(10)
	c, clock := newTestController(t, WithMessageStore(store), WithHistoryLimit(5))

	c.Connect(ctx, "A")
	c.Identify(ctx, "A", "alice")
	_, err := c.Send(ctx, "A", "first", "all")
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	_, err = c.Send(ctx, "A", "second", "all")
	require.NoError(t, err)

	c.Connect(ctx, "B")
	outs := c.Identify(ctx, "B", "bob")
	hist := inbox(outs, "B")
	require.Len(t, hist, 2)
	assert.Equal(t, protocol.TypeHistory, hist[1].Type)
	msgs := hist[1].Payload.(protocol.HistoryMsg).Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Text, "newest first")
	assert.Equal(t, "first", msgs[1].Text)

	for _, o := range c.Identify(ctx, "B", "bobby") {
		assert.NotEqual(t, protocol.TypeHistory, o.Type, "history only on first identify")
	}
}

func TestIdentify_UserStoreFailure(t *testing.T) {
	ctx := context.Background()
	users := newFakeUsers()
	users.upsertErr = errors.New("redis down")
	c, _ := newTestController(t, WithUserStore(users))
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")

	outs := c.Identify(ctx, "A", "alice")

	assert.True(t, c.Registry().Has("A"), "presence still updated")
	require.Len(t, inbox(outs, "A"), 2)
	toB := inbox(outs, "B")
	require.Len(t, toB, 1)
	assert.Equal(t, protocol.TypePresenceUpdate, toB[0].Type)

	last := outs[len(outs)-1]
	assert.Equal(t, []string{"A"}, last.To)
	assert.Equal(t, protocol.TypeSystemNotice, last.Type)
	assert.Equal(t, string(chat.NoticeError), last.Payload.(protocol.SystemNoticeMsg).Kind)
}

func TestSend_Rejections(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")
	c.Identify(ctx, "B", "bob")

	t.Run("not identified", func(t *testing.T) {
		outs, err := c.Send(ctx, "A", "hello", "all")
		require.ErrorIs(t, err, ErrNotIdentified)
		assert.Equal(t, string(chat.NoticeError), onlyNotice(t, outs, "A").Kind)
	})

	c.Identify(ctx, "A", "alice")

	tests := []struct {
		name      string
		text      string
		recipient string
	}{
		{"empty text", "   ", "all"},
		{"too long", string(make([]byte, chat.MaxMessageBytes+1)), "all"},
		{"missing recipient", "hello", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outs, err := c.Send(ctx, "A", tt.text, tt.recipient)
			require.ErrorIs(t, err, ErrValidation)
			n := onlyNotice(t, outs, "A")
			assert.Equal(t, string(chat.NoticeError), n.Kind)
		})
	}

	t.Run("validation does not consume the cooldown", func(t *testing.T) {
		outs, err := c.Send(ctx, "A", "hello", "all")
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeMessageBroadcast, outs[0].Type)
	})

	t.Run("unknown connection", func(t *testing.T) {
		outs, err := c.Send(ctx, "ghost", "hello", "all")
		assert.NoError(t, err)
		assert.Nil(t, outs)
	})
}

func TestSend_PersistenceFailure(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	c, _ := newTestController(t, WithMessageStore(failingMessages{}), WithEventSink(sink))
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")
	c.Identify(ctx, "A", "alice")
	c.Identify(ctx, "B", "bob")

	outs, err := c.Send(ctx, "A", "hello", "all")
	require.ErrorIs(t, err, ErrPersistence)
	n := onlyNotice(t, outs, "A")
	assert.Equal(t, string(chat.NoticeError), n.Kind)
	assert.NotContains(t, n.Content, "connection refused")
	assert.Empty(t, sink.msgs)

	// The failure stays with the sender that hit it.
	outs, err = c.Send(ctx, "B", "still here?", "A")
	require.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, inbox(outs, "A"))
}

func TestSend_Direct(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	c, clock := newTestController(t, WithEventSink(sink))
	for id, name := range map[string]string{"A": "alice", "B": "bob", "C": "carol"} {
		c.Connect(ctx, id)
		c.Identify(ctx, id, name)
	}

	outs, err := c.Send(ctx, "A", "psst", "B")
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, protocol.TypeMessageDirect, outs[0].Type)
	assert.ElementsMatch(t, []string{"A", "B"}, outs[0].To)
	assert.Empty(t, inbox(outs, "C"))
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "bob", sink.msgs[0].RecipientName)

	clock.Advance(2 * time.Second)
	outs, err = c.Send(ctx, "A", "anyone?", "gone")
	require.NoError(t, err, "absent target is not an error")
	assert.Equal(t, []string{"A"}, outs[0].To)

	clock.Advance(2 * time.Second)
	outs, err = c.Send(ctx, "A", "note to self", "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, outs[0].To)
}

func TestSend_UnidentifiedConnectionsMissBroadcasts(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)
	c.Connect(ctx, "A")
	c.Connect(ctx, "lurker")
	c.Identify(ctx, "A", "alice")

	outs, err := c.Send(ctx, "A", "hello", "all")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, outs[0].To)
}

// blockingMessages holds SaveMessage until release is closed.
type blockingMessages struct {
	*history.MemoryStore
	saving  chan struct{}
	release chan struct{}
}

func (b *blockingMessages) SaveMessage(ctx context.Context, m chat.Message) error {
	close(b.saving)
	<-b.release
	return nil
}

func TestSend_SenderLeavesDuringPersistence(t *testing.T) {
	ctx := context.Background()
	store := &blockingMessages{
		MemoryStore: history.NewMemoryStore(10),
		saving:      make(chan struct{}),
		release:     make(chan struct{}),
	}
	c, _ := newTestController(t, WithMessageStore(store))
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")
	c.Identify(ctx, "A", "alice")
	c.Identify(ctx, "B", "bob")

	type result struct {
		outs []protocol.Outbound
		err  error
	}
	done := make(chan result, 1)
	go func() {
		outs, err := c.Send(ctx, "A", "bye", "all")
		done <- result{outs, err}
	}()

	<-store.saving
	// Disconnect is not blocked by the pending save.
	c.Disconnect(ctx, "A")
	assert.False(t, c.Registry().Has("A"))
	close(store.release)

	r := <-done
	assert.NoError(t, r.err)
	assert.Empty(t, r.outs, "message from a departed sender is dropped")
}

func TestTyping(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")
	c.Connect(ctx, "C")

	assert.Nil(t, c.Typing(ctx, "A", "all"), "ignored before identify")

	c.Identify(ctx, "A", "alice")
	c.Identify(ctx, "B", "bob")
	c.Identify(ctx, "C", "carol")

	outs := c.Typing(ctx, "A", "all")
	require.Len(t, outs, 1)
	assert.ElementsMatch(t, []string{"B", "C"}, outs[0].To)
	ind := outs[0].Payload.(protocol.TypingIndicatorMsg)
	assert.Equal(t, "alice is typing...", ind.Text)
	assert.Equal(t, "all", ind.RecipientID)

	outs = c.StopTyping(ctx, "A", "B")
	require.Len(t, outs, 1)
	assert.Equal(t, []string{"B"}, outs[0].To)
	assert.Empty(t, outs[0].Payload.(protocol.TypingIndicatorMsg).Text)

	assert.Nil(t, c.Typing(ctx, "A", "gone"))
	assert.Nil(t, c.Typing(ctx, "A", ""))
}

func TestDisconnect_Idempotent(t *testing.T) {
	ctx := context.Background()
	users := newFakeUsers()
	c, _ := newTestController(t, WithUserStore(users))
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")
	c.Connect(ctx, "C")
	c.Identify(ctx, "A", "alice")
	c.Identify(ctx, "B", "bob")

	outs := c.Disconnect(ctx, "B")
	require.Len(t, outs, 2)
	assert.ElementsMatch(t, []string{"A", "C"}, outs[0].To)
	assert.Equal(t, 2, outs[1].Payload.(protocol.ClientsTotalMsg).Count)

	snap := c.Registry().Snapshot()
	version := c.Registry().Version()

	assert.Nil(t, c.Disconnect(ctx, "B"))
	assert.Equal(t, snap, c.Registry().Snapshot())
	assert.Equal(t, version, c.Registry().Version())
	assert.Equal(t, StateClosed, c.State("B"))

	// Unidentified connections never reach the user store.
	c.Disconnect(ctx, "C")
	assert.Equal(t, []string{"B"}, users.disconnected)
}

func TestDisconnect_ClearsCooldown(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)
	c.Connect(ctx, "A")
	c.Identify(ctx, "A", "alice")
	_, err := c.Send(ctx, "A", "hi", "all")
	require.NoError(t, err)

	c.Disconnect(ctx, "A")
	assert.Equal(t, 0, c.cooldown.Len())
}

func TestPresenceMembership(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	c.Connect(ctx, "A")
	assert.False(t, c.Registry().Has("A"), "connected but not identified")
	c.Identify(ctx, "A", "alice")
	assert.True(t, c.Registry().Has("A"))
	c.Disconnect(ctx, "A")
	assert.False(t, c.Registry().Has("A"))
}

func TestPresenceVersionsIncrease(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")

	var versions []uint64
	collect := func(outs []protocol.Outbound) {
		for _, o := range outs {
			if p, ok := o.Payload.(protocol.PresenceUpdateMsg); ok {
				versions = append(versions, p.Version)
			}
		}
	}
	collect(c.Identify(ctx, "A", "alice"))
	collect(c.Identify(ctx, "B", "bob"))
	collect(c.Disconnect(ctx, "A"))

	require.Len(t, versions, 3)
	assert.Less(t, versions[0], versions[1])
	assert.Less(t, versions[1], versions[2])
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	users := newFakeUsers()
	users.users["old-1"] = &session.User{SocketID: "old-1", Name: "alice", Connected: true}
	users.users["old-2"] = &session.User{SocketID: "old-2", Name: "bob", Connected: true}
	c, _ := newTestController(t, WithUserStore(users))

	n, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	left, _ := users.ListConnectedUsers(ctx)
	assert.Empty(t, left)

	none, _ := newTestController(t)
	n, err = none.Reconcile(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	users := newFakeUsers()
	c, _ := newTestController(t, WithUserStore(users))
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")
	c.Identify(ctx, "A", "alice")

	c.Shutdown(ctx)

	assert.Zero(t, c.Registry().Len())
	assert.Equal(t, StateClosed, c.State("A"))
	assert.Equal(t, []string{"A"}, users.disconnected)
}

func TestConcurrentEvents(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Connect(ctx, id)
			c.Identify(ctx, id, "user-"+id)
			_, _ = c.Send(ctx, id, "hello", "all")
			c.Typing(ctx, id, "all")
			if id < "k" {
				c.Disconnect(ctx, id)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, c.Registry().Len())
}

func TestMute(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestController(t)
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")
	c.Identify(ctx, "A", "alice")
	c.Identify(ctx, "B", "bob")

	outs := c.Mute("A", time.Minute)
	assert.Equal(t, string(chat.NoticeWarning), onlyNotice(t, outs, "A").Kind)
	assert.Nil(t, c.Mute("ghost", time.Minute))
	assert.Nil(t, c.Mute("A", 0))

	// A shorter mute does not shorten the active one.
	c.Mute("A", time.Second)

	clock.Advance(30 * time.Second)
	outs, err := c.Send(ctx, "A", "let me talk", "all")
	require.ErrorIs(t, err, ErrMuted)
	var muted *MutedError
	require.ErrorAs(t, err, &muted)
	assert.Equal(t, 30*time.Second, muted.Wait)
	assert.Empty(t, inbox(outs, "B"))

	clock.Advance(31 * time.Second)
	outs, err = c.Send(ctx, "A", "back again", "all")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, outs[0].To)
}

type fakeMutes map[string]time.Duration

func (f fakeMutes) MutedFor(ctx context.Context, name string) (time.Duration, error) {
	return f[name], nil
}

func TestIdentify_ReappliesStoredMute(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t, WithMuteList(fakeMutes{"troll": 5 * time.Minute}))
	c.Connect(ctx, "A")
	c.Connect(ctx, "B")

	outs := c.Identify(ctx, "A", "troll")
	last := outs[len(outs)-1]
	assert.Equal(t, protocol.TypeSystemNotice, last.Type)
	assert.Equal(t, []string{"A"}, last.To)

	_, err := c.Send(ctx, "A", "hello", "all")
	assert.ErrorIs(t, err, ErrMuted)

	c.Identify(ctx, "B", "bob")
	_, err = c.Send(ctx, "B", "hello", "all")
	assert.NoError(t, err)
}

// gatedUsers holds UpsertUser until release is closed.
type gatedUsers struct {
	*fakeUsers
	upserting chan struct{}
	release   chan struct{}
}

func (g *gatedUsers) UpsertUser(ctx context.Context, socketID, name string) (*session.User, error) {
	close(g.upserting)
	<-g.release
	return g.fakeUsers.UpsertUser(ctx, socketID, name)
}

func TestIdentify_DisconnectDuringUpsert(t *testing.T) {
	ctx := context.Background()
	users := &gatedUsers{
		fakeUsers: newFakeUsers(),
		upserting: make(chan struct{}),
		release:   make(chan struct{}),
	}
	c, _ := newTestController(t, WithUserStore(users))
	c.Connect(ctx, "a")

	done := make(chan []protocol.Outbound, 1)
	go func() { done <- c.Identify(ctx, "a", "alice") }()

	<-users.upserting
	c.Disconnect(ctx, "a")
	close(users.release)

	assert.Empty(t, <-done)
	assert.Equal(t, StateClosed, c.State("a"))
	assert.False(t, c.Registry().Has("a"))

	connected, err := users.ListConnectedUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, connected)
}
