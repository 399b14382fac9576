package chat

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		broadcast bool
		id        string
		wantErr   bool
	}{
		{name: "lowercase sentinel", input: "all", broadcast: true},
		{name: "capitalised sentinel", input: "All", broadcast: true},
		{name: "padded sentinel", input: "  ALL ", broadcast: true},
		{name: "connection id", input: "conn-1", id: "conn-1"},
		{name: "empty", input: "", wantErr: true},
		{name: "blank", input: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRecipient(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrEmptyRecipient)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.broadcast, r.IsBroadcast())
			assert.Equal(t, tt.id, r.ID())
		})
	}
}

func TestRecipientJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		To Recipient `json:"to"`
	}{To: Direct("abc")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"to":"abc"}`, string(data))

	var decoded struct {
		To Recipient `json:"to"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"to":"All"}`), &decoded))
	assert.True(t, decoded.To.IsBroadcast())
	assert.Equal(t, BroadcastTarget, decoded.To.String())

	require.Error(t, json.Unmarshal([]byte(`{"to":""}`), &decoded))
}

func TestNewMessage(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewMessage("conn-a", "alice", Broadcast(), "hi", now)
	b := NewMessage("conn-a", "alice", Broadcast(), "hi", now)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "alice", a.Author)
	assert.Equal(t, now, a.CreatedAt)
}

func TestMessageInvolves(t *testing.T) {
	now := time.Now()
	broadcast := NewMessage("a", "alice", Broadcast(), "hi", now)
	direct := NewMessage("a", "alice", Direct("b"), "psst", now)
	direct.RecipientName = "bob"

	assert.True(t, broadcast.Involves("carol"))
	assert.True(t, direct.Involves("alice"))
	assert.True(t, direct.Involves("bob"))
	assert.False(t, direct.Involves("carol"))
}

func TestValidateMessage(t *testing.T) {
	assert.NoError(t, ValidateMessage("hello"))
	assert.Error(t, ValidateMessage(""))
	assert.Error(t, ValidateMessage("   \n"))
	assert.Error(t, ValidateMessage(strings.Repeat("a", MaxMessageBytes+1)))
	assert.Error(t, ValidateMessage(strings.Repeat("é", MaxTextChars+1)))
	assert.Error(t, ValidateMessage(string([]byte{0xff, 0xfe})))
}

func TestNormalizeName(t *testing.T) {
	name, err := NormalizeName("  alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	name, err = NormalizeName(strings.Repeat("é", MaxNameChars))
	require.NoError(t, err)
	assert.Equal(t, MaxNameChars, len([]rune(name)))

	for _, bad := range []string{"", "   ", strings.Repeat("x", MaxNameChars+1), "two\nlines"} {
		_, err := NormalizeName(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestEventFromMessage(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	m := NewMessage("a", "alice", Direct("b"), "hey", now)

	ev := EventFromMessage(m)
	assert.Equal(t, m.ID, ev.ID)
	assert.Equal(t, "b", ev.RecipientID)
	assert.Equal(t, int64(1700000000123), ev.Ts)
}
