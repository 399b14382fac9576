package moderation

import (
	"time"

	"github.com/whisper/relay/internal/chat"
)

// Flagged is published to moderation.flagged by the moderator worker when a
// relayed message fails the full filter. The relay's inline filter may run
// without spam checks, so messages can be relayed and still be flagged here.
type Flagged struct {
	MessageID   string `json:"message_id"`
	SenderID    string `json:"sender_id"`
	Author      string `json:"author"`
	RecipientID string `json:"recipient_id"`
	Reason      string `json:"reason"`
	Term        string `json:"term"`
	Ts          int64  `json:"ts"`
}

// Review runs the filter over a relayed message event and returns the flag
// to publish, or false when the message is clean.
func (f *Filter) Review(ev chat.MessageEvent) (Flagged, bool) {
	res := f.Check(ev.Text)
	if !res.Blocked {
		return Flagged{}, false
	}
	return Flagged{
		MessageID:   ev.ID,
		SenderID:    ev.SenderID,
		Author:      ev.Author,
		RecipientID: ev.RecipientID,
		Reason:      res.Reason,
		Term:        res.Term,
		Ts:          ev.Ts,
	}, true
}

// Mute is published to moderation.mute when a sender collects enough strikes.
// The relay that owns SocketID blocks its sends for Duration.
type Mute struct {
	SocketID string        `json:"socket_id"`
	Author   string        `json:"author"`
	Reason   string        `json:"reason"`
	Strikes  int           `json:"strikes"`
	Duration time.Duration `json:"duration_ns"`
}
