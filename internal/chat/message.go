// Package chat holds the relay's domain model: messages, recipients, system
// notices and the input rules applied to them before they enter the relay.
package chat

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BroadcastTarget is the wire value addressing every present connection.
const BroadcastTarget = "all"

// ErrEmptyRecipient is returned by ParseRecipient for a blank target.
var ErrEmptyRecipient = errors.New("recipient is required")

// Recipient is either Broadcast or Direct(connectionID). The zero value is
// Broadcast.
type Recipient struct {
	direct bool
	id     string
}

// Broadcast addresses every connection currently present.
func Broadcast() Recipient {
	return Recipient{}
}

// Direct addresses a single connection.
func Direct(connID string) Recipient {
	return Recipient{direct: true, id: connID}
}

// ParseRecipient converts a wire target into a Recipient. The broadcast
// sentinel is matched case-insensitively so older clients sending "All"
// keep working.
func ParseRecipient(s string) (Recipient, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Recipient{}, ErrEmptyRecipient
	}
	if strings.EqualFold(s, BroadcastTarget) {
		return Broadcast(), nil
	}
	return Direct(s), nil
}

// IsBroadcast reports whether r addresses everyone.
func (r Recipient) IsBroadcast() bool {
	return !r.direct
}

// ID returns the target connection for a direct recipient, or "" for a
// broadcast.
func (r Recipient) ID() string {
	return r.id
}

// String returns the wire form of r.
func (r Recipient) String() string {
	if r.direct {
		return r.id
	}
	return BroadcastTarget
}

// MarshalJSON encodes r as its wire string.
func (r Recipient) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a wire string into r.
func (r *Recipient) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRecipient(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Message is a relayed text message. It is never modified after NewMessage
// returns it.
type Message struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	SenderID      string    `json:"sender_id"`
	Recipient     Recipient `json:"recipient_id"`
	RecipientName string    `json:"recipient_name,omitempty"`
	Author        string    `json:"author"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewMessage builds a Message with a fresh ID.
func NewMessage(senderID, author string, to Recipient, text string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Text:      text,
		SenderID:  senderID,
		Recipient: to,
		Author:    author,
		CreatedAt: now,
	}
}

// Involves reports whether the display name sent or received m, or whether
// m was a broadcast everyone could see.
func (m Message) Involves(name string) bool {
	if m.Recipient.IsBroadcast() {
		return true
	}
	return m.Author == name || m.RecipientName == name
}

// NoticeKind is the severity of a system notice.
type NoticeKind string

const (
	NoticeError   NoticeKind = "error"
	NoticeWarning NoticeKind = "warning"
	NoticeInfo    NoticeKind = "info"
)

// Notice is a transient message from the relay to a single connection.
type Notice struct {
	Content   string     `json:"content"`
	Kind      NoticeKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
}
