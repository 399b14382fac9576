// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the relay. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/relay/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeIdentify    = "identify"
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeStopTyping  = "stop_typing"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated   = "session_created"
	TypePresenceUpdate   = "presence_update"
	TypeMessageBroadcast = "message_broadcast"
	TypeMessageDirect    = "message_direct"
	TypeSystemNotice     = "system_notice"
	TypeTypingIndicator  = "typing_indicator"
	TypeClientsTotal     = "clients_total"
	TypeHistory          = "history"
	TypeError            = "error"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// IdentifyMsg sets or changes the connection's display name.
type IdentifyMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// SendMessageMsg is a text message addressed to "all" or to one connection.
type SendMessageMsg struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	RecipientID string `json:"recipient_id"`
}

// TypingMsg starts (typing) or clears (stop_typing) the typing indicator
// shown to the recipient.
type TypingMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipient_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg tells the client its connection ID.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PresenceUpdateMsg carries the full online set. Version increases with every
// registry change; clients and the transport ignore older versions.
type PresenceUpdateMsg struct {
	Type    string            `json:"type"`
	Users   map[string]string `json:"users"` // connection ID -> display name
	Version uint64            `json:"version"`
}

// ServerChatMsg is a relayed message, used for both message_broadcast and
// message_direct.
type ServerChatMsg struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Text        string `json:"text"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Author      string `json:"author"`
	Ts          int64  `json:"ts"` // unix milliseconds
}

// SystemNoticeMsg is a notice meant only for the receiving connection.
type SystemNoticeMsg struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Kind      string `json:"kind"` // error | warning | info
	Timestamp int64  `json:"timestamp"`
}

// TypingIndicatorMsg relays another user's typing state. An empty Text
// clears the indicator.
type TypingIndicatorMsg struct {
	Type        string `json:"type"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

// ClientsTotalMsg reports the number of open connections.
type ClientsTotalMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// HistoryMsg carries recent messages, newest first.
type HistoryMsg struct {
	Type     string          `json:"type"`
	Messages []ServerChatMsg `json:"messages"`
}

// ErrorMsg is sent by the server to communicate a protocol error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// NewServerChatMsg converts a domain message into its wire form.
func NewServerChatMsg(m chat.Message) ServerChatMsg {
	return ServerChatMsg{
		ID:          m.ID,
		Text:        m.Text,
		SenderID:    m.SenderID,
		RecipientID: m.Recipient.String(),
		Author:      m.Author,
		Ts:          m.CreatedAt.UnixMilli(),
	}
}

// NewSystemNoticeMsg converts a notice into its wire form.
func NewSystemNoticeMsg(n chat.Notice) SystemNoticeMsg {
	return SystemNoticeMsg{
		Content:   n.Content,
		Kind:      string(n.Kind),
		Timestamp: n.Timestamp.UnixMilli(),
	}
}

// NewHistoryMsg converts stored messages into a history payload.
func NewHistoryMsg(msgs []chat.Message) HistoryMsg {
	out := make([]ServerChatMsg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewServerChatMsg(m))
	}
	return HistoryMsg{Messages: out}
}

// ---------------------------------------------------------------------------
// Outbound delivery
// ---------------------------------------------------------------------------

// Outbound is one server message and the connections it must reach. Event
// handlers return outbounds; the transport encodes each payload once and
// writes it to every listed connection.
type Outbound struct {
	To      []string
	Type    string
	Payload interface{}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeIdentify:
		var m IdentifyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping, TypeStopTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}
	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
