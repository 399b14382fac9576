package chat

// MessageEvent is the payload published to the relay.message NATS subject
// for every delivered message, consumed by the audit moderator.
type MessageEvent struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	Author      string `json:"author"`
	RecipientID string `json:"recipient_id"` // "all" or a connection ID
	Text        string `json:"text"`
	Ts          int64  `json:"ts"` // unix milliseconds
}

// EventFromMessage flattens m for publishing.
func EventFromMessage(m Message) MessageEvent {
	return MessageEvent{
		ID:          m.ID,
		SenderID:    m.SenderID,
		Author:      m.Author,
		RecipientID: m.Recipient.String(),
		Text:        m.Text,
		Ts:          m.CreatedAt.UnixMilli(),
	}
}
