package chat

import "sync"

// DefaultBufferSize is the number of recent messages retained when no size
// is configured.
const DefaultBufferSize = 1000

// MessageBuffer keeps the most recent messages in memory. It is
// goroutine-safe and uses a ring buffer internally.
type MessageBuffer struct {
	mu    sync.RWMutex
	items []Message
	pos   int
	count int
}

// NewMessageBuffer creates an empty buffer holding up to size messages.
func NewMessageBuffer(size int) *MessageBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &MessageBuffer{items: make([]Message, size)}
}

// Add appends a message. If the buffer is full, the oldest message is
// overwritten.
func (mb *MessageBuffer) Add(msg Message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.items[mb.pos] = msg
	mb.pos = (mb.pos + 1) % len(mb.items)
	if mb.count < len(mb.items) {
		mb.count++
	}
}

// Recent returns up to limit messages accepted by match, newest first. A nil
// match accepts everything. Returns an empty slice when nothing matches.
func (mb *MessageBuffer) Recent(limit int, match func(Message) bool) []Message {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	result := make([]Message, 0, min(limit, mb.count))
	size := len(mb.items)
	for i := 1; i <= mb.count && len(result) < limit; i++ {
		msg := mb.items[(mb.pos-i+size)%size]
		if match == nil || match(msg) {
			result = append(result, msg)
		}
	}
	return result
}

// Len returns the number of buffered messages.
func (mb *MessageBuffer) Len() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.count
}
