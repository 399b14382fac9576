// Package loadtest drives simulated relay users against a running server and
// aggregates what they observe. It speaks the same wire protocol as browser
// clients through gobwas/ws.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/protocol"
)

// ErrClosed is returned by WaitForSession when the connection ends first.
var ErrClosed = errors.New("loadtest: connection closed")

// Metrics is what one client observed over its lifetime.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesSent     int
	MessagesReceived int
	Echoes           int
	Rejections       int
	Errors           int
}

// Client is one simulated user. Sent messages are timed until the relay
// echoes them back to the sender.
type Client struct {
	conn net.Conn
	rw   io.ReadWriter // frames from the handshake buffer first, then conn
	wmu  sync.Mutex

	mu        sync.Mutex
	sessionID string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	pending   map[string]time.Time
	onEcho    func(time.Duration)

	session   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and starts reading frames in the background.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		pending:  make(map[string]time.Time),
		session:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// The server may write right after the upgrade response, in which case
	// those frames are already in br.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{c}}

	go c.readLoop()
	return c, nil
}

// On registers handler for a server message type, replacing any earlier one.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// OnEcho registers a callback receiving the round trip of every message this
// client sent and later saw relayed back to itself.
func (c *Client) OnEcho(fn func(time.Duration)) {
	c.mu.Lock()
	c.onEcho = fn
	c.mu.Unlock()
}

// WaitForSession blocks until the relay has assigned a connection ID.
func (c *Client) WaitForSession(ctx context.Context) (string, error) {
	select {
	case <-c.session:
		return c.SessionID(), nil
	case <-c.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SessionID returns the connection ID, or "" before session_created.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Identify claims a display name.
func (c *Client) Identify(name string) error {
	return c.write(protocol.IdentifyMsg{Type: protocol.TypeIdentify, Name: name})
}

// SendText sends a chat message. An empty recipientID broadcasts. The text
// doubles as the echo key, so callers should keep it unique.
func (c *Client) SendText(text, recipientID string) error {
	if recipientID == "" {
		recipientID = chat.BroadcastTarget
	}
	c.mu.Lock()
	c.pending[text] = time.Now()
	c.metrics.MessagesSent++
	c.mu.Unlock()

	return c.write(protocol.SendMessageMsg{
		Type:        protocol.TypeSendMessage,
		Text:        text,
		RecipientID: recipientID,
	})
}

// Typing sends a typing indicator.
func (c *Client) Typing(recipientID string) error {
	return c.write(protocol.TypingMsg{Type: protocol.TypeTyping, RecipientID: recipientID})
}

// Metrics returns a copy of what the client has observed so far.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Done is closed once the read loop has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// lockedWriter lets the read loop answer control frames without interleaving
// with application writes.
type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.wmu.Lock()
	defer w.c.wmu.Unlock()
	return w.c.conn.Write(p)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	c.mu.Lock()
	c.metrics.MessagesReceived++
	var echo func()
	switch env.Type {
	case protocol.TypeSessionCreated:
		var m protocol.SessionCreatedMsg
		if json.Unmarshal(data, &m) == nil && c.sessionID == "" && m.SessionID != "" {
			c.sessionID = m.SessionID
			close(c.session)
		}
	case protocol.TypeMessageBroadcast, protocol.TypeMessageDirect:
		var m protocol.ServerChatMsg
		if json.Unmarshal(data, &m) == nil && m.SenderID == c.sessionID {
			if sent, ok := c.pending[m.Text]; ok {
				delete(c.pending, m.Text)
				c.metrics.Echoes++
				if fn := c.onEcho; fn != nil {
					d := time.Since(sent)
					echo = func() { fn(d) }
				}
			}
		}
	case protocol.TypeSystemNotice:
		var m protocol.SystemNoticeMsg
		if json.Unmarshal(data, &m) == nil && m.Kind != "info" {
			c.metrics.Rejections++
		}
	case protocol.TypeError:
		c.metrics.Errors++
	}
	handler := c.handlers[env.Type]
	c.mu.Unlock()

	if echo != nil {
		echo()
	}
	if handler != nil {
		handler(json.RawMessage(data))
	}
}
