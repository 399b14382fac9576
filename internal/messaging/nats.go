// Package messaging wraps the NATS connection used to fan relayed messages
// out to background consumers such as the moderation auditor.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/moderation"
)

// NATS subjects.
const (
	SubjectMessage = "relay.message"      // every delivered message
	SubjectFlagged = "moderation.flagged" // audit findings
	SubjectMute    = "moderation.mute"    // mutes issued by the auditor
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "whisper-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	log = log.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// PublishMessage publishes a delivered message on relay.message. The context
// is only checked for cancellation; NATS core publishes do not block on the
// server.
func (c *NATSClient) PublishMessage(ctx context.Context, m chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(chat.EventFromMessage(m))
	if err != nil {
		return fmt.Errorf("nats: encode message %s: %w", m.ID, err)
	}
	return c.Publish(SubjectMessage, data)
}

// SubscribeMessages delivers every relay.message event to handler. Events
// that fail to decode are logged and dropped.
func (c *NATSClient) SubscribeMessages(handler func(chat.MessageEvent)) error {
	return c.Subscribe(SubjectMessage, func(msg *nats.Msg) {
		var ev chat.MessageEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event")
			return
		}
		handler(ev)
	})
}

// PublishFlagged publishes an audit finding on moderation.flagged.
func (c *NATSClient) PublishFlagged(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats: encode flag: %w", err)
	}
	return c.Publish(SubjectFlagged, data)
}

// PublishMute publishes a mute on moderation.mute.
func (c *NATSClient) PublishMute(m moderation.Mute) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("nats: encode mute: %w", err)
	}
	return c.Publish(SubjectMute, data)
}

// SubscribeMutes delivers every moderation.mute event to handler.
func (c *NATSClient) SubscribeMutes(handler func(moderation.Mute)) error {
	return c.Subscribe(SubjectMute, func(msg *nats.Msg) {
		var m moderation.Mute
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			c.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed mute")
			return
		}
		handler(m)
	})
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}
}
