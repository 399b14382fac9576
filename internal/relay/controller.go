// Package relay implements the session lifecycle controller: it owns every
// connection's state and turns connect, identify, send, typing and
// disconnect events into the set of messages the transport must deliver.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/history"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/router"
)

// State is the lifecycle state of a connection.
type State int

const (
	StateConnected State = iota + 1
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type connection struct {
	state      State
	name       string
	mutedUntil time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithUserStore persists user status on identify and disconnect.
func WithUserStore(s UserStore) Option {
	return func(c *Controller) { c.users = s }
}

// WithMessageStore replaces the default in-memory message store.
func WithMessageStore(s MessageStore) Option {
	return func(c *Controller) { c.messages = s }
}

// WithEventSink publishes every delivered message to s.
func WithEventSink(s EventSink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithMuteList re-applies stored mutes when a connection identifies.
func WithMuteList(m MuteList) Option {
	return func(c *Controller) { c.mutes = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithHistoryLimit sets how many messages are sent to a newly identified
// connection. Zero disables history.
func WithHistoryLimit(n int) Option {
	return func(c *Controller) { c.historyLimit = n }
}

// Controller is the single owner of connection state. Connections, the
// presence registry and the cooldown table change only under mu, and no
// store or sink call is made while mu is held.
type Controller struct {
	mu       sync.Mutex
	conns    map[string]*connection
	registry *presence.Registry
	cooldown *ratelimit.Cooldown
	filter   *moderation.Filter

	users    UserStore
	messages MessageStore
	sink     EventSink
	mutes    MuteList

	now          func() time.Time
	historyLimit int
	log          zerolog.Logger
}

// NewController creates a Controller. Without WithMessageStore messages are
// kept in a bounded in-memory buffer.
func NewController(filter *moderation.Filter, cooldown *ratelimit.Cooldown, log zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		conns:        make(map[string]*connection),
		registry:     presence.NewRegistry(),
		cooldown:     cooldown,
		filter:       filter,
		now:          time.Now,
		historyLimit: history.DefaultLimit,
		log:          log.With().Str("component", "relay").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.messages == nil {
		c.messages = history.NewMemoryStore(chat.DefaultBufferSize)
	}
	if c.cooldown == nil {
		c.cooldown = ratelimit.NewCooldown(ratelimit.DefaultCooldown)
	}
	if c.filter == nil {
		c.filter = moderation.NewFilter()
	}
	return c
}

// Registry exposes the presence registry for read access.
func (c *Controller) Registry() *presence.Registry {
	return c.registry
}

// State returns the lifecycle state of connID. Unknown connections report
// StateClosed.
func (c *Controller) State(connID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.conns[connID]; ok {
		return cs.state
	}
	return StateClosed
}

// Connect registers a new connection. The newcomer receives the current
// presence snapshot and every connection receives the new connection count.
func (c *Controller) Connect(ctx context.Context, connID string) []protocol.Outbound {
	c.mu.Lock()
	if _, ok := c.conns[connID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.conns[connID] = &connection{state: StateConnected}
	presenceOut := c.presenceLocked([]string{connID})
	totalOut := c.totalLocked()
	c.mu.Unlock()

	c.log.Debug().Str("conn", connID).Msg("connected")
	return []protocol.Outbound{presenceOut, totalOut}
}

// Identify sets or replaces the display name of connID and broadcasts the
// new presence snapshot. On the first identify the connection also receives
// its recent history.
func (c *Controller) Identify(ctx context.Context, connID, name string) []protocol.Outbound {
	name, err := chat.NormalizeName(name)
	if err != nil {
		if !c.isLive(connID) {
			return nil
		}
		return []protocol.Outbound{c.notice(connID, chat.NoticeError, "Invalid name: "+err.Error()+".")}
	}

	c.mu.Lock()
	cs, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	first := cs.state == StateConnected
	cs.state = StateIdentified
	cs.name = name
	c.registry.SetIdentity(connID, name)
	metrics.PresenceSize.Set(float64(c.registry.Len()))
	outs := []protocol.Outbound{c.presenceLocked(c.liveIDsLocked())}
	c.mu.Unlock()

	c.log.Info().Str("conn", connID).Str("name", name).Bool("first", first).Msg("identified")

	if c.users != nil {
		if prev, err := c.users.FindUserBySocket(ctx, connID); err == nil && prev != nil && prev.Name != name {
			c.log.Debug().Str("conn", connID).Str("from", prev.Name).Str("to", name).Msg("renamed")
		}
		if _, err := c.users.UpsertUser(ctx, connID, name); err != nil {
			c.log.Error().Err(err).Str("conn", connID).Msg("upsert user failed")
			outs = append(outs, c.notice(connID, chat.NoticeError, "Your status could not be saved. Chat is still available."))
		}

		// A disconnect may have marked the user while the upsert was in
		// flight; the upsert must not resurrect a closed socket.
		c.mu.Lock()
		gone := c.conns[connID] != cs
		c.mu.Unlock()
		if gone {
			if _, err := c.users.MarkDisconnected(ctx, connID); err != nil {
				c.log.Error().Err(err).Str("conn", connID).Msg("mark disconnected failed")
			}
			return nil
		}
	}

	if c.mutes != nil {
		d, err := c.mutes.MutedFor(ctx, name)
		if err != nil {
			c.log.Warn().Err(err).Str("conn", connID).Msg("mute lookup failed")
		} else if d > 0 {
			outs = append(outs, c.Mute(connID, d)...)
		}
	}

	if first && c.historyLimit > 0 {
		msgs, err := c.messages.GetHistory(ctx, name, c.historyLimit)
		if err != nil {
			c.log.Error().Err(err).Str("conn", connID).Msg("load history failed")
		} else if len(msgs) > 0 {
			outs = append(outs, protocol.Outbound{
				To:      []string{connID},
				Type:    protocol.TypeHistory,
				Payload: protocol.NewHistoryMsg(msgs),
			})
		}
	}
	return outs
}

// Send relays text from connID to recipientID ("all" or a connection ID).
// Checks run in order: identity, input validation, cooldown, moderation,
// persistence. The first failure yields a notice to the sender only and the
// matching error. Events for unknown connections are ignored.
func (c *Controller) Send(ctx context.Context, connID, text, recipientID string) ([]protocol.Outbound, error) {
	start := time.Now()

	c.mu.Lock()
	cs, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return nil, nil
	}
	msg, err := c.admitLocked(connID, cs, text, recipientID)
	c.mu.Unlock()
	if err != nil {
		return c.reject(connID, err), err
	}

	if err := c.messages.SaveMessage(ctx, msg); err != nil {
		c.log.Error().Err(err).Str("conn", connID).Str("msg", msg.ID).Msg("save message failed")
		err = fmt.Errorf("%w: %v", ErrPersistence, err)
		return c.reject(connID, err), err
	}

	c.mu.Lock()
	if c.conns[connID] != cs {
		c.mu.Unlock()
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		c.log.Debug().Str("conn", connID).Str("msg", msg.ID).Msg("sender left before delivery")
		return nil, nil
	}
	to := router.Route(msg, c.registry.Has, c.registry.IDs())
	c.mu.Unlock()

	msgType := protocol.TypeMessageBroadcast
	if !msg.Recipient.IsBroadcast() {
		msgType = protocol.TypeMessageDirect
		if msg.RecipientName == "" {
			c.log.Debug().Str("conn", connID).Str("target", msg.Recipient.ID()).Msg("direct target not present")
		}
	}

	if c.sink != nil {
		if err := c.sink.PublishMessage(ctx, msg); err != nil {
			c.log.Warn().Err(err).Str("msg", msg.ID).Msg("publish message event failed")
		}
	}

	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	return []protocol.Outbound{{
		To:      to,
		Type:    msgType,
		Payload: protocol.NewServerChatMsg(msg),
	}}, nil
}

// admitLocked runs every pre-persistence check and builds the message.
func (c *Controller) admitLocked(connID string, cs *connection, text, recipientID string) (chat.Message, error) {
	if cs.state != StateIdentified {
		return chat.Message{}, ErrNotIdentified
	}
	if err := chat.ValidateMessage(text); err != nil {
		return chat.Message{}, &validationError{reason: err.Error()}
	}
	to, err := chat.ParseRecipient(recipientID)
	if err != nil {
		return chat.Message{}, &validationError{reason: err.Error()}
	}

	now := c.now()
	if ok, wait := c.cooldown.Allow(connID, now); !ok {
		return chat.Message{}, &RateLimitError{Wait: wait}
	}
	if now.Before(cs.mutedUntil) {
		return chat.Message{}, &MutedError{Wait: cs.mutedUntil.Sub(now)}
	}
	if res := c.filter.Check(text); res.Blocked {
		return chat.Message{}, &moderationError{result: res}
	}

	msg := chat.NewMessage(connID, cs.name, to, text, now)
	if !to.IsBroadcast() {
		if name, ok := c.registry.Name(to.ID()); ok {
			msg.RecipientName = name
		}
	}
	return msg, nil
}

type validationError struct {
	reason string
}

func (e *validationError) Error() string {
	return "relay: invalid input: " + e.reason
}

func (e *validationError) Unwrap() error {
	return ErrValidation
}

// moderationError keeps the filter result for the sender's notice.
type moderationError struct {
	result moderation.FilterResult
}

func (e *moderationError) Error() string {
	return "relay: rejected by moderation: " + e.result.Reason
}

func (e *moderationError) Unwrap() error {
	return ErrModerationRejected
}

// reject records the outcome and returns the notice for the sender.
func (c *Controller) reject(connID string, err error) []protocol.Outbound {
	var (
		kind    = chat.NoticeError
		content string
		outcome string
		rl      *RateLimitError
		mod     *moderationError
		inv     *validationError
		muted   *MutedError
	)
	switch {
	case errors.As(err, &rl):
		kind = chat.NoticeWarning
		outcome = metrics.OutcomeRateLimited
		content = fmt.Sprintf("You are sending messages too quickly. Please wait %ds.", ratelimit.WaitSeconds(rl.Wait))
	case errors.As(err, &muted):
		kind = chat.NoticeWarning
		outcome = metrics.OutcomeModerated
		content = fmt.Sprintf("You are muted. You can send messages again in %ds.", ratelimit.WaitSeconds(muted.Wait))
	case errors.As(err, &mod):
		outcome = metrics.OutcomeModerated
		content = moderation.Describe(mod.result)
		c.log.Info().Str("conn", connID).Str("reason", mod.result.Reason).Msg("message rejected by moderation")
	case errors.Is(err, ErrNotIdentified):
		outcome = metrics.OutcomeInvalid
		content = "Identify before sending messages."
	case errors.As(err, &inv):
		outcome = metrics.OutcomeInvalid
		content = "Message not sent: " + inv.reason + "."
	default:
		outcome = metrics.OutcomeFailed
		content = "Message could not be sent. Please try again."
	}
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	return []protocol.Outbound{c.notice(connID, kind, content)}
}

// Typing relays a typing indicator from connID. Unidentified senders and
// malformed targets are ignored.
func (c *Controller) Typing(ctx context.Context, connID, recipientID string) []protocol.Outbound {
	return c.typing(connID, recipientID, true)
}

// StopTyping clears connID's typing indicator.
func (c *Controller) StopTyping(ctx context.Context, connID, recipientID string) []protocol.Outbound {
	return c.typing(connID, recipientID, false)
}

func (c *Controller) typing(connID, recipientID string, active bool) []protocol.Outbound {
	to, err := chat.ParseRecipient(recipientID)
	if err != nil {
		return nil
	}

	c.mu.Lock()
	cs, ok := c.conns[connID]
	if !ok || cs.state != StateIdentified {
		c.mu.Unlock()
		return nil
	}
	audience := router.Audience(connID, to, c.registry.Has, c.registry.IDs())
	name := cs.name
	c.mu.Unlock()

	if len(audience) == 0 {
		return nil
	}
	text := ""
	if active {
		text = name + " is typing..."
	}
	return []protocol.Outbound{{
		To:   audience,
		Type: protocol.TypeTypingIndicator,
		Payload: protocol.TypingIndicatorMsg{
			SenderID:    connID,
			RecipientID: to.String(),
			Text:        text,
		},
	}}
}

// Disconnect closes connID, removing its presence entry and cooldown state,
// and tells the remaining connections. Unknown or already closed connections
// produce nothing.
func (c *Controller) Disconnect(ctx context.Context, connID string) []protocol.Outbound {
	c.mu.Lock()
	cs, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	wasIdentified := cs.state == StateIdentified
	cs.state = StateClosed
	delete(c.conns, connID)
	c.registry.Remove(connID)
	c.cooldown.Forget(connID)
	metrics.PresenceSize.Set(float64(c.registry.Len()))

	var outs []protocol.Outbound
	if remaining := c.liveIDsLocked(); len(remaining) > 0 {
		outs = []protocol.Outbound{c.presenceLocked(remaining), c.totalLocked()}
	}
	c.mu.Unlock()

	c.log.Debug().Str("conn", connID).Bool("identified", wasIdentified).Msg("disconnected")

	if wasIdentified && c.users != nil {
		if _, err := c.users.MarkDisconnected(ctx, connID); err != nil {
			c.log.Error().Err(err).Str("conn", connID).Msg("mark disconnected failed")
		}
	}
	return outs
}

// Mute blocks sends from connID for d and returns the notice telling it so.
// A shorter mute never cuts an existing one short. Unknown connections are
// ignored.
func (c *Controller) Mute(connID string, d time.Duration) []protocol.Outbound {
	if d <= 0 {
		return nil
	}
	c.mu.Lock()
	cs, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	until := c.now().Add(d)
	if until.After(cs.mutedUntil) {
		cs.mutedUntil = until
	}
	c.mu.Unlock()

	c.log.Info().Str("conn", connID).Dur("for", d).Msg("muted")
	return []protocol.Outbound{c.notice(connID, chat.NoticeWarning,
		fmt.Sprintf("You have been muted for %ds after repeated violations.", ratelimit.WaitSeconds(d)))}
}

// Reconcile marks users left connected by a previous run of this relay
// instance as disconnected. It returns how many records were fixed.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	if c.users == nil {
		return 0, nil
	}
	users, err := c.users.ListConnectedUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("relay: reconcile: %w", err)
	}

	fixed := 0
	for _, u := range users {
		if c.isLive(u.SocketID) {
			continue
		}
		if _, err := c.users.MarkDisconnected(ctx, u.SocketID); err != nil {
			return fixed, fmt.Errorf("relay: reconcile %s: %w", u.SocketID, err)
		}
		fixed++
	}
	if fixed > 0 {
		c.log.Info().Int("users", fixed).Msg("reconciled stale sessions")
	}
	return fixed, nil
}

// Shutdown disconnects every connection. Outbounds are discarded since the
// transport is already closed.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Disconnect(ctx, id)
	}
}

func (c *Controller) isLive(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conns[connID]
	return ok
}

func (c *Controller) liveIDsLocked() []string {
	ids := make([]string, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	return ids
}

// presenceLocked snapshots the registry together with its version so the
// transport can drop snapshots that arrive out of order.
func (c *Controller) presenceLocked(to []string) protocol.Outbound {
	users, version := c.registry.VersionedSnapshot()
	return protocol.Outbound{
		To:      to,
		Type:    protocol.TypePresenceUpdate,
		Payload: protocol.PresenceUpdateMsg{Users: users, Version: version},
	}
}

func (c *Controller) totalLocked() protocol.Outbound {
	return protocol.Outbound{
		To:      c.liveIDsLocked(),
		Type:    protocol.TypeClientsTotal,
		Payload: protocol.ClientsTotalMsg{Count: len(c.conns)},
	}
}

func (c *Controller) notice(connID string, kind chat.NoticeKind, content string) protocol.Outbound {
	return protocol.Outbound{
		To:   []string{connID},
		Type: protocol.TypeSystemNotice,
		Payload: protocol.NewSystemNoticeMsg(chat.Notice{
			Content:   content,
			Kind:      kind,
			Timestamp: c.now(),
		}),
	}
}
