package relay

import (
	"context"
	"time"

	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ws"
)

// eventTimeout bounds the store calls made while handling one event.
const eventTimeout = 5 * time.Second

// Attach registers the controller's event handlers with the transport.
func (c *Controller) Attach(server *ws.Server, d *ws.MessageDispatcher) {
	server.SetOnConnect(func(connID string) []protocol.Outbound {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		return c.Connect(ctx, connID)
	})
	server.SetOnDisconnect(func(connID string) []protocol.Outbound {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		return c.Disconnect(ctx, connID)
	})

	d.Register(protocol.TypeIdentify, c.handle(func(ctx context.Context, connID string, msg interface{}) []protocol.Outbound {
		return c.Identify(ctx, connID, msg.(protocol.IdentifyMsg).Name)
	}))
	d.Register(protocol.TypeSendMessage, c.handle(func(ctx context.Context, connID string, msg interface{}) []protocol.Outbound {
		m := msg.(protocol.SendMessageMsg)
		outs, err := c.Send(ctx, connID, m.Text, m.RecipientID)
		if err != nil {
			c.log.Debug().Err(err).Str("conn", connID).Msg("send rejected")
		}
		return outs
	}))
	d.Register(protocol.TypeTyping, c.handle(func(ctx context.Context, connID string, msg interface{}) []protocol.Outbound {
		return c.Typing(ctx, connID, msg.(protocol.TypingMsg).RecipientID)
	}))
	d.Register(protocol.TypeStopTyping, c.handle(func(ctx context.Context, connID string, msg interface{}) []protocol.Outbound {
		return c.StopTyping(ctx, connID, msg.(protocol.TypingMsg).RecipientID)
	}))
}

func (c *Controller) handle(fn func(ctx context.Context, connID string, msg interface{}) []protocol.Outbound) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) []protocol.Outbound {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		return fn(ctx, conn.ID, msg)
	}
}
