package ws

import (
	"github.com/rs/zerolog"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
)

// MessageHandler handles one parsed client message and returns the messages
// to deliver as a result. msg is the concrete struct returned by
// protocol.ParseClientMessage (protocol.IdentifyMsg, protocol.SendMessageMsg,
// and so on).
type MessageHandler func(conn *Connection, msg interface{}) []protocol.Outbound

// MessageDispatcher routes incoming frames to registered handlers by message
// type. It answers application-level pings itself and replies with an error
// frame to malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	log      zerolog.Logger
}

// NewMessageDispatcher creates a MessageDispatcher. server may be nil and set
// later with SetServer, since NewServer takes Dispatch as its callback.
func NewMessageDispatcher(server *Server, log zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// SetServer assigns the Server that delivers handler results.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("invalid").Inc()
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("parse error")
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}
	metrics.FramesTotal.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str("conn", conn.ID).Msg("unsupported message type")
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	outs := handler(conn, msg)
	if d.server != nil {
		d.server.Deliver(outs)
	}
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error().Err(err).Str("type", msgType).Msg("encode reply failed")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Str("type", msgType).Msg("reply failed")
	}
}
