package ws

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/video-chat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinQueueMsg, protocol.SDPMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself, enforces the
// per-connection message budget and sends structured errors for malformed
// or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   zerolog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   log.With().Str("component", "ws").Logger(),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	if !conn.Allow() {
		d.logger.Debug().Str("participant", conn.ID).Msg("message budget exceeded")
		Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: 1})
		return
	}

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if ve, ok := protocol.AsValidationError(err); ok {
			d.logger.Debug().Str("participant", conn.ID).Str("type", msgType).
				Str("field", ve.Field).Msg("invalid payload")
			d.sendError(conn, protocol.CodeInvalidPayload, ve.Error())
			return
		}
		if msgType != "" && isUnknownType(msgType) {
			d.logger.Debug().Str("participant", conn.ID).Str("type", msgType).Msg("unsupported message type")
			d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		d.logger.Debug().Err(err).Str("participant", conn.ID).Msg("parse error")
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		conn.Touch()
		Send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug().Str("participant", conn.ID).Str("type", msgType).Msg("no handler registered")
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	Send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// Send encodes and writes a server message directly to conn. Failures are
// logged; a dead connection is reaped by the read path or the heartbeat.
func Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("failed to build server message")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("participant", conn.ID).Str("type", msgType).Msg("write failed")
	}
}

var knownTypes = map[string]bool{
	protocol.TypeSetFingerprint:  true,
	protocol.TypeJoinQueue:       true,
	protocol.TypeLeaveQueue:      true,
	protocol.TypeSkip:            true,
	protocol.TypeOffer:           true,
	protocol.TypeAnswer:          true,
	protocol.TypeCandidate:       true,
	protocol.TypeConnectionState: true,
	protocol.TypeEndSession:      true,
	protocol.TypeReport:          true,
	protocol.TypePing:            true,
}

func isUnknownType(msgType string) bool {
	return !knownTypes[msgType]
}
