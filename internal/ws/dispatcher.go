package ws

import (
	"errors"

	"go.uber.org/zap"

	"github.com/coursehub/chat-app/internal/protocol"
)

// HandlerFunc processes a decoded client message on behalf of a connection.
// The msg argument is the concrete protocol struct for the registered type.
type HandlerFunc func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming client messages to registered handlers
// by message type. Ping is answered built-in; unknown types and malformed
// payloads produce protocol error frames.
type MessageDispatcher struct {
	handlers map[string]HandlerFunc
	server   *Server
	log      *zap.Logger
}

// NewMessageDispatcher creates a dispatcher bound to the given server.
func NewMessageDispatcher(server *Server, log *zap.Logger) *MessageDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageDispatcher{
		handlers: make(map[string]HandlerFunc),
		server:   server,
		log:      log,
	}
}

// Register binds a handler to a client message type. Registration happens
// before the server starts; no locking is needed.
func (d *MessageDispatcher) Register(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch parses a raw frame and routes it to the matching handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			d.log.Debug("unsupported message type",
				zap.String("conn_id", conn.ID),
				zap.String("type", msgType))
			d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		d.log.Debug("unparseable message",
			zap.String("conn_id", conn.ID),
			zap.Error(err))
		d.SendError(conn, protocol.CodeParse, "malformed message")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// SendError writes a protocol error frame to the connection. Send failures
// are logged and otherwise ignored; the read path owns connection teardown.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.log.Error("marshal error frame", zap.Error(err))
		return
	}
	if err := d.server.SendMessage(conn.ID, data); err != nil {
		d.log.Debug("send error frame failed",
			zap.String("conn_id", conn.ID),
			zap.Error(err))
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		return
	}
	_ = d.server.SendMessage(conn.ID, data)
}
