package ws

import (
	"errors"
	"log"

	"github.com/whisper/courier/internal/apperr"
	"github.com/whisper/courier/internal/auth"
	"github.com/whisper/courier/internal/protocol"
)

// MessageHandler handles one parsed and validated client event. The session
// is the one verified at upgrade time.
type MessageHandler func(conn *Connection, session auth.Session, msg protocol.ClientMessage)

// MessageDispatcher routes inbound events to handlers by type. Ping is
// answered internally; malformed, unknown and invalid events get an error
// event back and never reach a handler.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's OnMessage hook.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		var appErr *apperr.AppError
		if !errors.As(err, &appErr) {
			err = apperr.Wrap(apperr.CodeValidation, "invalid message format", err)
		}
		log.Printf("ws: rejected event conn=%s user=%s: %v", conn.ID, conn.UserID(), err)
		SendError(conn, err)
		return
	}

	if msg.MessageType() == protocol.TypePing {
		Reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msg.MessageType()]
	if !ok {
		SendError(conn, apperr.Validation("unsupported message type"))
		return
	}
	handler(conn, conn.Session, msg)
}

// Reply encodes payload as a msgType event and writes it to conn only.
func Reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s conn=%s: %v", msgType, conn.ID, err)
	}
}

// SendError writes an error event for err to conn. Internal causes are not
// exposed to the client.
func SendError(conn *Connection, err error) {
	data, buildErr := protocol.NewErrorMessage(err)
	if buildErr != nil {
		log.Printf("ws: failed to build error conn=%s: %v", conn.ID, buildErr)
		return
	}
	if writeErr := conn.WriteMessage(data); writeErr != nil {
		log.Printf("ws: failed to send error conn=%s: %v", conn.ID, writeErr)
	}
}
