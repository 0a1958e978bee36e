package ws

import (
	"log"

	"github.com/parley/chat-relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (protocol.IdentifyMsg, protocol.MessageMsg,
// protocol.TypingMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket events to registered handlers
// based on the event type. Malformed payloads and unknown types are dropped
// silently: the connection stays open, nothing is relayed, and no error is
// sent back to the client.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
// The server reference is used to send responses back to clients.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports the
// initialization pattern where the dispatcher is created before the server
// (since NewServer requires the Dispatch callback).
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event and routes it to the registered handler. A payload that
// fails to parse, or names a type with no handler, is logged and discarded
// without any reply.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dropping malformed event conn=%s: %v", conn.ID, err)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: dropping event with unknown type=%q conn=%s", msgType, conn.ID)
		return
	}

	handler(conn, msg)
}
