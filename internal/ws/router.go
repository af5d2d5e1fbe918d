package ws

import (
	"errors"
	"log"

	"github.com/roomwire/presence/internal/metrics"
	"github.com/roomwire/presence/internal/protocol"
	"github.com/roomwire/presence/internal/registry"
)

// EventHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientEvent (e.g., protocol.JoinRoomEvent).
type EventHandler func(c *registry.Connection, msg interface{})

// Router routes inbound WebSocket events to registered handlers based on the
// event type. Malformed payloads and unsupported types are reported back to
// the offending connection only, as error events; they never affect other
// connections or rooms.
type Router struct {
	handlers map[string]EventHandler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]EventHandler)}
}

// Register associates an EventHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (r *Router) Register(eventType string, handler EventHandler) {
	r.handlers[eventType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event and routes it to the registered handler. Parse errors
// and unregistered types result in an error event sent back to the client.
func (r *Router) Dispatch(c *registry.Connection, data []byte) {
	eventType, msg, err := protocol.ParseClientEvent(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("ws: unknown event type=%q conn=%s", eventType, c.ID)
			r.sendError(c, protocol.CodeUnsupportedType, "unsupported event type")
			return
		}
		log.Printf("ws: dispatch parse error conn=%s: %v", c.ID, err)
		r.sendError(c, protocol.CodeParseError, "invalid event format")
		return
	}

	handler, ok := r.handlers[eventType]
	if !ok {
		log.Printf("ws: unsupported event type=%q conn=%s", eventType, c.ID)
		r.sendError(c, protocol.CodeUnsupportedType, "unsupported event type")
		return
	}

	metrics.InboundEvents.WithLabelValues(eventType).Inc()
	handler(c, msg)
}

// sendError sends a structured error event back to the client. Errors during
// event construction or transmission are logged but not propagated.
func (r *Router) sendError(c *registry.Connection, code string, message string) {
	data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorEvent{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error event conn=%s: %v", c.ID, err)
		return
	}

	if err := c.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error event conn=%s: %v", c.ID, err)
	}
}
