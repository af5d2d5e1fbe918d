// Package protocol defines the WebSocket event types and structures exchanged
// between clients and the presence server. All events are serialized as JSON
// and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypePing        = "ping"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeTyping      = "typing"
	TypeMessage     = "message"
	TypeReadReceipt = "read_receipt"
	TypeResync      = "resync"
)

// Server -> Client event types. TypeTyping, TypeMessage and TypeReadReceipt
// are shared with the inbound vocabulary; the payload structs differ.
const (
	TypeConnectionAccepted = "connection_accepted"
	TypePong               = "pong"
	TypeRoomJoined         = "room_joined"
	TypeRoomLeft           = "room_left"
	TypeMessageSent        = "message_sent"
	TypePresence           = "presence"
	TypeResyncResult       = "resync_result"
	TypeError              = "error"
)

// Error codes carried by ErrorEvent.
const (
	CodeParseError       = "parse_error"
	CodeUnsupportedType  = "unsupported_type"
	CodeInvalidMessage   = "invalid_message"
	CodeInvalidRoom      = "invalid_room"
	CodeRateLimited      = "rate_limited"
	CodeStoreUnavailable = "store_unavailable"
)

// ErrUnknownType marks an event whose JSON was well-formed but whose type is
// not part of the client vocabulary. Callers distinguish it from plain parse
// failures with errors.Is.
var ErrUnknownType = errors.New("protocol: unknown client event type")

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// PingEvent is a client-initiated heartbeat.
type PingEvent struct {
	Type string `json:"type"`
}

// JoinRoomEvent subscribes the identity to a room.
type JoinRoomEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveRoomEvent unsubscribes the identity from a room.
type LeaveRoomEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// TypingEvent signals that the identity started or stopped composing a
// message in a room. A start refreshes the server-side expiry window.
type TypingEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// MessageEvent carries a new chat message for a room. The optional TempID is
// echoed back in the delivery ack so clients can reconcile optimistic sends.
type MessageEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
	TempID string `json:"temp_id,omitempty"`
}

// ReadReceiptEvent marks a message as read by the sending identity.
type ReadReceiptEvent struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
}

// ResyncEvent requests a bounded replay of messages after a cursor,
// typically after a reconnect.
type ResyncEvent struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	AfterID int64  `json:"after_id"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ConnectionAcceptedEvent is sent once after a successful handshake and
// registration.
type ConnectionAcceptedEvent struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connection_id"`
	Identity     string   `json:"identity"`
	Rooms        []string `json:"rooms"`
}

// PongEvent is the server's response to a client ping.
type PongEvent struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// RoomJoinedEvent acknowledges a join_room request.
type RoomJoinedEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// RoomLeftEvent acknowledges a leave_room request.
type RoomLeftEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// ServerTypingEvent relays a typing change to room members.
type ServerTypingEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	Identity string `json:"identity"`
	IsTyping bool   `json:"is_typing"`
}

// ServerMessageEvent relays a persisted chat message to room members.
type ServerMessageEvent struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// MessageSentEvent is the delivery ack for the originating connection.
type MessageSentEvent struct {
	Type      string `json:"type"`
	TempID    string `json:"temp_id,omitempty"`
	MessageID int64  `json:"message_id"`
}

// ServerReadReceiptEvent relays a read receipt to room members.
type ServerReadReceiptEvent struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
	Identity  string `json:"identity"`
	ReadAt    int64  `json:"read_at"`
}

// PresenceEvent notifies room members of an identity's online/offline change.
type PresenceEvent struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
}

// ResyncMessage is one historical message inside a ResyncResultEvent.
type ResyncMessage struct {
	MessageID int64  `json:"message_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// ResyncResultEvent replies to a resync request on the requesting connection
// only.
type ResyncResultEvent struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"room_id"`
	Messages []ResyncMessage `json:"messages"`
}

// ErrorEvent communicates an error condition to a single connection. The
// Retryable flag distinguishes transient collaborator failures from
// client-side mistakes.
type ErrorEvent struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event. It
// returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypePing:
		var m PingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReadReceipt:
		var m ReadReceiptEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeResync:
		var m ResyncEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerEvent creates a JSON-encoded byte slice for a server event. The
// eventType is injected into the payload under the "type" key so callers do
// not have to fill the Type field on every struct.
func NewServerEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = eventType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
