// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/whisper/courier/internal/apperr"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeUserMessage         = "user_message"
	TypeMessageStatusUpdate = "message_status_update"
	TypeTypingIndicator     = "typing_indicator" // also sent server -> client
	TypeRefreshConversation = "refresh_conversation"
	TypePing                = "ping"
)

// Server -> Client message types.
const (
	TypeNewMessage               = "new_message"
	TypeMessageSent              = "message_sent"
	TypeMessageStatus            = "message_status"
	TypeConversationStatusUpdate = "conversation_status_update"
	TypeMessagesRefreshed        = "messages_refreshed"
	TypeAdminNotification        = "admin_notification"
	TypeRateLimited              = "rate_limited"
	TypeError                    = "error"
	TypePong                     = "pong"
)

// DefaultMaxPayloadBytes bounds a single inbound frame.
const DefaultMaxPayloadBytes = 16 * 1024

// Delivery status values as they appear on the wire.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ClientMessage is implemented by every inbound event. The set is closed:
// ParseClientMessage only ever returns the types declared in this file, and
// each is validated before it is handed to a handler.
type ClientMessage interface {
	MessageType() string
	Validate() error
}

// UserMessageMsg asks the server to send a chat message to ReceiverID.
type UserMessageMsg struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// MessageStatusUpdateMsg is sent by the receiver of a message to advance its
// delivery status.
type MessageStatusUpdateMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	Status    string `json:"status"`
}

// TypingIndicatorMsg tells the server the client started or stopped typing
// to ReceiverID.
type TypingIndicatorMsg struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// RefreshConversationMsg asks for the current state of the conversation
// with OtherUserID.
type RefreshConversationMsg struct {
	Type        string `json:"type"`
	OtherUserID string `json:"otherUserId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

func (UserMessageMsg) MessageType() string         { return TypeUserMessage }
func (MessageStatusUpdateMsg) MessageType() string { return TypeMessageStatusUpdate }
func (TypingIndicatorMsg) MessageType() string     { return TypeTypingIndicator }
func (RefreshConversationMsg) MessageType() string { return TypeRefreshConversation }
func (PingMsg) MessageType() string                { return TypePing }

// Validate checks the fields the pipeline relies on. Content rules beyond
// presence (length, encoding) are enforced by the delivery pipeline so that
// REST and socket sends share them.
func (m UserMessageMsg) Validate() error {
	if strings.TrimSpace(m.ReceiverID) == "" {
		return apperr.Validation("receiverId is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return apperr.Validation("message content is empty")
	}
	return nil
}

func (m MessageStatusUpdateMsg) Validate() error {
	if m.MessageID <= 0 {
		return apperr.Validation("messageId is required")
	}
	switch m.Status {
	case StatusSent, StatusDelivered, StatusRead:
		return nil
	default:
		return apperr.Validation(fmt.Sprintf("unknown status %q", m.Status))
	}
}

func (m TypingIndicatorMsg) Validate() error {
	if strings.TrimSpace(m.ReceiverID) == "" {
		return apperr.Validation("receiverId is required")
	}
	return nil
}

func (m RefreshConversationMsg) Validate() error {
	if strings.TrimSpace(m.OtherUserID) == "" {
		return apperr.Validation("otherUserId is required")
	}
	return nil
}

func (PingMsg) Validate() error { return nil }

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// MessageView is the wire form of a persisted chat message.
type MessageView struct {
	ID         int64  `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
}

// NewMessageMsg carries a message to every connection of its sender and
// receiver.
type NewMessageMsg struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

// MessageSentMsg acknowledges a user_message to the connection that sent it.
type MessageSentMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	Status    string `json:"status"`
}

// MessageStatusMsg tells a sender that one of their messages advanced.
type MessageStatusMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	Status    string `json:"status"`
}

// ServerTypingMsg relays a typing indicator to the receiver.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

// ConversationStatusMsg reports the block state of a conversation.
type ConversationStatusMsg struct {
	Type        string `json:"type"`
	OtherUserID string `json:"otherUserId"`
	IsBlocked   bool   `json:"isBlocked"`
}

// MessagesRefreshedMsg tells the client to re-fetch the message list for a
// conversation through the REST surface.
type MessagesRefreshedMsg struct {
	Type        string `json:"type"`
	OtherUserID string `json:"otherUserId"`
}

// FlagView is the wire form of a moderation flag.
type FlagView struct {
	ID         int64  `json:"id"`
	MessageID  int64  `json:"messageId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Reason     string `json:"reason"`
	Reviewed   bool   `json:"reviewed"`
	Timestamp  int64  `json:"timestamp"`
}

// AdminNotificationMsg is pushed to online moderators.
type AdminNotificationMsg struct {
	Type  string   `json:"type"`
	Event string   `json:"event"` // "message_flagged"
	Flag  FlagView `json:"flag"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"` // seconds
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed, validated
// client message. An error is returned for malformed JSON, unknown or
// server-only message types, and payloads that fail validation; validation
// failures carry apperr.CodeValidation.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg ClientMessage
		err error
	)

	switch env.Type {
	case TypeUserMessage:
		var m UserMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageStatusUpdate:
		var m MessageStatusUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingIndicator:
		var m TypingIndicatorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRefreshConversation:
		var m RefreshConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewServerMessage encodes payload as a server event of type msgType. The
// server message structs in this package carry their own Type field, which
// is set on a copy before marshalling. Any other payload must encode to a
// JSON object; "type" is added to it without re-decoding the other fields,
// so int64 IDs keep their precision.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	if t, ok := payload.(typedMessage); ok {
		out, err := json.Marshal(t.withType(msgType))
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
		}
		return out, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}
	typeRaw, _ := json.Marshal(msgType)
	fields["type"] = typeRaw

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

type typedMessage interface {
	withType(msgType string) interface{}
}

func (m NewMessageMsg) withType(t string) interface{}         { m.Type = t; return m }
func (m MessageSentMsg) withType(t string) interface{}        { m.Type = t; return m }
func (m MessageStatusMsg) withType(t string) interface{}      { m.Type = t; return m }
func (m ServerTypingMsg) withType(t string) interface{}       { m.Type = t; return m }
func (m ConversationStatusMsg) withType(t string) interface{} { m.Type = t; return m }
func (m MessagesRefreshedMsg) withType(t string) interface{}  { m.Type = t; return m }
func (m AdminNotificationMsg) withType(t string) interface{}  { m.Type = t; return m }
func (m RateLimitedMsg) withType(t string) interface{}        { m.Type = t; return m }
func (m ErrorMsg) withType(t string) interface{}              { m.Type = t; return m }
func (m PongMsg) withType(t string) interface{}               { m.Type = t; return m }

// NewErrorMessage builds an "error" event from any error, using the code and
// client-safe message from package apperr.
func NewErrorMessage(err error) ([]byte, error) {
	return NewServerMessage(TypeError, ErrorMsg{
		Code:    string(apperr.CodeOf(err)),
		Message: apperr.MessageOf(err),
	})
}
