package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/whisper/courier/internal/apperr"
	"github.com/whisper/courier/internal/protocol"
)

// Status is a message's position in the delivery state machine.
type Status string

const (
	StatusSent      Status = protocol.StatusSent
	StatusDelivered Status = protocol.StatusDelivered
	StatusRead      Status = protocol.StatusRead
)

// Rank orders statuses: sent < delivered < read. Unknown values rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.Rank() > 0 }

// Ahead reports whether s is strictly after other.
func (s Status) Ahead(other Status) bool { return s.Rank() > other.Rank() }

// ParseStatus converts a wire value to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", apperr.Validation(fmt.Sprintf("unknown status %q", v))
	}
	return s, nil
}

// Message is a persisted chat message. Content never changes after
// creation; Status only moves forward.
type Message struct {
	ID         int64
	SenderID   string
	ReceiverID string
	Content    string
	Status     Status
	CreatedAt  time.Time
}

// View converts m to its wire form.
func (m *Message) View() protocol.MessageView {
	return protocol.MessageView{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Status:     string(m.Status),
		Timestamp:  m.CreatedAt.UnixMilli(),
	}
}

// Store persists messages.
type Store interface {
	// CreateMessage inserts m and fills in ID and CreatedAt.
	CreateMessage(ctx context.Context, m *Message) error
	// GetMessage returns (nil, nil) when id does not exist.
	GetMessage(ctx context.Context, id int64) (*Message, error)
	// AdvanceStatus moves message id to `to` only if `to` is strictly ahead
	// of its stored status, atomically. It reports whether the row changed.
	AdvanceStatus(ctx context.Context, id int64, to Status) (bool, error)
	// MarkRead advances every message from senderID to receiverID that is
	// not yet read and returns their IDs in ascending order.
	MarkRead(ctx context.Context, receiverID, senderID string) ([]int64, error)
	// ListMessages returns the page of the conversation between a and b
	// that skips the newest offset messages, oldest first, and the total
	// number of messages in the conversation.
	ListMessages(ctx context.Context, a, b string, limit, offset int) ([]*Message, int, error)
	Ping(ctx context.Context) error
}

// Content limits for a single message.
const (
	MaxMessageBytes = 4096
	MaxTextChars    = 2000
)

// ValidateContent checks that a chat message meets content requirements.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.Validation("message content is empty")
	}
	if len(text) > MaxMessageBytes {
		return apperr.Validation(fmt.Sprintf("message exceeds %d byte limit", MaxMessageBytes))
	}
	if !utf8.ValidString(text) {
		return apperr.Validation("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return apperr.Validation(fmt.Sprintf("message exceeds %d character limit", MaxTextChars))
	}
	return nil
}
