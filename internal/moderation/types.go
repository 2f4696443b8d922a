package moderation

import (
	"context"
	"time"

	"github.com/whisper/courier/internal/protocol"
)

// FlaggedMessage is the review record created for a flagged message. The
// content is a snapshot taken at flag time.
type FlaggedMessage struct {
	ID         int64
	MessageID  int64
	SenderID   string
	ReceiverID string
	Content    string
	Reason     string
	Reviewed   bool
	CreatedAt  time.Time
}

// View converts f to its wire form.
func (f *FlaggedMessage) View() protocol.FlagView {
	return protocol.FlagView{
		ID:         f.ID,
		MessageID:  f.MessageID,
		SenderID:   f.SenderID,
		ReceiverID: f.ReceiverID,
		Content:    f.Content,
		Reason:     f.Reason,
		Reviewed:   f.Reviewed,
		Timestamp:  f.CreatedAt.UnixMilli(),
	}
}

// FlagFilter narrows ListFlags. A nil Reviewed lists both states.
type FlagFilter struct {
	Reviewed *bool
	Limit    int
}

// FlagStore persists moderation flags.
type FlagStore interface {
	// CreateFlag inserts f and fills in ID and CreatedAt.
	CreateFlag(ctx context.Context, f *FlaggedMessage) error
	// GetFlag returns (nil, nil) when id does not exist.
	GetFlag(ctx context.Context, id int64) (*FlaggedMessage, error)
	// ListFlags returns flags newest first.
	ListFlags(ctx context.Context, filter FlagFilter) ([]*FlaggedMessage, error)
	// MarkReviewed sets reviewed=true. It reports whether the row changed,
	// so a second call on the same flag returns false.
	MarkReviewed(ctx context.Context, id int64) (bool, error)
}

// FlaggedEvent is the payload published to moderation.flagged for
// out-of-process consumers.
type FlaggedEvent struct {
	FlagID     int64  `json:"flag_id"`
	MessageID  int64  `json:"message_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
	Reason     string `json:"reason"`
	Ts         int64  `json:"ts"`
}

// Event converts f to the bus payload.
func (f *FlaggedMessage) Event() FlaggedEvent {
	return FlaggedEvent{
		FlagID:     f.ID,
		MessageID:  f.MessageID,
		SenderID:   f.SenderID,
		ReceiverID: f.ReceiverID,
		Content:    f.Content,
		Reason:     f.Reason,
		Ts:         f.CreatedAt.UnixMilli(),
	}
}
