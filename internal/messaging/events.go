package messaging

import (
	"context"
	"fmt"

	"github.com/whisper/courier/internal/moderation"
)

// Publisher is the publishing half of NATSClient.
type Publisher interface {
	PublishJSON(subject string, v interface{}) error
}

// FlagPublisher forwards stored flags to moderation.flagged. It implements
// moderation.Notifier.
type FlagPublisher struct {
	pub Publisher
}

// NewFlagPublisher creates a FlagPublisher on pub.
func NewFlagPublisher(pub Publisher) *FlagPublisher {
	return &FlagPublisher{pub: pub}
}

func (p *FlagPublisher) NotifyFlagged(_ context.Context, flag *moderation.FlaggedMessage) error {
	if err := p.pub.PublishJSON(SubjectModerationFlagged, flag.Event()); err != nil {
		return fmt.Errorf("messaging: publish flag %d: %w", flag.ID, err)
	}
	return nil
}

// ReviewedEvent is published when a moderator reviews a flag.
type ReviewedEvent struct {
	FlagID     int64  `json:"flag_id"`
	ReviewerID string `json:"reviewer_id"`
	Ts         int64  `json:"ts"`
}

// BlockedEvent is published when a conversation's block flag changes.
type BlockedEvent struct {
	User1ID   string `json:"user1_id"`
	User2ID   string `json:"user2_id"`
	Blocked   bool   `json:"blocked"`
	ChangedBy string `json:"changed_by"`
	Ts        int64  `json:"ts"`
}
