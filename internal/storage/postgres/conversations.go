package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/courier/internal/conversation"
)

const conversationColumns = `
	id, user1_id, user2_id, last_message_id, last_message_timestamp,
	unread_count_user1, unread_count_user2, is_blocked`

// EnsureConversation inserts the row for key unless it exists and returns
// it. Concurrent first sends from both sides converge on one row through
// the (user1_id, user2_id) unique constraint.
func (s *Store) EnsureConversation(ctx context.Context, key conversation.Key) (*conversation.Conversation, error) {
	const insert = `
		INSERT INTO conversations (user1_id, user2_id)
		VALUES ($1, $2)
		ON CONFLICT (user1_id, user2_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, key.User1, key.User2); err != nil {
		return nil, fmt.Errorf("postgres: ensure conversation %s: %w", key, err)
	}
	c, err := s.GetConversation(ctx, key)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("postgres: ensure conversation %s: row vanished", key)
	}
	return c, nil
}

// GetConversation returns (nil, nil) when no row exists for key.
func (s *Store) GetConversation(ctx context.Context, key conversation.Key) (*conversation.Conversation, error) {
	query := `SELECT` + conversationColumns + `
		FROM conversations
		WHERE user1_id = $1 AND user2_id = $2`

	var (
		c      conversation.Conversation
		lastID sql.NullInt64
		lastAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, key.User1, key.User2).Scan(
		&c.ID, &c.User1ID, &c.User2ID, &lastID, &lastAt,
		&c.UnreadUser1, &c.UnreadUser2, &c.IsBlocked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get conversation %s: %w", key, err)
	}
	c.LastMessageID = lastID.Int64
	if lastAt.Valid {
		c.LastMessageAt = lastAt.Time
	}
	return &c, nil
}

// SetBlocked upserts the block flag, creating the row if the pair has never
// exchanged a message.
func (s *Store) SetBlocked(ctx context.Context, key conversation.Key, blocked bool) error {
	const query = `
		INSERT INTO conversations (user1_id, user2_id, is_blocked)
		VALUES ($1, $2, $3)
		ON CONFLICT (user1_id, user2_id) DO UPDATE
		SET is_blocked = EXCLUDED.is_blocked`

	if _, err := s.db.ExecContext(ctx, query, key.User1, key.User2, blocked); err != nil {
		return fmt.Errorf("postgres: set blocked %s: %w", key, err)
	}
	return nil
}

// RecordMessage moves the last-message pointer and bumps the receiver's
// unread counter in one statement.
func (s *Store) RecordMessage(ctx context.Context, key conversation.Key, receiverID string, messageID int64, at time.Time) error {
	const query = `
		UPDATE conversations
		SET last_message_id        = $3,
		    last_message_timestamp = $4,
		    unread_count_user1     = unread_count_user1 + CASE WHEN user1_id = $5 THEN 1 ELSE 0 END,
		    unread_count_user2     = unread_count_user2 + CASE WHEN user2_id = $5 THEN 1 ELSE 0 END
		WHERE user1_id = $1 AND user2_id = $2`

	if _, err := s.db.ExecContext(ctx, query, key.User1, key.User2, messageID, at, receiverID); err != nil {
		return fmt.Errorf("postgres: record message %s: %w", key, err)
	}
	return nil
}

// ResetUnread zeroes userID's unread counter.
func (s *Store) ResetUnread(ctx context.Context, key conversation.Key, userID string) error {
	const query = `
		UPDATE conversations
		SET unread_count_user1 = CASE WHEN user1_id = $3 THEN 0 ELSE unread_count_user1 END,
		    unread_count_user2 = CASE WHEN user2_id = $3 THEN 0 ELSE unread_count_user2 END
		WHERE user1_id = $1 AND user2_id = $2`

	if _, err := s.db.ExecContext(ctx, query, key.User1, key.User2, userID); err != nil {
		return fmt.Errorf("postgres: reset unread %s: %w", key, err)
	}
	return nil
}

// DecrementUnread lowers userID's unread counter, floored at zero.
func (s *Store) DecrementUnread(ctx context.Context, key conversation.Key, userID string) error {
	const query = `
		UPDATE conversations
		SET unread_count_user1 = CASE WHEN user1_id = $3 THEN GREATEST(unread_count_user1 - 1, 0) ELSE unread_count_user1 END,
		    unread_count_user2 = CASE WHEN user2_id = $3 THEN GREATEST(unread_count_user2 - 1, 0) ELSE unread_count_user2 END
		WHERE user1_id = $1 AND user2_id = $2`

	if _, err := s.db.ExecContext(ctx, query, key.User1, key.User2, userID); err != nil {
		return fmt.Errorf("postgres: decrement unread %s: %w", key, err)
	}
	return nil
}
