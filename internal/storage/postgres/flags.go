package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/whisper/courier/internal/moderation"
)

// CreateFlag inserts f and fills in its ID and timestamp. A second flag for
// the same message returns ErrDuplicate.
func (s *Store) CreateFlag(ctx context.Context, f *moderation.FlaggedMessage) error {
	const query = `
		INSERT INTO flagged_messages (message_id, sender_id, receiver_id, content, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, reviewed, created_at`

	err := s.db.QueryRowContext(ctx, query, f.MessageID, f.SenderID, f.ReceiverID, f.Content, f.Reason).
		Scan(&f.ID, &f.Reviewed, &f.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: flag for message %d: %w", f.MessageID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert flag: %w", err)
	}
	return nil
}

// GetFlag returns (nil, nil) when id does not exist.
func (s *Store) GetFlag(ctx context.Context, id int64) (*moderation.FlaggedMessage, error) {
	const query = `
		SELECT id, message_id, sender_id, receiver_id, content, reason, reviewed, created_at
		FROM flagged_messages
		WHERE id = $1`

	f, err := scanFlag(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get flag %d: %w", id, err)
	}
	return f, nil
}

// ListFlags returns flags newest first.
func (s *Store) ListFlags(ctx context.Context, filter moderation.FlagFilter) ([]*moderation.FlaggedMessage, error) {
	const query = `
		SELECT id, message_id, sender_id, receiver_id, content, reason, reviewed, created_at
		FROM flagged_messages
		WHERE ($1::boolean IS NULL OR reviewed = $1)
		ORDER BY id DESC
		LIMIT $2`

	var reviewed sql.NullBool
	if filter.Reviewed != nil {
		reviewed = sql.NullBool{Bool: *filter.Reviewed, Valid: true}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, query, reviewed, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list flags: %w", err)
	}
	defer rows.Close()

	flags := []*moderation.FlaggedMessage{}
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list flags scan: %w", err)
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list flags: %w", err)
	}
	return flags, nil
}

// MarkReviewed flips reviewed from false to true. It reports false when
// the flag does not exist or was already reviewed.
func (s *Store) MarkReviewed(ctx context.Context, id int64) (bool, error) {
	const query = `
		UPDATE flagged_messages
		SET reviewed = TRUE
		WHERE id = $1 AND reviewed = FALSE`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("postgres: review flag %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: review flag %d: %w", id, err)
	}
	return n == 1, nil
}

func scanFlag(row rowScanner) (*moderation.FlaggedMessage, error) {
	var f moderation.FlaggedMessage
	err := row.Scan(&f.ID, &f.MessageID, &f.SenderID, &f.ReceiverID, &f.Content, &f.Reason, &f.Reviewed, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
