package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/whisper/courier/internal/delivery"
)

var allStatuses = []delivery.Status{delivery.StatusSent, delivery.StatusDelivered, delivery.StatusRead}

// statusesBehind lists the statuses a message may advance from to reach to.
func statusesBehind(to delivery.Status) []string {
	var out []string
	for _, s := range allStatuses {
		if to.Ahead(s) {
			out = append(out, string(s))
		}
	}
	return out
}

// CreateMessage inserts m and fills in its ID, status and timestamp.
func (s *Store) CreateMessage(ctx context.Context, m *delivery.Message) error {
	if m.Status == "" {
		m.Status = delivery.StatusSent
	}
	const query = `
		INSERT INTO messages (sender_id, receiver_id, content, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query, m.SenderID, m.ReceiverID, m.Content, string(m.Status)).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

// GetMessage returns (nil, nil) when id does not exist.
func (s *Store) GetMessage(ctx context.Context, id int64) (*delivery.Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, content, status, created_at
		FROM messages
		WHERE id = $1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get message %d: %w", id, err)
	}
	return m, nil
}

// AdvanceStatus moves message id to `to` only if its stored status is
// behind it. The condition is evaluated by the UPDATE itself, so two racing
// transitions can never regress a message.
func (s *Store) AdvanceStatus(ctx context.Context, id int64, to delivery.Status) (bool, error) {
	behind := statusesBehind(to)
	if len(behind) == 0 {
		return false, nil
	}
	const query = `
		UPDATE messages
		SET status = $2
		WHERE id = $1 AND status = ANY($3)`

	res, err := s.db.ExecContext(ctx, query, id, string(to), pq.Array(behind))
	if err != nil {
		return false, fmt.Errorf("postgres: advance message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: advance message %d: %w", id, err)
	}
	return n == 1, nil
}

// MarkRead sets every message from senderID to receiverID that is not yet
// read to read and returns their IDs in ascending order.
func (s *Store) MarkRead(ctx context.Context, receiverID, senderID string) ([]int64, error) {
	const query = `
		WITH updated AS (
			UPDATE messages
			SET status = 'read'
			WHERE receiver_id = $1 AND sender_id = $2 AND status <> 'read'
			RETURNING id
		)
		SELECT id FROM updated ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, receiverID, senderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: mark read: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: mark read scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: mark read: %w", err)
	}
	return ids, nil
}

// ListMessages returns one page of the conversation between a and b plus
// the conversation's total message count. Offset counts from the newest
// message; the page itself is in chronological order.
func (s *Store) ListMessages(ctx context.Context, a, b string, limit, offset int) ([]*delivery.Message, int, error) {
	const countQuery = `
		SELECT COUNT(*)
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)`

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, a, b).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count messages: %w", err)
	}

	const query = `
		SELECT id, sender_id, receiver_id, content, status, created_at
		FROM (
			SELECT id, sender_id, receiver_id, content, status, created_at
			FROM messages
			WHERE (sender_id = $1 AND receiver_id = $2)
			   OR (sender_id = $2 AND receiver_id = $1)
			ORDER BY id DESC
			LIMIT $3 OFFSET $4
		) page
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, a, b, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*delivery.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres: list messages scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: list messages: %w", err)
	}
	return msgs, total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*delivery.Message, error) {
	var (
		m      delivery.Message
		status string
	)
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &status, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Status = delivery.Status(status)
	return &m, nil
}
