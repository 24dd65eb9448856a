package database

import (
	"context"
	"fmt"
	"time"
)

// InsertMessage stores a guest message with its moderation status.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	switch msg.Status {
	case MessageApproved, MessagePending, MessageHidden:
	default:
		return fmt.Errorf("invalid message status %q", msg.Status)
	}
	return s.withRetry(ctx, "insert message", func() error {
		return s.db.QueryRowContext(ctx, s.q(`
			INSERT INTO messages (event_id, tenant_id, sender_id, text, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id`),
			msg.EventID, msg.TenantID, msg.SenderID, msg.Text, string(msg.Status),
			toMillis(msg.CreatedAt)).Scan(&msg.ID)
	})
}

// ListMessages returns the event's messages in arrival order.
func (s *Store) ListMessages(ctx context.Context, eventID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, event_id, tenant_id, sender_id, text, status, created_at
		FROM messages WHERE event_id = ?
		ORDER BY created_at, id`), eventID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			status  string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.EventID, &m.TenantID, &m.SenderID, &m.Text, &status, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Status = MessageStatus(status)
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
