package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LinkedEvent returns the single event of the tenant flagged to receive
// WhatsApp uploads. Zero matches yields ErrNoLinkedEvent, several yield
// ErrAmbiguousLinkedEvent.
func (s *Store) LinkedEvent(ctx context.Context, tenantID string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, name, whatsapp_enabled, created_at
		FROM events
		WHERE tenant_id = ? AND whatsapp_enabled = ?
		LIMIT 2`), tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("query linked event: %w", err)
	}
	defer rows.Close()

	var found []Event
	for rows.Next() {
		var (
			ev      Event
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Name, &ev.WhatsAppEnabled, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CreatedAt = fromMillis(created)
		found = append(found, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query linked event: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, ErrNoLinkedEvent
	case 1:
		return &found[0], nil
	default:
		return nil, ErrAmbiguousLinkedEvent
	}
}

// CreateEvent inserts an event row and sets its ID.
func (s *Store) CreateEvent(ctx context.Context, ev *Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	return s.withRetry(ctx, "create event", func() error {
		return s.db.QueryRowContext(ctx, s.q(`
			INSERT INTO events (tenant_id, name, whatsapp_enabled, created_at)
			VALUES (?, ?, ?, ?)
			RETURNING id`),
			ev.TenantID, ev.Name, ev.WhatsAppEnabled, toMillis(ev.CreatedAt)).Scan(&ev.ID)
	})
}

// LinkEvent makes eventID the tenant's only linked event. The flag is
// cleared on every other event of the tenant in the same transaction.
func (s *Store) LinkEvent(ctx context.Context, tenantID string, eventID int64) error {
	return s.withRetry(ctx, "link event", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var owner string
			err := tx.QueryRowContext(ctx, s.q(`SELECT tenant_id FROM events WHERE id = ?`), eventID).Scan(&owner)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != tenantID) {
				return ErrEventNotFound
			}
			if err != nil {
				return fmt.Errorf("lookup event: %w", err)
			}

			if _, err := tx.ExecContext(ctx,
				s.q(`UPDATE events SET whatsapp_enabled = ? WHERE tenant_id = ? AND id <> ?`),
				false, tenantID, eventID); err != nil {
				return fmt.Errorf("clear linked events: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				s.q(`UPDATE events SET whatsapp_enabled = ? WHERE id = ?`),
				true, eventID); err != nil {
				return fmt.Errorf("set linked event: %w", err)
			}
			return nil
		})
	})
}

// UnlinkEvents clears the flag on every event of the tenant.
func (s *Store) UnlinkEvents(ctx context.Context, tenantID string) error {
	return s.withRetry(ctx, "unlink events", func() error {
		_, err := s.db.ExecContext(ctx,
			s.q(`UPDATE events SET whatsapp_enabled = ? WHERE tenant_id = ?`), false, tenantID)
		return err
	})
}
