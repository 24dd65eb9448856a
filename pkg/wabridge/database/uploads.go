package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UploadWindow summarises a sender's accepted uploads inside a window.
type UploadWindow struct {
	Count  int
	Oldest time.Time
}

// CountUploadsSince counts the (event, sender) uploads accepted strictly
// after since, and returns the oldest of them.
func (s *Store) CountUploadsSince(ctx context.Context, eventID int64, senderID string, since time.Time) (UploadWindow, error) {
	var (
		win    UploadWindow
		oldest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*), MIN(accepted_at)
		FROM whatsapp_uploads
		WHERE event_id = ? AND sender_id = ? AND accepted_at > ?`),
		eventID, senderID, toMillis(since)).Scan(&win.Count, &oldest)
	if err != nil {
		return UploadWindow{}, fmt.Errorf("count uploads: %w", err)
	}
	win.Oldest = fromMillis(oldest.Int64)
	return win, nil
}

// InsertUploadWithin appends rec only if fewer than limit uploads for the
// same (event, sender) were accepted after since. The count and the insert
// share one transaction; on PostgreSQL the key is additionally serialized
// with an advisory lock so concurrent processes cannot both pass the check.
// It reports whether the row was inserted.
func (s *Store) InsertUploadWithin(ctx context.Context, rec *UploadRecord, since time.Time, limit int) (bool, error) {
	var inserted bool
	err := s.withRetry(ctx, "insert upload", func() error {
		inserted = false
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if s.backend == BackendPostgreSQL {
				key := fmt.Sprintf("wabridge:upload:%d:%s", rec.EventID, rec.SenderID)
				if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
					return fmt.Errorf("lock upload key: %w", err)
				}
			}

			var n int
			if err := tx.QueryRowContext(ctx, s.q(`
				SELECT COUNT(*) FROM whatsapp_uploads
				WHERE event_id = ? AND sender_id = ? AND accepted_at > ?`),
				rec.EventID, rec.SenderID, toMillis(since)).Scan(&n); err != nil {
				return fmt.Errorf("count uploads: %w", err)
			}
			if n >= limit {
				return nil
			}

			var imageID sql.NullInt64
			if rec.ImageID != 0 {
				imageID = sql.NullInt64{Int64: rec.ImageID, Valid: true}
			}
			if err := tx.QueryRowContext(ctx, s.q(`
				INSERT INTO whatsapp_uploads (event_id, sender_id, image_id, accepted_at)
				VALUES (?, ?, ?, ?)
				RETURNING id`),
				rec.EventID, rec.SenderID, imageID, toMillis(rec.AcceptedAt)).Scan(&rec.ID); err != nil {
				return fmt.Errorf("insert upload: %w", err)
			}
			inserted = true
			return nil
		})
	})
	return inserted, err
}

// PruneUploads deletes upload records accepted before cutoff.
func (s *Store) PruneUploads(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "prune uploads", func() error {
		res, err := s.db.ExecContext(ctx,
			s.q(`DELETE FROM whatsapp_uploads WHERE accepted_at < ?`), toMillis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
