package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertImage stores an accepted photo and sets its ID.
func (s *Store) InsertImage(ctx context.Context, img *Image) error {
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now()
	}
	return s.withRetry(ctx, "insert image", func() error {
		return s.db.QueryRowContext(ctx, s.q(`
			INSERT INTO images (event_id, path, thumbnail, sender_alias, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id`),
			img.EventID, img.VirtualPath, nullString(img.ThumbnailPath),
			img.SenderAlias, img.SizeBytes, toMillis(img.CreatedAt)).Scan(&img.ID)
	})
}

// DeleteImage removes an image row. It is only used to undo an insert whose
// follow-up steps failed.
func (s *Store) DeleteImage(ctx context.Context, id int64) error {
	return s.withRetry(ctx, "delete image", func() error {
		_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM images WHERE id = ?`), id)
		return err
	})
}

// ListImages returns the event's images, newest first.
func (s *Store) ListImages(ctx context.Context, eventID int64) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, event_id, path, thumbnail, sender_alias, size_bytes, created_at
		FROM images WHERE event_id = ?
		ORDER BY created_at DESC, id DESC`), eventID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		var (
			img     Image
			thumb   sql.NullString
			created int64
		)
		if err := rows.Scan(&img.ID, &img.EventID, &img.VirtualPath, &thumb,
			&img.SenderAlias, &img.SizeBytes, &created); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		img.ThumbnailPath = thumb.String
		img.CreatedAt = fromMillis(created)
		out = append(out, img)
	}
	return out, rows.Err()
}

// ImagePathExists reports whether any image row references virtualPath,
// either as the photo or as its thumbnail.
func (s *Store) ImagePathExists(ctx context.Context, virtualPath string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM images WHERE path = ? OR thumbnail = ?`),
		virtualPath, virtualPath).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup image path: %w", err)
	}
	return n > 0, nil
}
