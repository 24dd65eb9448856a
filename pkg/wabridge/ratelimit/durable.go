package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/database"
)

// UploadStore is the subset of the record store the durable limiter needs.
type UploadStore interface {
	CountUploadsSince(ctx context.Context, eventID int64, senderID string, since time.Time) (database.UploadWindow, error)
	InsertUploadWithin(ctx context.Context, rec *database.UploadRecord, since time.Time, limit int) (bool, error)
}

// Durable counts upload records in the shared database, so the bound holds
// across restarts and across processes sharing the database.
type Durable struct {
	store  UploadStore
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewDurable creates a database-backed limiter.
func NewDurable(store UploadStore, cfg Config, logger *slog.Logger) *Durable {
	if logger == nil {
		logger = slog.Default()
	}
	return &Durable{
		store:  store,
		config: cfg.withDefaults(),
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
}

// Check reports whether key may submit another upload now.
func (d *Durable) Check(ctx context.Context, key Key) (Decision, error) {
	now := d.now()
	win, err := d.store.CountUploadsSince(ctx, key.EventID, key.SenderID, now.Add(-d.config.Window))
	if err != nil {
		return Decision{}, fmt.Errorf("check upload window: %w", err)
	}
	return decide(d.config, win.Count, win.Oldest, now), nil
}

// Record appends an upload for key unless the window filled up since Check.
func (d *Durable) Record(ctx context.Context, key Key, imageID int64, at time.Time) error {
	rec := &database.UploadRecord{
		EventID:    key.EventID,
		SenderID:   key.SenderID,
		ImageID:    imageID,
		AcceptedAt: at,
	}
	ok, err := d.store.InsertUploadWithin(ctx, rec, at.Add(-d.config.Window), d.config.Limit)
	if err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	if !ok {
		d.logger.Info("upload lost the race for the last slot",
			"event", key.EventID, "sender", key.SenderID)
		return ErrLimitExceeded
	}
	return nil
}
