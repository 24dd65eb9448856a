// Package pipeline decides what happens to each inbound chat message: photos
// go to the tenant's linked event gallery, text goes to the event wall, and
// the guest always gets a reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/channels"
	"github.com/jholhewres/wabridge/pkg/wabridge/database"
	"github.com/jholhewres/wabridge/pkg/wabridge/media"
	"github.com/jholhewres/wabridge/pkg/wabridge/metrics"
	"github.com/jholhewres/wabridge/pkg/wabridge/moderation"
	"github.com/jholhewres/wabridge/pkg/wabridge/ratelimit"
)

// Records is the subset of the record store the pipeline uses.
type Records interface {
	LinkedEvent(ctx context.Context, tenantID string) (*database.Event, error)
	InsertImage(ctx context.Context, img *database.Image) error
	DeleteImage(ctx context.Context, id int64) error
	InsertMessage(ctx context.Context, msg *database.Message) error
	TouchSession(ctx context.Context, tenantID string, now time.Time) error
}

// MediaStore persists photos.
type MediaStore interface {
	Store(ctx context.Context, tenantID, eventRef string, data []byte, mimeType string) (*media.Stored, error)
	Remove(virtualPath string) error
	Validator() *media.Validator
}

// Config holds pipeline settings.
type Config struct {
	// DownloadTimeout bounds a single media download.
	DownloadTimeout time.Duration `yaml:"download_timeout"`

	// RateLimit is only used to render the rate-limit reply.
	RateLimit ratelimit.Config `yaml:"-"`

	Replies Replies `yaml:"replies"`
}

// DefaultConfig returns default pipeline settings.
func DefaultConfig() Config {
	return Config{
		DownloadTimeout: 30 * time.Second,
		RateLimit:       ratelimit.DefaultConfig(),
		Replies:         DefaultReplies(),
	}
}

// Outcome labels, also used as metric values.
const (
	outcomeAccepted    = "accepted"
	outcomeRateLimited = "rate_limited"
	outcomeNoEvent     = "no_event"
	outcomeRejected    = "rejected"
	outcomeFailed      = "failed"
	outcomeApproved    = "approved"
	outcomePending     = "pending"
	outcomeIgnored     = "ignored"
)

// Pipeline handles inbound messages for every tenant. It holds no per-tenant
// state; concurrent calls for different tenants are safe.
type Pipeline struct {
	config     Config
	records    Records
	media      MediaStore
	limiter    ratelimit.Limiter
	classifier moderation.Classifier
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a pipeline.
func New(cfg Config, records Records, store MediaStore, limiter ratelimit.Limiter, classifier moderation.Classifier, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultConfig().DownloadTimeout
	}
	if cfg.RateLimit.Limit <= 0 || cfg.RateLimit.Window <= 0 {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	cfg.Replies = cfg.Replies.withDefaults()

	return &Pipeline{
		config:     cfg,
		records:    records,
		media:      store,
		limiter:    limiter,
		classifier: classifier,
		logger:     logger.With("component", "pipeline"),
		now:        time.Now,
	}
}

// Handle processes one inbound message and replies through conn.
func (p *Pipeline) Handle(ctx context.Context, tenantID string, conn channels.Conn, msg *channels.IncomingMessage) {
	if reason := skipReason(msg); reason != "" {
		p.logger.Debug("message ignored", "tenant", tenantID, "id", msg.ID, "reason", reason)
		metrics.RecordMessage(string(msg.Type), outcomeIgnored)
		return
	}

	logger := p.logger.With("tenant", tenantID, "from", msg.From, "id", msg.ID)
	if err := p.records.TouchSession(ctx, tenantID, p.now()); err != nil {
		logger.Debug("failed to touch session", "error", err)
	}

	var outcome string
	switch msg.Type {
	case channels.MessageImage:
		outcome = p.handleImage(ctx, logger, tenantID, conn, msg)
	case channels.MessageText:
		outcome = p.handleText(ctx, logger, tenantID, conn, msg)
	}
	metrics.RecordMessage(string(msg.Type), outcome)
}

// skipReason applies the filters run before any lookup. Empty means the
// message is processed.
func skipReason(msg *channels.IncomingMessage) string {
	switch {
	case msg == nil:
		return "nil"
	case msg.FromMe:
		return "self"
	case msg.Chat != channels.ChatDirect:
		return "not_direct"
	case msg.Type == channels.MessageText && strings.TrimSpace(msg.Text) == "":
		return "empty"
	case msg.Type != channels.MessageText && msg.Type != channels.MessageImage:
		return "unsupported"
	case msg.Type == channels.MessageImage && msg.Media == nil:
		return "no_media"
	}
	return ""
}

func (p *Pipeline) handleImage(ctx context.Context, logger *slog.Logger, tenantID string, conn channels.Conn, msg *channels.IncomingMessage) string {
	replies := p.config.Replies

	event, ok := p.linkedEvent(ctx, logger, tenantID, conn, msg.ChatID)
	if !ok {
		return outcomeNoEvent
	}
	key := ratelimit.Key{EventID: event.ID, SenderID: msg.From}

	decision, err := p.limiter.Check(ctx, key)
	if err != nil {
		logger.Error("rate limit check failed", "error", err)
		p.reply(ctx, logger, conn, msg.ChatID, replies.InternalError)
		return outcomeFailed
	}
	if !decision.Allowed {
		logger.Info("upload rate limited", "event", event.ID, "retry_after", decision.RetryAfter)
		p.reply(ctx, logger, conn, msg.ChatID, replies.rateLimited(p.config.RateLimit, decision))
		return outcomeRateLimited
	}

	if err := p.media.Validator().CheckDeclaredSize(msg.Media.FileSize); err != nil {
		logger.Info("image rejected before download", "size", msg.Media.FileSize, "error", err)
		p.reply(ctx, logger, conn, msg.ChatID, replies.rejected(p.rejectReason(err)))
		return outcomeRejected
	}

	data, err := p.download(ctx, conn, msg.Media)
	if err != nil {
		logger.Error("media download failed", "error", err)
		p.reply(ctx, logger, conn, msg.ChatID, replies.InternalError)
		return outcomeFailed
	}

	stored, err := p.media.Store(ctx, tenantID, strconv.FormatInt(event.ID, 10), data, msg.Media.MimeType)
	if err != nil {
		if errors.Is(err, media.ErrInvalidMedia) || errors.Is(err, media.ErrTooLarge) {
			logger.Info("image rejected", "error", err)
			p.reply(ctx, logger, conn, msg.ChatID, replies.rejected(p.rejectReason(err)))
			return outcomeRejected
		}
		logger.Error("storing image failed", "error", err)
		p.reply(ctx, logger, conn, msg.ChatID, replies.InternalError)
		return outcomeFailed
	}

	now := p.now()
	img := &database.Image{
		EventID:       event.ID,
		VirtualPath:   stored.VirtualPath,
		ThumbnailPath: stored.ThumbnailPath,
		SenderAlias:   SenderAlias(msg.From),
		SizeBytes:     stored.Size,
		CreatedAt:     now,
	}
	if err := p.records.InsertImage(ctx, img); err != nil {
		logger.Error("inserting image row failed", "error", err)
		p.removeFiles(logger, stored)
		p.reply(ctx, logger, conn, msg.ChatID, replies.InternalError)
		return outcomeFailed
	}

	if err := p.limiter.Record(ctx, key, img.ID, now); err != nil {
		p.rollback(ctx, logger, img.ID, stored)
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			decision, cerr := p.limiter.Check(ctx, key)
			if cerr != nil {
				decision = ratelimit.Decision{RetryAfter: p.config.RateLimit.Window}
			}
			p.reply(ctx, logger, conn, msg.ChatID, replies.rateLimited(p.config.RateLimit, decision))
			return outcomeRateLimited
		}
		logger.Error("recording upload failed", "error", err)
		p.reply(ctx, logger, conn, msg.ChatID, replies.InternalError)
		return outcomeFailed
	}

	metrics.UploadBytes.Observe(float64(stored.Size))
	logger.Info("image accepted", "event", event.ID, "image", img.ID, "path", stored.VirtualPath, "size", stored.Size)
	p.reply(ctx, logger, conn, msg.ChatID, replies.Accepted)
	return outcomeAccepted
}

func (p *Pipeline) handleText(ctx context.Context, logger *slog.Logger, tenantID string, conn channels.Conn, msg *channels.IncomingMessage) string {
	replies := p.config.Replies

	event, ok := p.linkedEvent(ctx, logger, tenantID, conn, msg.ChatID)
	if !ok {
		return outcomeNoEvent
	}

	text := strings.TrimSpace(msg.Text)
	status := database.MessageApproved
	if p.classifier.Classify(text) == moderation.Pending {
		status = database.MessagePending
	}

	row := &database.Message{
		EventID:   event.ID,
		TenantID:  tenantID,
		SenderID:  msg.From,
		Text:      text,
		Status:    status,
		CreatedAt: p.now(),
	}
	if err := p.records.InsertMessage(ctx, row); err != nil {
		logger.Error("inserting message failed", "error", err)
		p.reply(ctx, logger, conn, msg.ChatID, replies.MessageError)
		return outcomeFailed
	}

	logger.Info("message stored", "event", event.ID, "message", row.ID, "status", string(status))
	if status == database.MessagePending {
		p.reply(ctx, logger, conn, msg.ChatID, replies.PendingReview)
		return outcomePending
	}
	p.reply(ctx, logger, conn, msg.ChatID, replies.Published)
	return outcomeApproved
}

// linkedEvent resolves the tenant's event, replying with a configuration
// notice when there is none or more than one.
func (p *Pipeline) linkedEvent(ctx context.Context, logger *slog.Logger, tenantID string, conn channels.Conn, chatID string) (*database.Event, bool) {
	event, err := p.records.LinkedEvent(ctx, tenantID)
	switch {
	case err == nil:
		return event, true
	case errors.Is(err, database.ErrNoLinkedEvent):
		logger.Info("no linked event")
		p.reply(ctx, logger, conn, chatID, p.config.Replies.NoEvent)
	case errors.Is(err, database.ErrAmbiguousLinkedEvent):
		logger.Error("more than one linked event")
		p.reply(ctx, logger, conn, chatID, p.config.Replies.Misconfigured)
	default:
		logger.Error("resolving linked event failed", "error", err)
		p.reply(ctx, logger, conn, chatID, p.config.Replies.InternalError)
	}
	return nil, false
}

func (p *Pipeline) download(ctx context.Context, conn channels.Conn, info *channels.MediaInfo) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.DownloadTimeout)
	defer cancel()

	start := time.Now()
	data, err := conn.Download(ctx, info)
	metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	return data, nil
}

// rollback undoes an accepted image whose upload could not be recorded.
func (p *Pipeline) rollback(ctx context.Context, logger *slog.Logger, imageID int64, stored *media.Stored) {
	if err := p.records.DeleteImage(ctx, imageID); err != nil {
		// The file stays so the row never points at nothing; the orphan
		// sweep cannot collect it while the row exists.
		logger.Error("rollback: deleting image row failed", "image", imageID, "error", err)
		return
	}
	p.removeFiles(logger, stored)
}

func (p *Pipeline) removeFiles(logger *slog.Logger, stored *media.Stored) {
	for _, vp := range []string{stored.VirtualPath, stored.ThumbnailPath} {
		if vp == "" {
			continue
		}
		if err := p.media.Remove(vp); err != nil {
			logger.Warn("removing stored file failed", "path", vp, "error", err)
		}
	}
}

func (p *Pipeline) rejectReason(err error) string {
	if errors.Is(err, media.ErrTooLarge) {
		return p.config.Replies.TooLarge
	}
	return p.config.Replies.InvalidImage
}

func (p *Pipeline) reply(ctx context.Context, logger *slog.Logger, conn channels.Conn, chatID, text string) {
	if conn == nil {
		logger.Warn("no connection to reply on")
		return
	}
	if err := conn.SendText(ctx, chatID, text); err != nil {
		logger.Warn("sending reply failed", "error", err)
	}
}
