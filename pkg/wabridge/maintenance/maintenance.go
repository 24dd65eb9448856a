// Package maintenance runs the periodic housekeeping jobs: pruning old
// upload records and sweeping gallery files that no image row references.
package maintenance

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/wabridge/pkg/wabridge/media"
	"github.com/jholhewres/wabridge/pkg/wabridge/metrics"
)

// Config controls the housekeeping jobs.
type Config struct {
	// UploadRetention is how long upload records are kept. It must cover
	// the rate-limit window.
	UploadRetention time.Duration `yaml:"upload_retention"`

	// OrphanGrace protects files written recently, whose row may still be
	// in flight.
	OrphanGrace time.Duration `yaml:"orphan_grace"`

	// PruneSchedule and SweepSchedule are cron expressions or descriptors.
	PruneSchedule string `yaml:"prune_schedule"`
	SweepSchedule string `yaml:"sweep_schedule"`

	// JobTimeout bounds a single run.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		UploadRetention: 24 * time.Hour,
		OrphanGrace:     time.Hour,
		PruneSchedule:   "@every 1h",
		SweepSchedule:   "30 4 * * *",
		JobTimeout:      5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UploadRetention <= 0 {
		c.UploadRetention = def.UploadRetention
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = def.OrphanGrace
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = def.PruneSchedule
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = def.SweepSchedule
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	return c
}

// Records is the database side of the jobs.
type Records interface {
	PruneUploads(ctx context.Context, cutoff time.Time) (int64, error)
	ImagePathExists(ctx context.Context, virtualPath string) (bool, error)
}

// Files is the media side of the orphan sweep.
type Files interface {
	Walk(ctx context.Context, fn func(virtualPath string, info fs.FileInfo) error) error
	Remove(virtualPath string) error
}

// Runner schedules and runs the jobs. It implements suture.Service.
type Runner struct {
	config  Config
	records Records
	files   Files
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Runner.
func New(cfg Config, records Records, files Files, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config:  cfg.withDefaults(),
		records: records,
		files:   files,
		logger:  logger.With("component", "maintenance"),
		now:     time.Now,
	}
}

// PruneUploads deletes upload records older than the retention age.
func (r *Runner) PruneUploads(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.config.UploadRetention)
	n, err := r.records.PruneUploads(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning uploads: %w", err)
	}
	metrics.MaintenanceRemoved.WithLabelValues("prune_uploads").Add(float64(n))
	if n > 0 {
		r.logger.Info("pruned upload records", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// SweepOrphans removes bridge-written files older than the grace period
// that no image row references. Files from other uploaders are ignored.
func (r *Runner) SweepOrphans(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.config.OrphanGrace)
	removed := 0
	err := r.files.Walk(ctx, func(vp string, info fs.FileInfo) error {
		if !media.Owned(vp) || info.ModTime().After(cutoff) {
			return nil
		}
		exists, err := r.records.ImagePathExists(ctx, vp)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := r.files.Remove(vp); err != nil {
			r.logger.Warn("removing orphan failed", "path", vp, "error", err)
			return nil
		}
		r.logger.Debug("removed orphan file", "path", vp)
		removed++
		return nil
	})
	metrics.MaintenanceRemoved.WithLabelValues("sweep_orphans").Add(float64(removed))
	if err != nil {
		return removed, fmt.Errorf("sweeping orphans: %w", err)
	}
	if removed > 0 {
		r.logger.Info("swept orphan files", "count", removed)
	}
	return removed, nil
}

// Serve runs the cron scheduler until ctx is cancelled. A bad schedule is
// a configuration error and is returned at once.
func (r *Runner) Serve(ctx context.Context) error {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	if _, err := c.AddFunc(r.config.PruneSchedule, r.job(ctx, "prune_uploads", func(ctx context.Context) error {
		_, err := r.PruneUploads(ctx)
		return err
	})); err != nil {
		return fmt.Errorf("prune schedule %q: %w", r.config.PruneSchedule, err)
	}
	if _, err := c.AddFunc(r.config.SweepSchedule, r.job(ctx, "sweep_orphans", func(ctx context.Context) error {
		_, err := r.SweepOrphans(ctx)
		return err
	})); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", r.config.SweepSchedule, err)
	}

	c.Start()
	r.logger.Info("maintenance started",
		"prune", r.config.PruneSchedule,
		"sweep", r.config.SweepSchedule,
	)

	<-ctx.Done()
	select {
	case <-c.Stop().Done():
	case <-time.After(r.config.JobTimeout):
		r.logger.Warn("maintenance stop timed out")
	}
	return ctx.Err()
}

func (r *Runner) String() string { return "maintenance" }

func (r *Runner) job(parent context.Context, name string, fn func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(parent, r.config.JobTimeout)
		defer cancel()
		start := r.now()
		if err := fn(ctx); err != nil {
			r.logger.Error("maintenance job failed", "job", name, "error", err)
			return
		}
		r.logger.Debug("maintenance job done", "job", name, "duration", time.Since(start))
	}
}
