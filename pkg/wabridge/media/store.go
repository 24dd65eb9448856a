// Package media stores guest photos on the local filesystem under a
// per-tenant, per-event gallery tree and resolves their public paths.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	galleryDir   = "galeria"
	thumbsDir    = "thumbs"
	sourceSuffix = "whatsapp"
)

// StoreConfig configures the filesystem store.
type StoreConfig struct {
	// Root is the directory holding {tenant}/{event}/galeria trees.
	Root string `yaml:"root"`

	// URLPrefix is the public prefix of virtual paths.
	URLPrefix string `yaml:"url_prefix"`

	// MaxSize is the largest accepted payload in bytes.
	MaxSize int64 `yaml:"max_size"`

	// ThumbnailSize is the bounding box of generated thumbnails. 0 disables them.
	ThumbnailSize int `yaml:"thumbnail_size"`
}

// DefaultStoreConfig returns default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Root:          "./data/uploads",
		URLPrefix:     "/uploads",
		MaxSize:       16 * 1024 * 1024, // 16MB
		ThumbnailSize: 300,
	}
}

// Stored describes a file written by Store.
type Stored struct {
	VirtualPath   string
	ThumbnailPath string
	MimeType      string
	Size          int64
}

// Store writes validated media into the gallery tree.
type Store struct {
	config    StoreConfig
	validator *Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates a filesystem store.
func NewStore(cfg StoreConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultStoreConfig()
	if cfg.Root == "" {
		cfg.Root = def.Root
	}
	if cfg.URLPrefix == "" {
		cfg.URLPrefix = def.URLPrefix
	}
	cfg.URLPrefix = "/" + strings.Trim(cfg.URLPrefix, "/")
	if cfg.MaxSize == 0 {
		cfg.MaxSize = def.MaxSize
	}

	return &Store{
		config:    cfg,
		validator: NewValidator(cfg.MaxSize),
		logger:    logger.With("component", "media-store"),
		now:       time.Now,
	}
}

// Validator exposes the store's validator for pre-download checks.
func (s *Store) Validator() *Validator {
	return s.validator
}

// URLPrefix returns the public prefix of virtual paths.
func (s *Store) URLPrefix() string {
	return s.config.URLPrefix
}

// Store validates data and writes it as a new gallery file. Existing files
// are never touched: the name is unique and the file is opened with O_EXCL.
func (s *Store) Store(ctx context.Context, tenantID, eventRef string, data []byte, mimeType string) (*Stored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validSegment(tenantID) || !validSegment(eventRef) {
		return nil, fmt.Errorf("%w: tenant %q event %q", ErrInvalidPath, tenantID, eventRef)
	}

	result, err := s.validator.Validate(data, mimeType)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.config.Root, tenantID, eventRef, galleryDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating gallery directory: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%s%s", s.now().UnixMilli(), uuid.New().String()[:8], sourceSuffix, result.Extension)
	abs := filepath.Join(dir, name)
	if err := writeExclusive(abs, data); err != nil {
		return nil, err
	}

	stored := &Stored{
		VirtualPath: path.Join(s.config.URLPrefix, tenantID, eventRef, galleryDir, name),
		MimeType:    result.MimeType,
		Size:        result.Size,
	}

	if s.config.ThumbnailSize > 0 {
		thumbName := strings.TrimSuffix(name, result.Extension) + ".jpg"
		thumbAbs := filepath.Join(dir, thumbsDir, thumbName)
		if err := writeThumbnail(data, thumbAbs, s.config.ThumbnailSize); err != nil {
			s.logger.Warn("thumbnail generation failed", "path", stored.VirtualPath, "error", err)
		} else {
			stored.ThumbnailPath = path.Join(s.config.URLPrefix, tenantID, eventRef, galleryDir, thumbsDir, thumbName)
		}
	}

	s.logger.Debug("media stored",
		"tenant", tenantID,
		"event", eventRef,
		"path", stored.VirtualPath,
		"type", stored.MimeType,
		"size", stored.Size,
	)
	return stored, nil
}

// Resolve maps a virtual path to a filesystem path inside the root.
func (s *Store) Resolve(virtualPath string) (string, error) {
	prefix := s.config.URLPrefix + "/"
	if !strings.HasPrefix(virtualPath, prefix) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, virtualPath)
	}
	rel := strings.TrimPrefix(virtualPath, prefix)
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsRune(seg, '\\') {
			return "", fmt.Errorf("%w: %s", ErrInvalidPath, virtualPath)
		}
	}

	root, err := filepath.Abs(s.config.Root)
	if err != nil {
		return "", fmt.Errorf("resolving media root: %w", err)
	}
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, virtualPath)
	}
	return abs, nil
}

// Open opens the file behind a virtual path for reading.
func (s *Store) Open(virtualPath string) (*os.File, fs.FileInfo, error) {
	abs, err := s.Resolve(virtualPath)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, virtualPath)
	}
	return f, info, nil
}

// Remove deletes the file behind a virtual path. Missing files are not an
// error.
func (s *Store) Remove(virtualPath string) error {
	abs, err := s.Resolve(virtualPath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", virtualPath, err)
	}
	return nil
}

// Walk calls fn for every regular file under the upload root with its
// virtual path. Used by the orphan sweep.
func (s *Store) Walk(ctx context.Context, fn func(virtualPath string, info fs.FileInfo) error) error {
	root := s.config.Root
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return fn(path.Join(s.config.URLPrefix, filepath.ToSlash(rel)), info)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Owned reports whether a virtual path names a file this store wrote.
// Gallery directories are shared with other uploaders.
func Owned(virtualPath string) bool {
	name := path.Base(virtualPath)
	return strings.HasSuffix(strings.TrimSuffix(name, path.Ext(name)), "-"+sourceSuffix)
}

func writeExclusive(abs string, data []byte) error {
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("creating media file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(abs)
		return fmt.Errorf("writing media file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(abs)
		return fmt.Errorf("closing media file: %w", err)
	}
	return nil
}

// validSegment accepts a single path element: no separators, no dot names.
func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && !strings.ContainsRune(s, 0)
}
