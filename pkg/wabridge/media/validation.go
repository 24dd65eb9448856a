package media

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrInvalidMedia is returned when content is not an accepted image.
	ErrInvalidMedia = errors.New("invalid media")

	// ErrTooLarge is returned when content exceeds the configured maximum.
	ErrTooLarge = errors.New("media too large")

	// ErrInvalidPath is returned for virtual paths outside the upload root.
	ErrInvalidPath = errors.New("invalid media path")
)

// AllowedMimeTypes maps accepted image types to the extension used on disk.
var AllowedMimeTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// ValidationResult contains validation output.
type ValidationResult struct {
	MimeType  string
	Extension string
	Size      int64
}

// Validator checks content type and size before anything touches disk.
type Validator struct {
	maxSize int64
}

// NewValidator creates a validator. maxSize <= 0 disables the size check.
func NewValidator(maxSize int64) *Validator {
	return &Validator{maxSize: maxSize}
}

// Validate sniffs data and checks it against the allowed image set and the
// size limit. The declared type, when present, must also be an image; the
// sniffed type always wins for the stored extension.
func (v *Validator) Validate(data []byte, declared string) (*ValidationResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidMedia)
	}
	if v.maxSize > 0 && int64(len(data)) > v.maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrTooLarge, len(data), v.maxSize)
	}

	if declared != "" && !strings.HasPrefix(baseMime(declared), "image/") {
		return nil, fmt.Errorf("%w: declared type %s", ErrInvalidMedia, declared)
	}

	detected := DetectMimeType(data)
	ext, ok := AllowedMimeTypes[detected]
	if !ok {
		return nil, fmt.Errorf("%w: type %s is not allowed", ErrInvalidMedia, detected)
	}

	return &ValidationResult{
		MimeType:  detected,
		Extension: ext,
		Size:      int64(len(data)),
	}, nil
}

// CheckDeclaredSize rejects a payload by its announced length, before it is
// downloaded.
func (v *Validator) CheckDeclaredSize(size uint64) error {
	if v.maxSize > 0 && size > uint64(v.maxSize) {
		return fmt.Errorf("%w: declared %d bytes exceeds maximum %d", ErrTooLarge, size, v.maxSize)
	}
	return nil
}

// DetectMimeType returns the MIME type from magic bytes, without parameters.
func DetectMimeType(data []byte) string {
	return baseMime(mimetype.Detect(data).String())
}

func baseMime(mimeType string) string {
	return strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
}
