package media

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	// Register WebP decoding for thumbnails.
	_ "golang.org/x/image/webp"
)

const thumbnailQuality = 80

// writeThumbnail decodes data and writes a JPEG that fits in a size×size box.
// Images already smaller than the box are re-encoded without scaling.
func writeThumbnail(data []byte, dst string, size int) error {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decoding image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > size || b.Dy() > size {
		img = imaging.Fit(img, size, size, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(thumbnailQuality)); err != nil {
		return fmt.Errorf("encoding thumbnail: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating thumbnail directory: %w", err)
	}
	return writeExclusive(dst, buf.Bytes())
}
