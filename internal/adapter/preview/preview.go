// Package preview builds the local thumbnail shown while an image uploads.
package preview

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"

	"agentsync/internal/domain"
)

// DefaultMaxSide bounds both thumbnail dimensions, in pixels.
const DefaultMaxSide = 256

// Thumbnailer implements upload.Previewer with imaging.
type Thumbnailer struct {
	MaxSide int
}

// New returns a Thumbnailer bounded to maxSide pixels; zero means DefaultMaxSide.
func New(maxSide int) Thumbnailer {
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}
	return Thumbnailer{MaxSide: maxSide}
}

// Preview decodes file, honouring EXIF orientation, and returns its
// dimensions with a PNG thumbnail that fits within MaxSide.
func (t Thumbnailer) Preview(file domain.File) (domain.LocalPreview, error) {
	img, err := imaging.Decode(bytes.NewReader(file.Data), imaging.AutoOrientation(true))
	if err != nil {
		return domain.LocalPreview{}, fmt.Errorf("decode %s: %w", file.Name, err)
	}
	b := img.Bounds()

	side := t.MaxSide
	if side <= 0 {
		side = DefaultMaxSide
	}
	thumb := img
	if b.Dx() > side || b.Dy() > side {
		thumb = imaging.Fit(img, side, side, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return domain.LocalPreview{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	return domain.LocalPreview{
		FileName:  file.Name,
		MediaType: file.MediaType,
		Width:     uint(b.Dx()),
		Height:    uint(b.Dy()),
		Thumbnail: buf.Bytes(),
	}, nil
}
