package preview

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentsync/internal/domain"
)

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		img.Set(x, 0, color.NRGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPreviewDownscales(t *testing.T) {
	p, err := New(64).Preview(domain.File{Name: "wide.png", MediaType: "image/png", Data: pngOf(t, 400, 200)})
	require.NoError(t, err)
	assert.Equal(t, uint(400), p.Width)
	assert.Equal(t, uint(200), p.Height)

	thumb, err := png.Decode(bytes.NewReader(p.Thumbnail))
	require.NoError(t, err)
	assert.Equal(t, 64, thumb.Bounds().Dx())
	assert.Equal(t, 32, thumb.Bounds().Dy())
}

func TestPreviewKeepsSmallImages(t *testing.T) {
	p, err := New(0).Preview(domain.File{Name: "small.png", Data: pngOf(t, 10, 20)})
	require.NoError(t, err)

	thumb, err := png.Decode(bytes.NewReader(p.Thumbnail))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 20), thumb.Bounds())
}

func TestPreviewRejectsUndecodable(t *testing.T) {
	_, err := New(0).Preview(domain.File{Name: "x.png", Data: []byte("not an image")})
	assert.Error(t, err)
}
