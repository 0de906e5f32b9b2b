package imageio

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(width, height int) []float32 {
	pix := make([]float32, width*height)
	for i := range pix {
		pix[i] = float32((i * 7) % 256)
	}
	return pix
}

func TestEncodeDecode(t *testing.T) {
	for _, name := range []string{"out.bmp", "out.png", "OUT.BMP"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			pix := gradient(13, 9)
			require.NoError(t, Encode(pix, 13, 9, path))

			got, w, h, err := Decode(path)
			require.NoError(t, err)
			assert.Equal(t, 13, w)
			assert.Equal(t, 9, h)
			assert.Equal(t, pix, got)
		})
	}
}

func TestImageClamps(t *testing.T) {
	img, err := Image([]float32{-20, 0.4, 127.6, 300}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 0, 128, 255}, img.Pix)

	_, err = Image([]float32{1, 2, 3}, 2, 2)
	assert.Error(t, err)
	_, err = Image(nil, 0, 0)
	assert.Error(t, err)
}

func TestLuminance(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	img.Set(1, 0, color.RGBA{A: 255})
	pix, w, h := Luminance(img)
	assert.Equal(t, 2, w)
	assert.Equal(t, 1, h)
	assert.Equal(t, []float32{255, 0}, pix)
}

func TestDecodeMissing(t *testing.T) {
	_, _, _, err := Decode(filepath.Join(t.TempDir(), "missing.bmp"))
	assert.Error(t, err)
}
