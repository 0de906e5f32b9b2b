// Package imageio converts image files to and from single channel float32 pixels.
package imageio

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
)

// Decode reads an image (BMP, PNG, JPEG, TIFF or GIF) and returns its luminance, row-major,
// with values in [0, 255].
func Decode(path string) (pix []float32, width, height int, err error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "decoding %q", path)
	}
	pix, width, height = Luminance(img)
	return pix, width, height, nil
}

// Luminance converts img to grayscale float pixels.
func Luminance(img image.Image) (pix []float32, width, height int) {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	width, height = b.Dx(), b.Dy()
	pix = make([]float32, width*height)
	for y := 0; y < height; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+width*4]
		for x := 0; x < width; x++ {
			pix[y*width+x] = float32(row[x*4])
		}
	}
	return pix, width, height
}

// Image converts float pixels to a grayscale image, clamping values to [0, 255].
func Image(pix []float32, width, height int) (*image.Gray, error) {
	if width <= 0 || height <= 0 || len(pix) != width*height {
		return nil, errors.Errorf("%d pixels do not make a %dx%d image", len(pix), width, height)
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := min(max(float64(pix[y*width+x]), 0), 255)
			img.SetGray(x, y, color.Gray{Y: uint8(math.Round(v))})
		}
	}
	return img, nil
}

// Encode writes float pixels to path. The format follows the file extension.
func Encode(pix []float32, width, height int, path string) error {
	img, err := Image(pix, width, height)
	if err != nil {
		return err
	}
	if strings.ToLower(filepath.Ext(path)) == ".bmp" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrap(err, "creating image file")
		}
		if err := bmp.Encode(f, img); err != nil {
			f.Close()
			return errors.Wrapf(err, "encoding %q", path)
		}
		return errors.Wrap(f.Close(), "closing image file")
	}
	return errors.Wrapf(imaging.Save(img, path), "encoding %q", path)
}
