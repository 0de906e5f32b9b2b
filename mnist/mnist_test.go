package mnist

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSet writes count 3x2 images, image i having i inked pixels, with label i%10.
func writeSet(t *testing.T, dir string, count int, compress bool) (imagesPath, labelsPath string) {
	t.Helper()
	images := make([][]byte, count)
	labels := make([]byte, count)
	for i := range images {
		img := make([]byte, 6)
		for j := 0; j < i%7; j++ {
			img[j] = byte(40 * (j + 1))
		}
		images[i] = img
		labels[i] = byte(i % 10)
	}
	var imgBuf, lblBuf bytes.Buffer
	require.NoError(t, WriteImages(&imgBuf, images, 3, 2))
	require.NoError(t, WriteLabels(&lblBuf, labels))

	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if compress {
			path += ".gz"
			var gz bytes.Buffer
			w := gzip.NewWriter(&gz)
			_, err := w.Write(data)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			data = gz.Bytes()
		}
		require.NoError(t, os.WriteFile(path, data, 0o644))
		return path
	}
	return write(TestImagesFile, imgBuf.Bytes()), write(TestLabelsFile, lblBuf.Bytes())
}

func TestLoad(t *testing.T) {
	for _, compress := range []bool{false, true} {
		imagesPath, labelsPath := writeSet(t, t.TempDir(), 12, compress)
		var calls, lastTotal int
		set, err := Load(imagesPath, labelsPath, Options{Progress: func(read, total int) {
			calls++
			lastTotal = total
		}})
		require.NoError(t, err, "compressed=%t", compress)
		assert.Equal(t, 12, set.Count)
		assert.Equal(t, 3, set.Width)
		assert.Equal(t, 2, set.Height)
		assert.Equal(t, 6, set.Features())
		assert.Len(t, set.Images, 12*6)
		assert.Equal(t, 12, calls)
		assert.Equal(t, 12, lastTotal)

		// Pixels are binarised.
		assert.Equal(t, []float64{1, 1, 1, 0, 0, 0}, set.Image(3))
		assert.Equal(t, []float64{0, 0, 0, 0, 0, 0}, set.Image(7))
		assert.Equal(t, 1, set.Labels[11])
	}
}

func TestLimitAndBatch(t *testing.T) {
	imagesPath, labelsPath := writeSet(t, t.TempDir(), 25, false)
	set, err := Load(imagesPath, labelsPath, Options{Limit: 15})
	require.NoError(t, err)
	assert.Equal(t, 15, set.Count)
	assert.Len(t, set.Labels, 15)

	images, labels := set.Batch(10, 10)
	assert.Len(t, labels, 5, "the last batch is clipped")
	assert.Len(t, images, 5*6)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, labels)

	images, labels = set.Batch(15, 10)
	assert.Nil(t, images)
	assert.Nil(t, labels)
}

func TestErrors(t *testing.T) {
	dir := t.TempDir()
	imagesPath, labelsPath := writeSet(t, dir, 4, false)

	// Swapped files have the wrong magic.
	_, err := Load(labelsPath, imagesPath, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")

	_, err = Load(filepath.Join(dir, "missing"), labelsPath, Options{})
	assert.Error(t, err)

	// Fewer labels than images.
	var lbl bytes.Buffer
	require.NoError(t, WriteLabels(&lbl, []byte{1, 2}))
	short := filepath.Join(dir, "short-labels")
	require.NoError(t, os.WriteFile(short, lbl.Bytes(), 0o644))
	_, err = Load(imagesPath, short, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 labels for 4 images")

	// Truncated image data.
	data, err := os.ReadFile(imagesPath)
	require.NoError(t, err)
	_, err = ReadImages(bytes.NewReader(data[:len(data)-1]), Options{})
	assert.Error(t, err)

	assert.Error(t, WriteImages(&bytes.Buffer{}, [][]byte{{1, 2}}, 3, 2))
}

// Headers claiming far more data than the stream holds fail on the first missing
// record instead of allocating for the claimed count.
func TestOversizedHeaders(t *testing.T) {
	var img bytes.Buffer
	require.NoError(t, binary.Write(&img, binary.BigEndian, imageFileHeader{
		Magic: imageMagic, NumImages: 1 << 30, Height: 28, Width: 28,
	}))
	img.Write(make([]byte, 28*28))
	_, err := ReadImages(&img, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading image 1 of 1073741824")

	var wide bytes.Buffer
	require.NoError(t, binary.Write(&wide, binary.BigEndian, imageFileHeader{
		Magic: imageMagic, NumImages: 1, Height: 1 << 20, Width: 1 << 20,
	}))
	_, err = ReadImages(&wide, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid image header")

	var lbl bytes.Buffer
	require.NoError(t, binary.Write(&lbl, binary.BigEndian, labelFileHeader{Magic: labelMagic, NumLabels: 1 << 30}))
	lbl.Write([]byte{3, 4})
	_, err = ReadLabels(&lbl, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 2")
}
