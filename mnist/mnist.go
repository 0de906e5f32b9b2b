// Package mnist reads the MNIST database of handwritten digits in its idx format.
//
// Image files are idx3 (magic 0x803, a 16 byte header followed by one byte per pixel)
// and label files idx1 (magic 0x801, an 8 byte header followed by one byte per label).
// Both may be gzip compressed. Pixels are binarised to 0 (background) or 1 (ink) and
// each image is flattened row-major.
package mnist

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	imageMagic = 0x00000803
	labelMagic = 0x00000801

	// File names of the test set.
	TestImagesFile = "t10k-images.idx3-ubyte"
	TestLabelsFile = "t10k-labels.idx1-ubyte"
)

const (
	// maxFeatures bounds the pixels of one image.
	maxFeatures = 1 << 24
	// preallocImages bounds the images allocated ahead of reading them.
	preallocImages = 1 << 12
)

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// Set is a sequence of binarised images with their labels.
type Set struct {
	// Images holds Count images of Width*Height values each.
	Images        []float64
	Labels        []int
	Count         int
	Width, Height int
}

// Features returns the number of values per image.
func (s *Set) Features() int { return s.Width * s.Height }

// Image returns the values of image i.
func (s *Set) Image(i int) []float64 {
	n := s.Features()
	return s.Images[i*n : (i+1)*n]
}

// Batch returns images [start, start+size) clipped to the set, with their labels.
func (s *Set) Batch(start, size int) (images []float64, labels []int) {
	end := min(start+size, s.Count)
	if start >= end {
		return nil, nil
	}
	n := s.Features()
	return s.Images[start*n : end*n], s.Labels[start:end]
}

// Options configure Load.
type Options struct {
	// Limit caps the number of samples read. Zero reads them all.
	Limit int

	// Progress, if set, is called after each image with the number read so far and the total.
	Progress func(read, total int)
}

// Load reads an image file and its label file.
func Load(imagesPath, labelsPath string, opts Options) (*Set, error) {
	var labels []int
	err := readFile(labelsPath, func(r io.Reader) (err error) {
		labels, err = ReadLabels(r, opts.Limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	var set *Set
	err = readFile(imagesPath, func(r io.Reader) (err error) {
		set, err = ReadImages(r, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(labels) < set.Count {
		return nil, errors.Errorf("mnist: %d labels for %d images", len(labels), set.Count)
	}
	set.Labels = labels[:set.Count]
	return set, nil
}

func readFile(path string, read func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "mnist")
	}
	defer f.Close()
	r, err := decompress(bufio.NewReader(f))
	if err != nil {
		return errors.Wrapf(err, "mnist: %s", path)
	}
	defer r.Close()
	return errors.Wrapf(read(r), "mnist: %s", path)
}

// decompress wraps r in a gzip reader when the stream starts with the gzip magic.
func decompress(r *bufio.Reader) (io.ReadCloser, error) {
	head, err := r.Peek(2)
	if err == nil && head[0] == 0x1f && head[1] == 0x8b {
		return gzip.NewReader(r)
	}
	return io.NopCloser(r), nil
}

// ReadImages parses an uncompressed idx3 image stream. Labels are left empty.
func ReadImages(r io.Reader, opts Options) (*Set, error) {
	header := imageFileHeader{}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading image header")
	}
	if header.Magic != imageMagic {
		return nil, errors.Errorf("invalid image file magic 0x%08x", header.Magic)
	}
	if header.NumImages < 0 || header.Width <= 0 || header.Height <= 0 ||
		int64(header.Width)*int64(header.Height) > maxFeatures {
		return nil, errors.Errorf("invalid image header %d x %dx%d", header.NumImages, header.Width, header.Height)
	}
	count := int(header.NumImages)
	if opts.Limit > 0 && opts.Limit < count {
		count = opts.Limit
	}
	set := &Set{
		Count:  count,
		Width:  int(header.Width),
		Height: int(header.Height),
	}
	n := set.Features()
	// The header count is not trusted for the allocation: a truncated file fails on
	// its first missing image.
	set.Images = make([]float64, 0, min(count, preallocImages)*n)
	pix := make([]byte, n)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, pix); err != nil {
			return nil, errors.Wrapf(err, "reading image %d of %d", i, count)
		}
		for _, p := range pix {
			if p != 0 {
				set.Images = append(set.Images, 1)
			} else {
				set.Images = append(set.Images, 0)
			}
		}
		if opts.Progress != nil {
			opts.Progress(i+1, count)
		}
	}
	return set, nil
}

// ReadLabels parses an uncompressed idx1 label stream, reading at most limit labels
// when limit > 0.
func ReadLabels(r io.Reader, limit int) ([]int, error) {
	header := labelFileHeader{}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading label header")
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("invalid label file magic 0x%08x", header.Magic)
	}
	if header.NumLabels < 0 {
		return nil, errors.Errorf("invalid label count %d", header.NumLabels)
	}
	count := int(header.NumLabels)
	if limit > 0 && limit < count {
		count = limit
	}
	raw, err := io.ReadAll(io.LimitReader(r, int64(count)))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %d labels", count)
	}
	if len(raw) < count {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "reading %d labels: got %d", count, len(raw))
	}
	labels := make([]int, count)
	for i, l := range raw {
		labels[i] = int(l)
	}
	return labels, nil
}

// WriteImages writes images of width x height bytes in idx3 format. Used to build test data.
func WriteImages(w io.Writer, images [][]byte, width, height int) error {
	header := imageFileHeader{Magic: imageMagic, NumImages: int32(len(images)), Height: int32(height), Width: int32(width)}
	if err := binary.Write(w, binary.BigEndian, &header); err != nil {
		return errors.Wrap(err, "writing image header")
	}
	for i, img := range images {
		if len(img) != width*height {
			return errors.Errorf("image %d has %d pixels, want %dx%d", i, len(img), width, height)
		}
		if _, err := w.Write(img); err != nil {
			return errors.Wrapf(err, "writing image %d", i)
		}
	}
	return nil
}

// WriteLabels writes labels in idx1 format.
func WriteLabels(w io.Writer, labels []byte) error {
	header := labelFileHeader{Magic: labelMagic, NumLabels: int32(len(labels))}
	if err := binary.Write(w, binary.BigEndian, &header); err != nil {
		return errors.Wrap(err, "writing label header")
	}
	_, err := w.Write(labels)
	return errors.Wrap(err, "writing labels")
}
