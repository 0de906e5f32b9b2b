// Package sobel runs 3x3 image filters (Sobel edge magnitude, Gaussian blur) on a
// compute device, and sequentially on the host for reference.
//
// Images are row-major, single channel float32 slices of width*height pixels.
package sobel

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/openfluke/offload/gpu"
	"github.com/openfluke/offload/kernels"
)

// Filter selects the 3x3 filter.
type Filter int

const (
	Sobel Filter = iota
	Gaussian
)

func (f Filter) String() string {
	if f == Gaussian {
		return "gaussian"
	}
	return "sobel"
}

// ParseFilter parses "sobel" or "gaussian".
func ParseFilter(s string) (Filter, error) {
	switch s {
	case "sobel", "":
		return Sobel, nil
	case "gaussian":
		return Gaussian, nil
	}
	return Sobel, errors.Errorf("unknown filter %q (want sobel or gaussian)", s)
}

// Spec returns the kernel configuration of the filter.
func (f Filter) Spec() gpu.KernelSpec {
	if f == Gaussian {
		return kernels.Gaussian
	}
	return kernels.Sobel
}

// Image is a row-major grayscale image.
type Image struct {
	Pix    []float32
	Width  int
	Height int
}

// NewImage returns a black image.
func NewImage(width, height int) *Image {
	return &Image{Pix: make([]float32, width*height), Width: width, Height: height}
}

func (img *Image) validate() error {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return errors.New("empty image")
	}
	if len(img.Pix) != img.Width*img.Height {
		return errors.Errorf("image has %d pixels, want %dx%d", len(img.Pix), img.Width, img.Height)
	}
	return nil
}

// Result is the output of one pipeline run.
type Result struct {
	Image *Image

	// Elapsed covers the dispatch until its completion, excluding the upload and download.
	Elapsed time.Duration
	Shape   gpu.WorkShape
}

// Pipeline runs one filter kernel on a session. Build it once and Run it per image.
type Pipeline struct {
	s      *gpu.Session
	filter Filter
	prog   *gpu.Program
	kernel *gpu.Kernel
}

// New builds the filter program from source and instantiates its kernel.
// An empty source selects the embedded kernels.ConvSource.
func New(s *gpu.Session, filter Filter, source string) (*Pipeline, error) {
	name := kernels.ConvFile
	if source == "" {
		source = kernels.ConvSource
	} else {
		name = "custom " + name
	}
	prog, err := s.Build(name, source)
	if err != nil {
		return nil, err
	}
	return newPipeline(s, filter, prog)
}

// Load builds the filter program from a kernel source file.
func Load(s *gpu.Session, filter Filter, path string) (*Pipeline, error) {
	prog, err := s.LoadProgram(path)
	if err != nil {
		return nil, err
	}
	return newPipeline(s, filter, prog)
}

func newPipeline(s *gpu.Session, filter Filter, prog *gpu.Program) (*Pipeline, error) {
	k, err := prog.Kernel(filter.Spec())
	if err != nil {
		prog.Release()
		return nil, err
	}
	return &Pipeline{s: s, filter: filter, prog: prog, kernel: k}, nil
}

// Filter returns the filter the pipeline runs.
func (p *Pipeline) Filter() Filter { return p.filter }

// Run filters img on the device: upload, dispatch over width x height, wait, download.
func (p *Pipeline) Run(img *Image) (*Result, error) {
	if err := img.validate(); err != nil {
		return nil, err
	}
	n := img.Width * img.Height
	arena := p.s.NewArena(p.filter.String())
	defer arena.Release()

	in, err := arena.Input("input", gpu.Float32, n)
	if err != nil {
		return nil, err
	}
	out, err := arena.Output("output", gpu.Float32, n)
	if err != nil {
		return nil, err
	}
	if err := gpu.Upload(in, img.Pix); err != nil {
		return nil, err
	}
	err = p.kernel.Bind(
		gpu.BufferArg(out),
		gpu.BufferArg(in),
		gpu.Int32Arg(int32(img.Width)),
		gpu.Int32Arg(int32(img.Height)),
	)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ev, err := p.s.Dispatch(p.kernel, []int{img.Width, img.Height}, nil)
	if err != nil {
		return nil, err
	}
	if err := ev.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	res := &Result{Image: NewImage(img.Width, img.Height), Elapsed: elapsed, Shape: ev.Shape}
	if err := gpu.Download(out, res.Image.Pix); err != nil {
		return nil, err
	}
	klog.V(1).Infof("sobel: %s %dx%d on device in %s (%v)", p.filter, img.Width, img.Height, elapsed, ev.Shape)
	return res, nil
}

// Close releases the kernel and the program.
func (p *Pipeline) Close() {
	p.kernel.Release()
	p.prog.Release()
}

// Sequential filters img on the host, one pixel at a time.
func Sequential(filter Filter, img *Image) (*Image, time.Duration, error) {
	if err := img.validate(); err != nil {
		return nil, 0, err
	}
	at := kernels.SobelAt
	if filter == Gaussian {
		at = kernels.GaussianAt
	}
	start := time.Now()
	out := NewImage(img.Width, img.Height)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			if kernels.IsBorder(x, y, img.Width, img.Height) {
				continue
			}
			out.Pix[y*img.Width+x] = at(img.Pix, img.Width, x, y)
		}
	}
	return out, time.Since(start), nil
}

// MaxInteriorDiff returns the largest absolute difference between a and b over interior
// pixels, and whether every border pixel of both is exactly 0.
func MaxInteriorDiff(a, b *Image) (diff float32, bordersZero bool) {
	bordersZero = true
	for y := 0; y < a.Height; y++ {
		for x := 0; x < a.Width; x++ {
			i := y*a.Width + x
			if kernels.IsBorder(x, y, a.Width, a.Height) {
				if a.Pix[i] != 0 || b.Pix[i] != 0 {
					bordersZero = false
				}
				continue
			}
			d := a.Pix[i] - b.Pix[i]
			if d < 0 {
				d = -d
			}
			diff = max(diff, d)
		}
	}
	return diff, bordersZero
}
