package kernels

import (
	"math"

	"github.com/openfluke/offload/gpu/host"
)

func init() {
	host.RegisterKernel(SobelEntry, sobelItem)
	host.RegisterKernel(GaussianEntry, gaussianItem)
	host.RegisterKernel(MatMulEntry, matMulItem)
}

var (
	sobelX = [9]float32{
		-1, 0, 1,
		-2, 0, 2,
		-1, 0, 1,
	}
	sobelY = [9]float32{
		-1, -2, -1,
		0, 0, 0,
		1, 2, 1,
	}
	gaussian = [9]float32{
		1, 2, 1,
		2, 4, 2,
		1, 2, 1,
	}
)

// IsBorder reports whether (x, y) is on the one pixel border of a width x height image.
func IsBorder(x, y, width, height int) bool {
	return x < 1 || y < 1 || x >= width-1 || y >= height-1
}

// SobelAt is the Sobel gradient magnitude at the interior pixel (x, y), clamped to [0, 255].
func SobelAt(in []float32, width, x, y int) float32 {
	var dx, dy float32
	k := 0
	for j := -1; j <= 1; j++ {
		for i := -1; i <= 1; i++ {
			p := in[(y+j)*width+(x+i)]
			dy += p * sobelY[k]
			dx += p * sobelX[k]
			k++
		}
	}
	magnitude := float32(math.Sqrt(float64(dy*dy + dx*dx)))
	return min(max(magnitude, 0), 255)
}

// GaussianAt is the 3x3 Gaussian blur at the interior pixel (x, y).
func GaussianAt(in []float32, width, x, y int) float32 {
	var sum float32
	k := 0
	for j := -1; j <= 1; j++ {
		for i := -1; i <= 1; i++ {
			sum += in[(y+j)*width+(x+i)] * gaussian[k]
			k++
		}
	}
	return sum / 16
}

func filterItem(at func([]float32, int, int, int) float32) host.KernelFunc {
	return func(it host.Item, args host.Args) {
		out, in := args.F32(0), args.F32(1)
		width, height := args.Int(2), args.Int(3)
		x, y := it.ID[0], it.ID[1]
		if x >= width || y >= height {
			return
		}
		if IsBorder(x, y, width, height) {
			out[y*width+x] = 0
			return
		}
		out[y*width+x] = at(in, width, x, y)
	}
}

var (
	sobelItem    = filterItem(SobelAt)
	gaussianItem = filterItem(GaussianAt)
)

func matMulItem(it host.Item, args host.Args) {
	a, b, c := args.F64(0), args.F64(1), args.F64(2)
	k := args.Int(3)
	if k <= 0 {
		return
	}
	cols, rows := len(b)/k, len(a)/k
	col, row := it.ID[0], it.ID[1]
	if col >= cols || row >= rows {
		return
	}
	var sum float64
	for i := 0; i < k; i++ {
		sum += a[row*k+i] * b[i*cols+col]
	}
	c[row*cols+col] = sum
}
