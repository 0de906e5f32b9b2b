// Package kernels holds the compute kernels of the two pipelines: their WGSL sources,
// their configuration (entry point, parameter schema, local work-group shape) and the
// implementations the host device runs for each entry point.
//
// The WGSL sources use WG_X and WG_Y in @workgroup_size: drivers that compile WGSL
// define them for the local shape of each dispatch.
package kernels

import (
	_ "embed"

	"github.com/openfluke/offload/gpu"
)

// File names of the embedded sources.
const (
	ConvFile   = "conv.wgsl"
	MatMulFile = "matmul.wgsl"
)

var (
	// ConvSource defines img_sobel and img_gaussian.
	//go:embed conv.wgsl
	ConvSource string

	// MatMulSource defines mat_mul.
	//go:embed matmul.wgsl
	MatMulSource string
)

// Entry point names.
const (
	SobelEntry    = "img_sobel"
	GaussianEntry = "img_gaussian"
	MatMulEntry   = "mat_mul"
)

// Sobel is img_sobel(output, input, width, height) on 16x16 work-groups.
var Sobel = gpu.KernelSpec{
	Entry: SobelEntry,
	Params: []gpu.Param{
		gpu.BufferOf("output", gpu.Float32, gpu.ReadWrite),
		gpu.BufferOf("input", gpu.Float32, gpu.ReadOnly),
		gpu.Int32Of("width"),
		gpu.Int32Of("height"),
	},
	Local: []int{16, 16},
}

// Gaussian is img_gaussian, with the same arguments and shape as Sobel.
var Gaussian = gpu.KernelSpec{
	Entry:  GaussianEntry,
	Params: Sobel.Params,
	Local:  Sobel.Local,
}

// MatMul is mat_mul(a, b, c, k). It has no default local shape: each stage of the
// matmul pipeline dispatches it with its own.
var MatMul = gpu.KernelSpec{
	Entry: MatMulEntry,
	Params: []gpu.Param{
		gpu.BufferOf("a", gpu.Float64, gpu.ReadOnly),
		gpu.BufferOf("b", gpu.Float64, gpu.ReadOnly),
		gpu.BufferOf("c", gpu.Float64, gpu.ReadWrite),
		gpu.Int32Of("k"),
	},
}

// Specs maps kernel names to their configuration.
var Specs = map[string]gpu.KernelSpec{
	SobelEntry:    Sobel,
	GaussianEntry: Gaussian,
	MatMulEntry:   MatMul,
}

// Source returns the embedded source that defines entry.
func Source(entry string) (name, source string, ok bool) {
	switch entry {
	case SobelEntry, GaussianEntry:
		return ConvFile, ConvSource, true
	case MatMulEntry:
		return MatMulFile, MatMulSource, true
	}
	return "", "", false
}
