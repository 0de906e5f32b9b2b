package gpu

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeWorkShape(t *testing.T) {
	tests := []struct {
		name           string
		problem, local []int
		global         []int
	}{
		{"1D partial group", []int{28}, []int{16}, []int{32}},
		{"1D exact", []int{64}, []int{16}, []int{64}},
		{"image 16x16", []int{640, 480}, []int{16, 16}, []int{640, 480}},
		{"image odd", []int{3, 1}, []int{16, 16}, []int{16, 16}},
		{"hidden stage", []int{128, 10000}, []int{32, 10}, []int{128, 10000}},
		{"output stage", []int{10, 10000}, []int{5, 10}, []int{10, 10000}},
		{"partial batch", []int{10, 9995}, []int{5, 10}, []int{10, 10000}},
		{"3D", []int{5, 5, 5}, []int{2, 2, 2}, []int{6, 6, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, err := ComputeWorkShape(tt.problem, tt.local)
			require.NoError(t, err)
			assert.Equal(t, tt.global, shape.Global)
			assert.Equal(t, tt.local, shape.Local)
		})
	}
}

func TestComputeWorkShapeErrors(t *testing.T) {
	tests := []struct {
		name           string
		problem, local []int
	}{
		{"empty problem", nil, nil},
		{"rank 4", []int{1, 1, 1, 1}, []int{1, 1, 1, 1}},
		{"rank mismatch", []int{10, 10}, []int{16}},
		{"zero extent", []int{0, 10}, []int{16, 16}},
		{"negative extent", []int{-3}, []int{16}},
		{"zero local", []int{10}, []int{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeWorkShape(tt.problem, tt.local)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDispatch), "got %v", err)
		})
	}
}

// Every padded extent is the smallest multiple of local that covers the problem.
func TestComputeWorkShapeCovers(t *testing.T) {
	for p := 1; p <= 200; p++ {
		for l := 1; l <= 33; l++ {
			shape, err := ComputeWorkShape([]int{p, l}, []int{l, l})
			require.NoError(t, err)
			g := shape.Global[0]
			require.Zero(t, g%l, "p=%d l=%d", p, l)
			require.GreaterOrEqual(t, g, p)
			require.Less(t, g-p, l)
			require.Equal(t, l, shape.Global[1])
		}
	}
}

func TestWorkShapeGroups(t *testing.T) {
	shape, err := ComputeWorkShape([]int{10, 9995}, []int{5, 10})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1000}, shape.Groups())
	assert.Equal(t, 10*10000, shape.Items())
	assert.Equal(t, "global=[10 10000] local=[5 10]", shape.String())
}

func TestCheckShape(t *testing.T) {
	limits := Limits{
		MaxInvocationsPerWorkgroup: 256,
		MaxWorkgroupSize:           [3]int{256, 256, 64},
		MaxWorkgroupsPerDimension:  100,
	}
	ok, err := ComputeWorkShape([]int{640, 480}, []int{16, 16})
	require.NoError(t, err)
	require.NoError(t, checkShape(limits, ok))

	tooMany, err := ComputeWorkShape([]int{64, 64}, []int{32, 32})
	require.NoError(t, err)
	assert.True(t, errors.Is(checkShape(limits, tooMany), ErrDispatch))

	tooWide, err := ComputeWorkShape([]int{512}, []int{512})
	require.NoError(t, err)
	assert.True(t, errors.Is(checkShape(limits, tooWide), ErrDispatch))

	tooManyGroups, err := ComputeWorkShape([]int{2000}, []int{16})
	require.NoError(t, err)
	assert.True(t, errors.Is(checkShape(limits, tooManyGroups), ErrDispatch))
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, 32, RoundUp(28, 16))
	assert.Equal(t, 16, RoundUp(16, 16))
	assert.Equal(t, 10000, RoundUp(9991, 10))
	assert.Equal(t, 1, RoundUp(1, 1))
}

func TestScanWGSL(t *testing.T) {
	source := `
// @compute fn commented_out() {}
/* @compute
   fn also_commented() {} */
@group(0) @binding(0) var<storage, read_write> out: array<f32>;

fn helper(x: f32) -> f32 { return x * 2.0; }

@compute @workgroup_size(WG_X, WG_Y, 1)
fn first(@builtin(global_invocation_id) gid: vec3<u32>) {
    out[gid.x] = helper(1.0);
}

@compute
@workgroup_size(64)
fn second(@builtin(global_invocation_id) gid: vec3<u32>) {
    out[gid.x] = 0.0;
}
`
	entries, log := ScanWGSL(source)
	assert.Empty(t, log)
	assert.Equal(t, []string{"first", "second"}, entries)

	_, log = ScanWGSL("@compute @workgroup_size(1)\nfn f() {\n  let x = (1 + 2;\n}\n")
	assert.Contains(t, log, "line 3")

	_, log = ScanWGSL("@compute @workgroup_size(1)\nfn f() {\n")
	assert.Contains(t, log, `line 2: unclosed '{'`)

	_, log = ScanWGSL("fn helper() {}\n")
	assert.Contains(t, log, "no @compute entry point")
}

func TestKernelSpec(t *testing.T) {
	spec := KernelSpec{
		Entry: "scale",
		Params: []Param{
			BufferOf("out", Float32, ReadWrite),
			BufferOf("in", Float32, ReadOnly),
			Int32Of("n"),
		},
		Local: []int{64},
	}
	require.NoError(t, spec.Validate())
	assert.Equal(t, "scale(out: read-write f32 buffer, in: read-only f32 buffer, n: i32)", spec.Signature())

	assert.True(t, errors.Is(KernelSpec{}.Validate(), ErrConfig))
	assert.True(t, errors.Is(KernelSpec{Entry: "x", Local: []int{0}}.Validate(), ErrConfig))
	assert.True(t, errors.Is(KernelSpec{Entry: "x", Params: []Param{BufferOf("b", InvalidDType, ReadOnly)}}.Validate(), ErrConfig))
}

func TestErrorClasses(t *testing.T) {
	assert.True(t, errors.Is(ErrNoPlatform, ErrConfig))
	assert.True(t, errors.Is(ErrNoDevice, ErrConfig))
	assert.True(t, errors.Is(ErrNoEntryPoint, ErrBuild))
	assert.True(t, errors.Is(ErrOutOfMemory, ErrResource))
	assert.True(t, errors.Is(ErrArgument, ErrDispatch))
	assert.False(t, errors.Is(ErrAccess, ErrDispatch))

	var err error = errors.WithStack(&BuildError{Program: "p.wgsl", Log: "line 1: boom"})
	assert.True(t, errors.Is(err, ErrBuild))
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "line 1: boom", be.Log)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvDriver, "host")
	t.Setenv(EnvDeviceClass, "cpu")
	t.Setenv(EnvBudgetMB, "16")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Config{Driver: "host", Class: ClassCPU, BudgetBytes: 16 << 20}, cfg)

	t.Setenv(EnvBudgetMB, "lots")
	_, err = ConfigFromEnv()
	assert.True(t, errors.Is(err, ErrConfig))

	t.Setenv(EnvBudgetMB, "")
	t.Setenv(EnvDeviceClass, "fpga")
	_, err = ConfigFromEnv()
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestDeviceClass(t *testing.T) {
	assert.True(t, ClassAny.Accepts(ClassGPU))
	assert.True(t, ClassAny.Accepts(ClassCPU))
	assert.True(t, ClassGPU.Accepts(ClassGPU))
	assert.False(t, ClassGPU.Accepts(ClassCPU))
	assert.False(t, ClassCPU.Accepts(ClassGPU))

	c, err := ParseDeviceClass("")
	require.NoError(t, err)
	assert.Equal(t, ClassGPU, c)
	c, err = ParseDeviceClass(" Any ")
	require.NoError(t, err)
	assert.Equal(t, ClassAny, c)
}

func TestDTypes(t *testing.T) {
	assert.Equal(t, Float32, DTypeOf[float32]())
	assert.Equal(t, Float64, DTypeOf[float64]())
	assert.Equal(t, Int32, DTypeOf[int32]())
	assert.Equal(t, 8, Float64.Size())
	assert.Equal(t, 4, Int32.Size())
	assert.Equal(t, 0, InvalidDType.Size())
	assert.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0}, bytesOf([]int32{1, 2}))
}
