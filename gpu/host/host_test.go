package host

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/offload/gpu"
)

const idsSource = `
@compute @workgroup_size(WG_X, WG_Y, 1)
fn host_test_ids(@builtin(global_invocation_id) gid: vec3<u32>) {}

@compute @workgroup_size(WG_X, 1, 1)
fn host_test_add(@builtin(global_invocation_id) gid: vec3<u32>) {}
`

func init() {
	// host_test_ids counts the visits of every padded global id and checks the
	// local and group ids are consistent with it.
	RegisterKernel("host_test_ids", func(it Item, args Args) {
		visits, bad := args.I32s(0), args.I32s(1)
		local := [3]int{args.Int(2), args.Int(3), 1}
		for i := range 3 {
			if it.ID[i] != it.Group[i]*local[i]+it.LocalID[i] {
				bad[0] = 1
			}
		}
		visits[it.ID[1]*it.Size[0]+it.ID[0]]++
	})
	// host_test_add adds the scalar argument to every element.
	RegisterKernel("host_test_add", func(it Item, args Args) {
		buf := args.F64(0)
		if it.ID[0] < len(buf) {
			buf[it.ID[0]] += float64(args.Int(1))
		}
	})
}

func mustCompile(t *testing.T, d *device) gpu.ProgramHandle {
	t.Helper()
	prog, log, err := d.CompileProgram("ids.wgsl", idsSource)
	require.NoError(t, err, log)
	return prog
}

func TestOpenClass(t *testing.T) {
	for _, class := range []gpu.DeviceClass{gpu.ClassCPU, gpu.ClassAny} {
		dev, info, err := Driver{}.Open(context.Background(), class)
		require.NoError(t, err)
		assert.Equal(t, gpu.ClassCPU, info.Class)
		require.NoError(t, dev.ReleaseQueue())
		require.NoError(t, dev.ReleaseContext())
	}
	_, _, err := Driver{}.Open(context.Background(), gpu.ClassGPU)
	assert.True(t, errors.Is(err, gpu.ErrNoDevice))
}

func TestWorkItems(t *testing.T) {
	d := newDevice(4)
	defer func() {
		require.NoError(t, d.ReleaseQueue())
		require.NoError(t, d.ReleaseContext())
	}()
	prog := mustCompile(t, d)
	k, err := prog.Kernel("host_test_ids")
	require.NoError(t, err)

	shape, err := gpu.ComputeWorkShape([]int{19, 7}, []int{8, 4})
	require.NoError(t, err)
	n := shape.Items()
	visits, err := d.NewBuffer("visits", gpu.Int32, n, gpu.ReadWrite)
	require.NoError(t, err)
	bad, err := d.NewBuffer("bad", gpu.Int32, 1, gpu.ReadWrite)
	require.NoError(t, err)

	ev, err := d.EnqueueKernel(k, []gpu.BoundArg{
		{Kind: gpu.BufferParam, Buffer: visits, DType: gpu.Int32},
		{Kind: gpu.BufferParam, Buffer: bad, DType: gpu.Int32},
		{Kind: gpu.Int32Param, Int32: 8},
		{Kind: gpu.Int32Param, Int32: 4},
	}, shape)
	require.NoError(t, err)
	require.NoError(t, ev.Wait())

	// Every padded id is visited exactly once.
	for i, v := range visits.(*buffer).i32 {
		require.Equal(t, int32(1), v, "item %d", i)
	}
	assert.Zero(t, bad.(*buffer).i32[0])
}

// Commands run in submission order: each addition sees the result of the previous one
// without any wait in between.
func TestInOrder(t *testing.T) {
	d := newDevice(8)
	defer func() {
		require.NoError(t, d.ReleaseQueue())
		require.NoError(t, d.ReleaseContext())
	}()
	prog := mustCompile(t, d)
	k, err := prog.Kernel("host_test_add")
	require.NoError(t, err)

	const n = 64
	buf, err := d.NewBuffer("acc", gpu.Float64, n, gpu.ReadWrite)
	require.NoError(t, err)
	shape, err := gpu.ComputeWorkShape([]int{n}, []int{16})
	require.NoError(t, err)

	for round := 1; round <= 10; round++ {
		_, err := d.EnqueueKernel(k, []gpu.BoundArg{
			{Kind: gpu.BufferParam, Buffer: buf, DType: gpu.Float64},
			{Kind: gpu.Int32Param, Int32: int32(round)},
		}, shape)
		require.NoError(t, err)
		if round == 5 {
			// Overwrite halfway: the first five rounds must be lost.
			zeros := make([]byte, n*8)
			require.NoError(t, d.EnqueueWrite(buf, zeros))
		}
	}
	got := make([]byte, n*8)
	require.NoError(t, d.EnqueueRead(buf, got))
	want := float64(6 + 7 + 8 + 9 + 10)
	for i := range n {
		v := math.Float64frombits(binary.LittleEndian.Uint64(got[i*8:]))
		require.Equal(t, want, v, "element %d", i)
	}
}

func TestFault(t *testing.T) {
	d := newDevice(2)
	prog := mustCompile(t, d)
	k, err := prog.Kernel("host_test_ids")
	require.NoError(t, err)
	small, err := d.NewBuffer("small", gpu.Int32, 1, gpu.ReadWrite)
	require.NoError(t, err)
	shape, err := gpu.ComputeWorkShape([]int{4, 4}, []int{2, 2})
	require.NoError(t, err)

	ev, err := d.EnqueueKernel(k, []gpu.BoundArg{
		{Kind: gpu.BufferParam, Buffer: small, DType: gpu.Int32},
		{Kind: gpu.BufferParam, Buffer: small, DType: gpu.Int32},
		{Kind: gpu.Int32Param, Int32: 2},
		{Kind: gpu.Int32Param, Int32: 2},
	}, shape)
	require.NoError(t, err)
	err = ev.Wait()
	assert.True(t, errors.Is(err, gpu.ErrDispatch), "got %v", err)

	err = d.Finish()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device faulted by an earlier command")

	assert.Error(t, d.ReleaseContext(), "context released before its queue")
	require.NoError(t, d.ReleaseQueue())
	require.NoError(t, d.ReleaseContext())
	assert.True(t, errors.Is(d.Finish(), gpu.ErrResource))
	assert.True(t, errors.Is(d.ReleaseQueue(), gpu.ErrResource))
}

func TestCompileProgram(t *testing.T) {
	d := newDevice(1)
	defer func() { _ = d.ReleaseQueue() }()

	prog := mustCompile(t, d)
	assert.Equal(t, []string{"host_test_ids", "host_test_add"}, prog.EntryPoints())
	_, err := prog.Kernel("missing")
	assert.True(t, errors.Is(err, gpu.ErrNoEntryPoint))

	_, log, err := d.CompileProgram("unknown.wgsl", "@compute @workgroup_size(1)\nfn nowhere() {}\n")
	assert.True(t, errors.Is(err, gpu.ErrBuild))
	assert.Contains(t, log, `"nowhere": no host implementation`)

	assert.Contains(t, RegisteredKernels(), "host_test_add")
}
