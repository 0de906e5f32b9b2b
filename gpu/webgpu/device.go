package webgpu

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/openfluke/offload/gpu"
)

// device is one adapter, its logical device and its queue. WebGPU queues execute in
// submission order.
type device struct {
	inst    *wgpu.Instance
	adapter *wgpu.Adapter
	dev     *wgpu.Device
	queue   *wgpu.Queue
}

// storageSize is the size of one device element: f64 values are stored as f32.
const storageSize = 4

// readTimeout bounds the wait for a staging buffer mapping.
const readTimeout = 30 * time.Second

type buffer struct {
	b     *wgpu.Buffer
	dtype gpu.DType
	n     int
}

// Release implements gpu.BufferHandle.
func (b *buffer) Release() {
	if b.b == nil {
		return
	}
	b.b.Destroy()
	b.b.Release()
	b.b = nil
}

// NewBuffer implements gpu.Device.
func (d *device) NewBuffer(label string, dtype gpu.DType, n int, _ gpu.Access) (gpu.BufferHandle, error) {
	b, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(n * storageSize),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrResource, "creating buffer %q: %v", label, err)
	}
	return &buffer{b: b, dtype: dtype, n: n}, nil
}

// toDevice converts host bytes of dtype to the device representation.
func toDevice(dtype gpu.DType, data []byte) []byte {
	if dtype != gpu.Float64 {
		return data
	}
	src := wgpu.FromBytes[float64](data)
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = float32(v)
	}
	return wgpu.ToBytes(dst)
}

// EnqueueWrite implements gpu.Device.
func (d *device) EnqueueWrite(h gpu.BufferHandle, data []byte) error {
	b := h.(*buffer)
	d.queue.WriteBuffer(b.b, 0, toDevice(b.dtype, data))
	return nil
}

// EnqueueRead implements gpu.Device: it copies the buffer to a mappable staging buffer,
// submits and polls the device until the mapping completes.
func (d *device) EnqueueRead(h gpu.BufferHandle, dst []byte) error {
	b := h.(*buffer)
	n := len(dst) / b.dtype.Size()
	size := uint64(n * storageSize)
	staging, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return errors.Wrapf(gpu.ErrResource, "creating staging buffer: %v", err)
	}
	defer staging.Release()
	defer staging.Destroy()

	enc, err := d.dev.CreateCommandEncoder(nil)
	if err != nil {
		return errors.Wrapf(gpu.ErrDispatch, "creating command encoder: %v", err)
	}
	enc.CopyBufferToBuffer(b.b, 0, staging, 0, size)
	cmd, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return errors.Wrapf(gpu.ErrDispatch, "finishing read commands: %v", err)
	}
	d.queue.Submit(cmd)
	cmd.Release()

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = errors.Wrapf(gpu.ErrDispatch, "map status: %d", status)
		}
		close(done)
	})
	if err != nil {
		return errors.Wrapf(gpu.ErrDispatch, "map staging buffer: %v", err)
	}
	timeout := time.After(readTimeout)
Loop:
	for {
		d.dev.Poll(true, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return errors.Wrapf(gpu.ErrDispatch, "reading buffer timed out after %s", readTimeout)
		default:
		}
	}
	if mapErr != nil {
		return mapErr
	}
	data := staging.GetMappedRange(0, uint(size))
	defer staging.Unmap()
	if data == nil {
		return errors.Wrap(gpu.ErrDispatch, "mapped range nil")
	}
	fromDevice(b.dtype, data, dst)
	return nil
}

// fromDevice converts device bytes back to host bytes of dtype, writing them into dst.
func fromDevice(dtype gpu.DType, data, dst []byte) {
	if dtype != gpu.Float64 {
		copy(dst, data)
		return
	}
	src := wgpu.FromBytes[float32](data)
	out := wgpu.FromBytes[float64](dst)
	for i := range out {
		out[i] = float64(src[i])
	}
}

type program struct {
	d       *device
	name    string
	source  string
	entries []string
}

// EntryPoints implements gpu.ProgramHandle.
func (p *program) EntryPoints() []string { return p.entries }

// Kernel implements gpu.ProgramHandle.
func (p *program) Kernel(entry string) (gpu.KernelHandle, error) {
	return &kernel{p: p, entry: entry, pipelines: make(map[[3]int]*wgpu.ComputePipeline)}, nil
}

// Release implements gpu.ProgramHandle.
func (p *program) Release() {}

// prelude defines the work-group size constants for one local shape.
func prelude(local [3]int) string {
	return fmt.Sprintf("const WG_X: u32 = %du;\nconst WG_Y: u32 = %du;\nconst WG_Z: u32 = %du;\n",
		local[0], local[1], local[2])
}

// CompileProgram implements gpu.Device. The source is validated by building a shader
// module with a 1x1x1 work-group; pipelines are built per local shape at dispatch.
func (d *device) CompileProgram(name, source string) (gpu.ProgramHandle, string, error) {
	entries, log := gpu.ScanWGSL(source)
	if log != "" {
		return nil, log, errors.Wrapf(gpu.ErrBuild, "program %q", name)
	}
	module, err := d.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: prelude([3]int{1, 1, 1}) + source},
	})
	if err != nil {
		return nil, err.Error(), errors.Wrapf(gpu.ErrBuild, "program %q", name)
	}
	module.Release()
	klog.V(2).Infof("webgpu: compiled %q: %v", name, entries)
	return &program{d: d, name: name, source: source, entries: entries}, "", nil
}

type kernel struct {
	p         *program
	entry     string
	pipelines map[[3]int]*wgpu.ComputePipeline
}

// Release implements gpu.KernelHandle.
func (k *kernel) Release() {
	for local, pl := range k.pipelines {
		pl.Release()
		delete(k.pipelines, local)
	}
}

func (k *kernel) pipeline(local [3]int) (*wgpu.ComputePipeline, error) {
	if pl, ok := k.pipelines[local]; ok {
		return pl, nil
	}
	label := fmt.Sprintf("%s_%dx%dx%d", k.entry, local[0], local[1], local[2])
	module, err := k.p.d.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: prelude(local) + k.p.source},
	})
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrBuild, "shader %s: %v", label, err)
	}
	defer module.Release()
	pl, err := k.p.d.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: label,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: k.entry,
		},
	})
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrBuild, "pipeline %s: %v", label, err)
	}
	k.pipelines[local] = pl
	return pl, nil
}

// uniforms packs the int32 arguments, 16 byte aligned.
func uniforms(args []gpu.BoundArg) []byte {
	var out []byte
	for _, a := range args {
		if a.Kind == gpu.Int32Param {
			out = binary.LittleEndian.AppendUint32(out, uint32(a.Int32))
		}
	}
	if len(out) == 0 {
		return nil
	}
	for len(out)%16 != 0 {
		out = append(out, 0)
	}
	return out
}

type event struct {
	d *device
}

// Wait implements gpu.EventHandle.
func (e *event) Wait() error {
	e.d.dev.Poll(true, nil)
	return nil
}

// EnqueueKernel implements gpu.Device.
func (d *device) EnqueueKernel(h gpu.KernelHandle, args []gpu.BoundArg, shape gpu.WorkShape) (gpu.EventHandle, error) {
	k := h.(*kernel)
	var local, groups [3]int
	for i := range local {
		local[i], groups[i] = 1, 1
	}
	g := shape.Groups()
	copy(local[:], shape.Local)
	copy(groups[:], g)
	pl, err := k.pipeline(local)
	if err != nil {
		return nil, err
	}

	var entries []wgpu.BindGroupEntry
	for _, a := range args {
		if a.Kind != gpu.BufferParam {
			continue
		}
		b := a.Buffer.(*buffer)
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: uint32(len(entries)),
			Buffer:  b.b,
			Size:    b.b.GetSize(),
		})
	}
	if data := uniforms(args); data != nil {
		u, err := d.dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    k.entry + "_uniforms",
			Contents: data,
			Usage:    wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, errors.Wrapf(gpu.ErrResource, "uniform buffer: %v", err)
		}
		defer u.Release()
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: uint32(len(entries)),
			Buffer:  u,
			Size:    uint64(len(data)),
		})
	}
	bg, err := d.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   k.entry + "_bind",
		Layout:  pl.GetBindGroupLayout(0),
		Entries: entries,
	})
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrArgument, "binding %q: %v", k.entry, err)
	}
	defer bg.Release()

	enc, err := d.dev.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrDispatch, "creating command encoder: %v", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pl)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(uint32(groups[0]), uint32(groups[1]), uint32(groups[2]))
	pass.End()
	cmd, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrDispatch, "finishing %q: %v", k.entry, err)
	}
	d.queue.Submit(cmd)
	cmd.Release()
	return &event{d: d}, nil
}

// Finish implements gpu.Device.
func (d *device) Finish() error {
	d.dev.Poll(true, nil)
	return nil
}

// ReleaseQueue implements gpu.Device.
func (d *device) ReleaseQueue() error {
	if d.queue == nil {
		return errors.Wrap(gpu.ErrClosed, "queue already released")
	}
	d.queue.Release()
	d.queue = nil
	return nil
}

// ReleaseContext implements gpu.Device.
func (d *device) ReleaseContext() error {
	if d.dev == nil {
		return errors.Wrap(gpu.ErrClosed, "context already released")
	}
	d.dev.Release()
	d.adapter.Release()
	d.inst.Release()
	d.dev = nil
	return nil
}

