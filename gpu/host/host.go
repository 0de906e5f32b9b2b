// Package host implements an emulated compute device that runs kernels on the CPU.
//
// The device behaves like an accelerator behind an in-order command queue: commands are
// executed one at a time, in submission order, by a single queue goroutine; within one
// dispatch the work-groups run in parallel and the items of a work-group run in order.
// Buffers live in device memory that is only reachable through the queue.
//
// Kernel programs are WGSL sources. Building a program scans the source for its @compute
// entry points, and every entry point must have a Go implementation registered with
// RegisterKernel.
//
// Import the package for its side effect of registering the "host" driver:
//
//	import _ "github.com/openfluke/offload/gpu/host"
package host

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/openfluke/offload/gpu"
)

// Name is the registered driver name.
const Name = "host"

func init() {
	gpu.RegisterDriver(Driver{})
}

// DefaultLimits are the limits the emulated device reports.
var DefaultLimits = gpu.Limits{
	MaxInvocationsPerWorkgroup: 1024,
	MaxWorkgroupSize:           [3]int{1024, 1024, 64},
	MaxWorkgroupsPerDimension:  65535,
	MaxBufferSize:              2 << 30,
}

// Driver opens the emulated device. It only provides devices of class gpu.ClassCPU.
type Driver struct{}

// Name implements gpu.Driver.
func (Driver) Name() string { return Name }

// Open implements gpu.Driver.
func (Driver) Open(_ context.Context, class gpu.DeviceClass) (gpu.Device, gpu.DeviceInfo, error) {
	if !class.Accepts(gpu.ClassCPU) {
		return nil, gpu.DeviceInfo{}, errors.Wrapf(gpu.ErrNoDevice, "host driver has no %s device", class)
	}
	info := gpu.DeviceInfo{
		Name:   fmt.Sprintf("host emulated device (%d workers)", runtime.GOMAXPROCS(0)),
		Vendor: runtime.GOOS + "/" + runtime.GOARCH,
		Class:  gpu.ClassCPU,
		Limits: DefaultLimits,
	}
	return newDevice(runtime.GOMAXPROCS(0)), info, nil
}

// Item identifies one work item of a dispatch. Dimensions beyond the dispatch rank are 1
// in the size fields and 0 in the id fields.
type Item struct {
	// ID is the global invocation id.
	ID [3]int
	// Size is the padded global extent.
	Size [3]int
	// LocalID is the id within the work-group.
	LocalID [3]int
	// Group is the work-group id.
	Group [3]int
}

// Args are the arguments of one dispatch, in the kernel's positional order.
type Args []Value

// Value is one kernel argument: a buffer or a 4-byte integer.
type Value struct {
	buf *buffer
	i32 int32
}

// F32 returns argument i as a float32 buffer.
func (a Args) F32(i int) []float32 { return a[i].buf.f32 }

// F64 returns argument i as a float64 buffer.
func (a Args) F64(i int) []float64 { return a[i].buf.f64 }

// I32s returns argument i as an int32 buffer.
func (a Args) I32s(i int) []int32 { return a[i].buf.i32 }

// Int returns integer argument i.
func (a Args) Int(i int) int { return int(a[i].i32) }

// KernelFunc runs one work item. It must ignore items outside the problem, since the
// global range is padded to a multiple of the work-group.
type KernelFunc func(it Item, args Args)

var (
	muKernels sync.RWMutex
	kernels   = make(map[string]KernelFunc)
)

// RegisterKernel provides the implementation of a WGSL entry point for the host device.
func RegisterKernel(entry string, fn KernelFunc) {
	muKernels.Lock()
	defer muKernels.Unlock()
	kernels[entry] = fn
}

// RegisteredKernels lists the entry points with a host implementation.
func RegisteredKernels() []string {
	muKernels.RLock()
	defer muKernels.RUnlock()
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupKernel(entry string) (KernelFunc, bool) {
	muKernels.RLock()
	defer muKernels.RUnlock()
	fn, ok := kernels[entry]
	return fn, ok
}

type program struct {
	name    string
	entries []string
	fns     map[string]KernelFunc
}

func (p *program) EntryPoints() []string { return p.entries }

func (p *program) Kernel(entry string) (gpu.KernelHandle, error) {
	fn, ok := p.fns[entry]
	if !ok {
		return nil, errors.Wrapf(gpu.ErrNoEntryPoint, "%q in program %q", entry, p.name)
	}
	return &kernel{name: entry, fn: fn}, nil
}

func (p *program) Release() { p.fns = nil }

type kernel struct {
	name string
	fn   KernelFunc
}

func (k *kernel) Release() { k.fn = nil }

// CompileProgram implements gpu.Device.
func (d *device) CompileProgram(name, source string) (gpu.ProgramHandle, string, error) {
	entries, log := gpu.ScanWGSL(source)
	if log != "" {
		return nil, log, errors.Wrapf(gpu.ErrBuild, "program %q", name)
	}
	p := &program{name: name, entries: entries, fns: make(map[string]KernelFunc, len(entries))}
	var missing []string
	for _, e := range entries {
		fn, ok := lookupKernel(e)
		if !ok {
			missing = append(missing, fmt.Sprintf("entry point %q: no host implementation", e))
			continue
		}
		p.fns[e] = fn
	}
	if len(missing) > 0 {
		log = fmt.Sprint(missing)
		return nil, log, errors.Wrapf(gpu.ErrBuild, "program %q", name)
	}
	klog.V(2).Infof("host: compiled %q: %v", name, entries)
	return p, "", nil
}
