package gpu

import (
	"context"
	"sort"
	"sync"
)

// Limits are the dispatch and allocation limits of a device.
type Limits struct {
	MaxInvocationsPerWorkgroup int
	MaxWorkgroupSize           [3]int
	MaxWorkgroupsPerDimension  int
	MaxBufferSize              uint64
}

// DeviceInfo describes the device a driver opened.
type DeviceInfo struct {
	Name   string
	Vendor string
	Driver string
	Class  DeviceClass
	Limits Limits
}

// Driver discovers and opens compute devices. Implementations register themselves
// with RegisterDriver from an init function.
type Driver interface {
	// Name is the registered name of the driver.
	Name() string

	// Open discovers exactly one device of the given class and creates a context and
	// an in-order queue on it. It fails with ErrNoPlatform or ErrNoDevice.
	Open(ctx context.Context, class DeviceClass) (Device, DeviceInfo, error)
}

// Device is an opened device: one context plus one in-order command queue.
// Commands are executed in submission order.
type Device interface {
	// CompileProgram builds source for the device. On failure it returns the build log.
	CompileProgram(name, source string) (ProgramHandle, string, error)

	// NewBuffer reserves device memory for n elements of dtype.
	NewBuffer(label string, dtype DType, n int, access Access) (BufferHandle, error)

	// EnqueueWrite queues a host to device copy. The driver owns data after the call.
	EnqueueWrite(b BufferHandle, data []byte) error

	// EnqueueRead queues a device to host copy into dst and blocks until it is complete.
	EnqueueRead(b BufferHandle, dst []byte) error

	// EnqueueKernel queues one N-dimensional range execution. The arguments are captured
	// at enqueue time.
	EnqueueKernel(k KernelHandle, args []BoundArg, shape WorkShape) (EventHandle, error)

	// Finish blocks until every queued command has completed.
	Finish() error

	// ReleaseQueue and ReleaseContext tear the device down, in that order.
	ReleaseQueue() error
	ReleaseContext() error
}

// ProgramHandle is a compiled program owned by a Device.
type ProgramHandle interface {
	EntryPoints() []string
	Kernel(entry string) (KernelHandle, error)
	Release()
}

// KernelHandle is one entry point of a ProgramHandle.
type KernelHandle interface {
	Release()
}

// BufferHandle is device memory owned by a Device.
type BufferHandle interface {
	Release()
}

// EventHandle is the completion token of one enqueued command.
type EventHandle interface {
	Wait() error
}

// BoundArg is a kernel argument as handed to a driver.
type BoundArg struct {
	Kind   ParamKind
	Buffer BufferHandle
	DType  DType
	Int32  int32
}

var (
	muDrivers sync.Mutex
	drivers   = make(map[string]Driver)
	firstName string
)

// RegisterDriver makes a driver available by name. Call it during package initialization.
func RegisterDriver(d Driver) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if len(drivers) == 0 {
		firstName = d.Name()
	}
	drivers[d.Name()] = d
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultDriver is "webgpu" when registered, otherwise the first registered driver.
func DefaultDriver() string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if _, ok := drivers["webgpu"]; ok {
		return "webgpu"
	}
	return firstName
}

func lookupDriver(name string) (Driver, bool) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	d, ok := drivers[name]
	return d, ok
}
