package gpu

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DType is the element type of a device buffer.
type DType int

const (
	InvalidDType DType = iota
	Float32
	Float64
	Int32
)

// Size is the size in bytes of one element.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	case Int32:
		return "i32"
	}
	return "invalid"
}

// Scalar is the set of host element types that can be staged into device buffers.
type Scalar interface {
	float32 | float64 | int32
}

// DTypeOf returns the DType of the host type T.
func DTypeOf[T Scalar]() DType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return Int32
	}
	return InvalidDType
}

// Access is the access mode of a device buffer as seen by kernels.
type Access int

const (
	ReadOnly Access = iota
	ReadWrite
)

func (a Access) String() string {
	if a == ReadOnly {
		return "read-only"
	}
	return "read-write"
}

// Buffer is a region of device memory.
//
// A read-only buffer is an input: it is uploaded to, never downloaded from.
// A scratch buffer is only ever written and read by kernels.
type Buffer struct {
	s       *Session
	h       BufferHandle
	label   string
	dtype   DType
	n       int
	access  Access
	scratch bool
}

// Label returns the debugging label given at allocation.
func (b *Buffer) Label() string { return b.label }

// DType returns the element type.
func (b *Buffer) DType() DType { return b.dtype }

// Len returns the number of elements.
func (b *Buffer) Len() int { return b.n }

// Size returns the length in bytes.
func (b *Buffer) Size() int { return b.n * b.dtype.Size() }

// Access returns the access mode.
func (b *Buffer) Access() Access { return b.access }

// Scratch reports whether the buffer is dispatch-to-dispatch scratch.
func (b *Buffer) Scratch() bool { return b.scratch }

// Released reports whether Release was called.
func (b *Buffer) Released() bool { return b.h == nil }

// Alloc reserves n elements of dtype on the device.
func (s *Session) Alloc(label string, dtype DType, n int, access Access) (*Buffer, error) {
	return s.alloc(label, dtype, n, access, false)
}

func (s *Session) alloc(label string, dtype DType, n int, access Access, scratch bool) (*Buffer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if dtype.Size() == 0 {
		return nil, errors.Wrapf(ErrResource, "allocating %q: invalid dtype", label)
	}
	if n <= 0 {
		return nil, errors.Wrapf(ErrResource, "allocating %q: non-positive length %d", label, n)
	}
	size := uint64(n) * uint64(dtype.Size())
	if limit := s.info.Limits.MaxBufferSize; limit > 0 && size > limit {
		return nil, errors.Wrapf(ErrOutOfMemory, "allocating %q: %s exceeds device limit %s",
			label, humanize.IBytes(size), humanize.IBytes(limit))
	}
	if budget := s.cfg.BudgetBytes; budget > 0 && s.allocated+size > budget {
		return nil, errors.Wrapf(ErrOutOfMemory, "allocating %q: %s with %s in use exceeds budget %s",
			label, humanize.IBytes(size), humanize.IBytes(s.allocated), humanize.IBytes(budget))
	}
	h, err := s.dev.NewBuffer(label, dtype, n, access)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %q (%s)", label, humanize.IBytes(size))
	}
	b := &Buffer{s: s, h: h, label: label, dtype: dtype, n: n, access: access, scratch: scratch}
	s.allocated += size
	s.track(b, "buffer "+label)
	klog.V(2).Infof("gpu: allocated %s buffer %q: %d x %s (%s)", access, label, n, dtype, humanize.IBytes(size))
	return b, nil
}

// Release frees the device memory. It must only be called once no queued dispatch
// references the buffer.
func (b *Buffer) Release() {
	if b.h == nil {
		return
	}
	b.h.Release()
	b.h = nil
	b.s.allocated -= uint64(b.Size())
	b.s.untrack(b)
}

func (b *Buffer) usable() error {
	if b == nil {
		return errors.Wrap(ErrArgument, "nil buffer")
	}
	if err := b.s.check(); err != nil {
		return err
	}
	if b.h == nil {
		return errors.Wrapf(ErrAccess, "buffer %q already released", b.label)
	}
	return nil
}

// Upload queues a copy of data into the start of b. It does not wait: the in-order queue
// guarantees the copy completes before any later dispatch. data is staged at enqueue time,
// so the caller may reuse it right away.
func Upload[T Scalar](b *Buffer, data []T) error {
	if err := b.usable(); err != nil {
		return err
	}
	if b.scratch {
		return errors.Wrapf(ErrAccess, "uploading to scratch buffer %q", b.label)
	}
	if dt := DTypeOf[T](); dt != b.dtype {
		return errors.Wrapf(ErrAccess, "uploading %s data to %s buffer %q", dt, b.dtype, b.label)
	}
	if len(data) > b.n {
		return errors.Wrapf(ErrAccess, "uploading %d elements to buffer %q of %d", len(data), b.label, b.n)
	}
	if len(data) == 0 {
		return nil
	}
	staged := make([]byte, len(data)*b.dtype.Size())
	copy(staged, bytesOf(data))
	if err := b.s.dev.EnqueueWrite(b.h, staged); err != nil {
		return errors.Wrapf(err, "uploading to %q", b.label)
	}
	return nil
}

// Download copies the first len(dst) elements of b into dst. It blocks until the data is
// in host memory.
func Download[T Scalar](b *Buffer, dst []T) error {
	if err := b.usable(); err != nil {
		return err
	}
	if b.access == ReadOnly {
		return errors.Wrapf(ErrAccess, "downloading from read-only buffer %q", b.label)
	}
	if b.scratch {
		return errors.Wrapf(ErrAccess, "downloading from scratch buffer %q", b.label)
	}
	if dt := DTypeOf[T](); dt != b.dtype {
		return errors.Wrapf(ErrAccess, "downloading %s buffer %q into %s data", b.dtype, b.label, dt)
	}
	if len(dst) > b.n {
		return errors.Wrapf(ErrAccess, "downloading %d elements from buffer %q of %d", len(dst), b.label, b.n)
	}
	if len(dst) == 0 {
		return nil
	}
	if err := b.s.dev.EnqueueRead(b.h, bytesOf(dst)); err != nil {
		return errors.Wrapf(err, "downloading from %q", b.label)
	}
	return nil
}

// bytesOf views a slice of scalars as its bytes, without copying.
func bytesOf[T Scalar](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*int(unsafe.Sizeof(zero)))
}
