package gpu

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParamKind is the kind of a kernel parameter.
type ParamKind int

const (
	// BufferParam is a device buffer passed by reference.
	BufferParam ParamKind = iota
	// Int32Param is a 4-byte signed integer passed by value.
	Int32Param
)

func (k ParamKind) String() string {
	if k == BufferParam {
		return "buffer"
	}
	return "i32"
}

// Param is one entry of a kernel's parameter schema.
type Param struct {
	Name string
	Kind ParamKind

	// DType and Access apply to buffer parameters. A ReadWrite parameter is written by the
	// kernel and requires a ReadWrite buffer; a ReadOnly parameter accepts either mode.
	DType  DType
	Access Access
}

func (p Param) String() string {
	if p.Kind == BufferParam {
		return fmt.Sprintf("%s: %s %s buffer", p.Name, p.Access, p.DType)
	}
	return fmt.Sprintf("%s: i32", p.Name)
}

// BufferOf declares a buffer parameter.
func BufferOf(name string, dtype DType, access Access) Param {
	return Param{Name: name, Kind: BufferParam, DType: dtype, Access: access}
}

// Int32Of declares a 4-byte integer parameter.
func Int32Of(name string) Param {
	return Param{Name: name, Kind: Int32Param}
}

// KernelSpec configures one kernel: its entry point, its positional parameter schema,
// and its default local work-group extents.
type KernelSpec struct {
	Entry  string
	Params []Param
	Local  []int
}

// Validate checks the spec is usable. Local may be nil when every dispatch passes its own.
func (spec KernelSpec) Validate() error {
	if spec.Entry == "" {
		return errors.Wrap(ErrConfig, "kernel spec without entry point")
	}
	for i, p := range spec.Params {
		if p.Kind == BufferParam && p.DType.Size() == 0 {
			return errors.Wrapf(ErrConfig, "kernel %q param %d (%s): invalid dtype", spec.Entry, i, p.Name)
		}
	}
	for _, l := range spec.Local {
		if l <= 0 {
			return errors.Wrapf(ErrConfig, "kernel %q: local extents %v must be positive", spec.Entry, spec.Local)
		}
	}
	return nil
}

// Signature renders the schema, e.g. "img_sobel(out: read-write f32 buffer, ...)".
func (spec KernelSpec) Signature() string {
	parts := make([]string, len(spec.Params))
	for i, p := range spec.Params {
		parts[i] = p.String()
	}
	return spec.Entry + "(" + strings.Join(parts, ", ") + ")"
}

// Arg is a kernel argument value: see BufferArg and Int32Arg.
type Arg struct {
	kind ParamKind
	buf  *Buffer
	i32  int32
}

// BufferArg passes a device buffer.
func BufferArg(b *Buffer) Arg { return Arg{kind: BufferParam, buf: b} }

// Int32Arg passes a 4-byte signed integer.
func Int32Arg(v int32) Arg { return Arg{kind: Int32Param, i32: v} }

// Kernel is an instantiated entry point with its current argument bindings.
type Kernel struct {
	s     *Session
	h     KernelHandle
	prog  *Program
	spec  KernelSpec
	bound []Arg
}

// Spec returns the kernel configuration.
func (k *Kernel) Spec() KernelSpec { return k.spec }

// Bind sets all arguments, by position. They are checked against the parameter schema:
// count, kind, buffer dtype, and that written parameters get ReadWrite buffers.
// Arguments are captured when a dispatch is enqueued, so a kernel may be rebound once
// earlier dispatches using it have been enqueued.
func (k *Kernel) Bind(args ...Arg) error {
	if err := k.s.check(); err != nil {
		return err
	}
	if len(args) != len(k.spec.Params) {
		return errors.Wrapf(ErrArgument, "%s: got %d arguments", k.spec.Signature(), len(args))
	}
	for i, a := range args {
		p := k.spec.Params[i]
		if a.kind != p.Kind {
			return errors.Wrapf(ErrArgument, "%s: argument %d (%s) is a %s", k.spec.Entry, i, p.Name, a.kind)
		}
		if p.Kind != BufferParam {
			continue
		}
		if err := a.buf.usable(); err != nil {
			return errors.Wrapf(err, "%s: argument %d (%s)", k.spec.Entry, i, p.Name)
		}
		if a.buf.s != k.s {
			return errors.Wrapf(ErrArgument, "%s: argument %d (%s) belongs to another session", k.spec.Entry, i, p.Name)
		}
		if a.buf.dtype != p.DType {
			return errors.Wrapf(ErrArgument, "%s: argument %d (%s) is a %s buffer, want %s",
				k.spec.Entry, i, p.Name, a.buf.dtype, p.DType)
		}
		if p.Access == ReadWrite && a.buf.access != ReadWrite {
			return errors.Wrapf(ErrArgument, "%s: argument %d (%s) is written but buffer %q is %s",
				k.spec.Entry, i, p.Name, a.buf.label, a.buf.access)
		}
	}
	k.bound = append(k.bound[:0], args...)
	return nil
}

// Release frees the kernel.
func (k *Kernel) Release() {
	if k.h == nil {
		return
	}
	k.h.Release()
	k.h = nil
	k.bound = nil
	k.s.untrack(k)
}

// Dispatch enqueues one N-dimensional range execution of k over problem, with the given
// local work-group extents (nil uses the kernel's configured Local). The global range is
// rounded up to a multiple of local in every dimension. It returns without waiting.
func (s *Session) Dispatch(k *Kernel, problem, local []int) (*Event, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if k == nil || k.h == nil {
		return nil, errors.Wrap(ErrDispatch, "kernel not instantiated or released")
	}
	if k.s != s {
		return nil, errors.Wrapf(ErrDispatch, "kernel %q belongs to another session", k.spec.Entry)
	}
	if local == nil {
		local = k.spec.Local
	}
	if k.bound == nil && len(k.spec.Params) > 0 {
		return nil, errors.Wrapf(ErrArgument, "%s: arguments not bound", k.spec.Signature())
	}
	shape, err := ComputeWorkShape(problem, local)
	if err != nil {
		return nil, errors.Wrapf(err, "kernel %q", k.spec.Entry)
	}
	if err := checkShape(s.info.Limits, shape); err != nil {
		return nil, errors.Wrapf(err, "kernel %q", k.spec.Entry)
	}
	args := make([]BoundArg, len(k.bound))
	for i, a := range k.bound {
		if a.kind == BufferParam {
			if err := a.buf.usable(); err != nil {
				return nil, errors.Wrapf(err, "%s: argument %d", k.spec.Entry, i)
			}
			args[i] = BoundArg{Kind: BufferParam, Buffer: a.buf.h, DType: a.buf.dtype}
		} else {
			args[i] = BoundArg{Kind: Int32Param, Int32: a.i32}
		}
	}
	h, err := s.dev.EnqueueKernel(k.h, args, shape)
	if err != nil {
		return nil, errors.Wrapf(err, "enqueueing %q over %v", k.spec.Entry, shape)
	}
	klog.V(2).Infof("gpu: dispatched %q problem=%v %v", k.spec.Entry, problem, shape)
	return &Event{h: h, Shape: shape}, nil
}
