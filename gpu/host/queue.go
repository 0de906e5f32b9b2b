package host

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/openfluke/offload/gpu"
)

// queueDepth is how many commands may be outstanding before Enqueue* blocks.
const queueDepth = 256

type command struct {
	run func() error
	ev  *event
}

type event struct {
	done chan struct{}
	err  error
}

func (e *event) Wait() error {
	<-e.done
	return e.err
}

// device is one emulated context with its in-order queue.
type device struct {
	workers int
	cmds    chan command
	stopped chan struct{}

	mu       sync.Mutex
	released bool
}

func newDevice(workers int) *device {
	d := &device{
		workers: max(workers, 1),
		cmds:    make(chan command, queueDepth),
		stopped: make(chan struct{}),
	}
	go d.loop()
	return d
}

// loop executes commands in submission order. The first failing command faults the
// device: every later command fails with the same error.
func (d *device) loop() {
	defer close(d.stopped)
	var fault error
	for cmd := range d.cmds {
		if fault != nil {
			cmd.ev.err = errors.Wrap(fault, "device faulted by an earlier command")
		} else if err := cmd.run(); err != nil {
			fault = err
			cmd.ev.err = err
		}
		close(cmd.ev.done)
	}
}

func (d *device) submit(run func() error) (*event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, errors.Wrap(gpu.ErrResource, "host queue released")
	}
	ev := &event{done: make(chan struct{})}
	d.cmds <- command{run: run, ev: ev}
	return ev, nil
}

// buffer is device memory. raw aliases the typed slice.
type buffer struct {
	label string
	dtype gpu.DType
	f32   []float32
	f64   []float64
	i32   []int32
	raw   []byte
}

func (b *buffer) Release() {
	b.f32, b.f64, b.i32, b.raw = nil, nil, nil, nil
}

func (d *device) NewBuffer(label string, dtype gpu.DType, n int, _ gpu.Access) (gpu.BufferHandle, error) {
	b := &buffer{label: label, dtype: dtype}
	switch dtype {
	case gpu.Float32:
		b.f32 = make([]float32, n)
		b.raw = unsafe.Slice((*byte)(unsafe.Pointer(&b.f32[0])), n*4)
	case gpu.Float64:
		b.f64 = make([]float64, n)
		b.raw = unsafe.Slice((*byte)(unsafe.Pointer(&b.f64[0])), n*8)
	case gpu.Int32:
		b.i32 = make([]int32, n)
		b.raw = unsafe.Slice((*byte)(unsafe.Pointer(&b.i32[0])), n*4)
	default:
		return nil, errors.Wrapf(gpu.ErrResource, "buffer %q: unsupported dtype %s", label, dtype)
	}
	return b, nil
}

func (d *device) EnqueueWrite(h gpu.BufferHandle, data []byte) error {
	b := h.(*buffer)
	_, err := d.submit(func() error {
		if len(data) > len(b.raw) {
			return errors.Wrapf(gpu.ErrAccess, "write of %d bytes to %q (%d bytes)", len(data), b.label, len(b.raw))
		}
		copy(b.raw, data)
		return nil
	})
	return err
}

func (d *device) EnqueueRead(h gpu.BufferHandle, dst []byte) error {
	b := h.(*buffer)
	ev, err := d.submit(func() error {
		if len(dst) > len(b.raw) {
			return errors.Wrapf(gpu.ErrAccess, "read of %d bytes from %q (%d bytes)", len(dst), b.label, len(b.raw))
		}
		copy(dst, b.raw)
		return nil
	})
	if err != nil {
		return err
	}
	return ev.Wait()
}

func (d *device) EnqueueKernel(h gpu.KernelHandle, bound []gpu.BoundArg, shape gpu.WorkShape) (gpu.EventHandle, error) {
	k := h.(*kernel)
	if k.fn == nil {
		return nil, errors.Wrapf(gpu.ErrDispatch, "kernel %q released", k.name)
	}
	args := make(Args, len(bound))
	for i, a := range bound {
		if a.Kind == gpu.BufferParam {
			args[i] = Value{buf: a.Buffer.(*buffer)}
		} else {
			args[i] = Value{i32: a.Int32}
		}
	}
	fn, name := k.fn, k.name
	ev, err := d.submit(func() error {
		return d.execute(name, fn, args, shape)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// execute runs every work-group of shape, in parallel across the device workers.
// A panicking work item (typically an out-of-range access) faults the dispatch.
func (d *device) execute(name string, fn KernelFunc, args Args, shape gpu.WorkShape) error {
	var size, local, groups [3]int
	for i := range size {
		size[i], local[i], groups[i] = 1, 1, 1
	}
	for i := range shape.Global {
		size[i] = shape.Global[i]
		local[i] = shape.Local[i]
		groups[i] = shape.Global[i] / shape.Local[i]
	}
	klog.V(3).Infof("host: executing %q over %v", name, shape)

	var g errgroup.Group
	g.SetLimit(d.workers)
	total := groups[0] * groups[1] * groups[2]
	for gi := 0; gi < total; gi++ {
		group := [3]int{gi % groups[0], (gi / groups[0]) % groups[1], gi / (groups[0] * groups[1])}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Wrapf(gpu.ErrDispatch, "kernel %q faulted in work-group %v: %v", name, group, r)
				}
			}()
			it := Item{Size: size, Group: group}
			for lz := 0; lz < local[2]; lz++ {
				for ly := 0; ly < local[1]; ly++ {
					for lx := 0; lx < local[0]; lx++ {
						it.LocalID = [3]int{lx, ly, lz}
						it.ID = [3]int{group[0]*local[0] + lx, group[1]*local[1] + ly, group[2]*local[2] + lz}
						fn(it, args)
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *device) Finish() error {
	ev, err := d.submit(func() error { return nil })
	if err != nil {
		return err
	}
	return ev.Wait()
}

func (d *device) ReleaseQueue() error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return errors.Wrap(gpu.ErrResource, "host queue already released")
	}
	d.released = true
	close(d.cmds)
	d.mu.Unlock()
	<-d.stopped
	return nil
}

func (d *device) ReleaseContext() error {
	select {
	case <-d.stopped:
		return nil
	default:
		return errors.Wrap(gpu.ErrResource, "context released before its queue")
	}
}
