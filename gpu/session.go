package gpu

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// releaser is any object owned by a Session.
type releaser interface {
	Release()
}

// Session owns one compute device, its context and its in-order command queue.
// Every Program, Kernel and Buffer is created from a Session and must not outlive it.
//
// A Session is driven by a single goroutine: its methods are not safe for concurrent use.
type Session struct {
	cfg    Config
	driver string
	info   DeviceInfo
	dev    Device
	closed bool

	// live objects in creation order, released in reverse order by Close.
	live      []releaser
	liveNames map[releaser]string
	allocated uint64
}

// Open discovers one device of cfg.Class on the configured driver and creates its
// context and queue. There is no fallback to another device class and no retry.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	name := cfg.Driver
	if name == "" {
		name = DefaultDriver()
	}
	if name == "" {
		return nil, errors.Wrap(ErrNoPlatform, "no driver registered")
	}
	drv, ok := lookupDriver(name)
	if !ok {
		return nil, errors.Wrapf(ErrNoPlatform, "driver %q not registered (have %v)", name, Drivers())
	}
	dev, info, err := drv.Open(ctx, cfg.Class)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s device on driver %q", cfg.Class, name)
	}
	if !cfg.Class.Accepts(info.Class) {
		_ = dev.ReleaseQueue()
		_ = dev.ReleaseContext()
		return nil, errors.Wrapf(ErrNoDevice, "driver %q returned a %s device, want %s", name, info.Class, cfg.Class)
	}
	info.Driver = name
	klog.V(1).Infof("gpu: opened %s device %q (%s) on driver %q", info.Class, info.Name, info.Vendor, name)
	return &Session{
		cfg:       cfg,
		driver:    name,
		info:      info,
		dev:       dev,
		liveNames: make(map[releaser]string),
	}, nil
}

// Info describes the opened device.
func (s *Session) Info() DeviceInfo { return s.info }

// Allocated returns the bytes held by live buffers.
func (s *Session) Allocated() uint64 { return s.allocated }

// Live returns the number of objects (programs, kernels, buffers) not yet released.
func (s *Session) Live() int { return len(s.live) }

// Finish blocks until every command queued so far has completed.
func (s *Session) Finish() error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.dev.Finish(); err != nil {
		return errors.Wrap(err, "finishing queue")
	}
	return nil
}

// Close releases the queue and then the context. Objects still live are released first,
// with a warning. Close is not idempotent: a second call returns ErrClosed.
func (s *Session) Close() error {
	if s.closed {
		return errors.WithStack(ErrClosed)
	}
	if err := s.dev.Finish(); err != nil {
		klog.Warningf("gpu: draining queue before close: %v", err)
	}
	for len(s.live) > 0 {
		obj := s.live[len(s.live)-1]
		klog.Warningf("gpu: %s still live at session close, releasing it", s.liveNames[obj])
		obj.Release()
		// Release untracks obj; guard against implementations that did not.
		if len(s.live) > 0 && s.live[len(s.live)-1] == obj {
			s.untrack(obj)
		}
	}
	s.closed = true
	qErr := s.dev.ReleaseQueue()
	cErr := s.dev.ReleaseContext()
	klog.V(1).Infof("gpu: closed device %q", s.info.Name)
	if qErr != nil {
		return errors.Wrap(qErr, "releasing queue")
	}
	if cErr != nil {
		return errors.Wrap(cErr, "releasing context")
	}
	return nil
}

func (s *Session) check() error {
	if s == nil {
		return errors.Wrap(ErrConfig, "nil session")
	}
	if s.closed {
		return errors.WithStack(ErrClosed)
	}
	return nil
}

func (s *Session) track(obj releaser, name string) {
	s.live = append(s.live, obj)
	s.liveNames[obj] = name
}

func (s *Session) untrack(obj releaser) {
	for i := len(s.live) - 1; i >= 0; i-- {
		if s.live[i] == obj {
			s.live = append(s.live[:i], s.live[i+1:]...)
			break
		}
	}
	delete(s.liveNames, obj)
}

// Event is the completion token of a dispatch.
type Event struct {
	h     EventHandle
	Shape WorkShape
}

// Wait blocks until the dispatch has completed on the device.
func (e *Event) Wait() error {
	if err := e.h.Wait(); err != nil {
		return errors.Wrap(err, "waiting for dispatch")
	}
	return nil
}
