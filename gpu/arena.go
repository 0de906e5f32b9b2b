package gpu

import (
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// Arena owns the buffers one pipeline invocation allocates and releases them together.
// Buffers of an arena are never shared with another pipeline.
type Arena struct {
	s     *Session
	owner string
	bufs  []*Buffer
}

// NewArena returns an empty arena owned by the named pipeline.
func (s *Session) NewArena(owner string) *Arena {
	return &Arena{s: s, owner: owner}
}

// Input allocates a read-only buffer, to be uploaded from the host.
func (a *Arena) Input(name string, dtype DType, n int) (*Buffer, error) {
	return a.add(name, dtype, n, false, ReadOnly)
}

// Output allocates a read-write buffer, written by a kernel and downloaded to the host.
func (a *Arena) Output(name string, dtype DType, n int) (*Buffer, error) {
	return a.add(name, dtype, n, false, ReadWrite)
}

// Scratch allocates a read-write buffer that only kernels touch: it can be neither
// uploaded to nor downloaded from.
func (a *Arena) Scratch(name string, dtype DType, n int) (*Buffer, error) {
	return a.add(name, dtype, n, true, ReadWrite)
}

func (a *Arena) add(name string, dtype DType, n int, scratch bool, access Access) (*Buffer, error) {
	b, err := a.s.alloc(a.owner+"/"+name, dtype, n, access, scratch)
	if err != nil {
		return nil, err
	}
	a.bufs = append(a.bufs, b)
	return b, nil
}

// Buffers returns the live buffers of the arena, in allocation order.
func (a *Arena) Buffers() []*Buffer { return a.bufs }

// Bytes returns the total size of the arena's buffers.
func (a *Arena) Bytes() uint64 {
	var n uint64
	for _, b := range a.bufs {
		n += uint64(b.Size())
	}
	return n
}

// Release drains the session queue and then frees every buffer of the arena, newest
// first. Commands queued before an error path returned never outlive their buffers.
func (a *Arena) Release() {
	if len(a.bufs) == 0 {
		return
	}
	if !a.s.closed {
		if err := a.s.dev.Finish(); err != nil {
			klog.Warningf("gpu: %s draining queue before release: %v", a.owner, err)
		}
	}
	klog.V(2).Infof("gpu: %s releasing %d buffers (%s)", a.owner, len(a.bufs), humanize.IBytes(a.Bytes()))
	for i := len(a.bufs) - 1; i >= 0; i-- {
		a.bufs[i].Release()
	}
	a.bufs = nil
}
