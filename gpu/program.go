package gpu

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Program is kernel source text compiled for the session's device.
type Program struct {
	s       *Session
	h       ProgramHandle
	name    string
	source  string
	entries []string
}

// Build compiles source for the session's device, with no extra compiler flags.
// A failed build returns a *BuildError holding the compiler log.
func (s *Session) Build(name, source string) (*Program, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	h, log, err := s.dev.CompileProgram(name, source)
	if err != nil {
		if log == "" {
			log = err.Error()
		}
		return nil, errors.WithStack(&BuildError{Program: name, Log: log})
	}
	p := &Program{s: s, h: h, name: name, source: source, entries: h.EntryPoints()}
	s.track(p, "program "+name)
	klog.V(1).Infof("gpu: built program %q with entry points %v", name, p.entries)
	return p, nil
}

// LoadProgram reads the kernel source file whole and builds it. The program is named
// after the file.
func (s *Session) LoadProgram(path string) (*Program, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "reading kernel source: %v", err)
	}
	return s.Build(filepath.Base(path), string(source))
}

// Name returns the program name.
func (p *Program) Name() string { return p.name }

// Source returns the source text the program was built from.
func (p *Program) Source() string { return p.source }

// EntryPoints lists the kernel entry points of the program.
func (p *Program) EntryPoints() []string { return p.entries }

// Kernel instantiates the entry point spec.Entry with spec's parameter schema.
func (p *Program) Kernel(spec KernelSpec) (*Kernel, error) {
	if err := p.s.check(); err != nil {
		return nil, err
	}
	if p.h == nil {
		return nil, errors.Wrapf(ErrClosed, "program %q released", p.name)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	found := false
	for _, e := range p.entries {
		if e == spec.Entry {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Wrapf(ErrNoEntryPoint, "%q in program %q (have %v)", spec.Entry, p.name, p.entries)
	}
	if spec.Local != nil {
		if err := checkLocal(p.s.info.Limits, spec.Local); err != nil {
			return nil, errors.Wrapf(err, "kernel %q", spec.Entry)
		}
	}
	h, err := p.h.Kernel(spec.Entry)
	if err != nil {
		return nil, errors.Wrapf(err, "instantiating %q from program %q", spec.Entry, p.name)
	}
	k := &Kernel{s: p.s, h: h, prog: p, spec: spec}
	p.s.track(k, "kernel "+spec.Entry)
	return k, nil
}

// Release frees the program. Kernels instantiated from it must be released first.
func (p *Program) Release() {
	if p.h == nil {
		return
	}
	p.h.Release()
	p.h = nil
	p.s.untrack(p)
}
