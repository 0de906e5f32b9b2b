package gpu

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error classes. Every error returned by this package (and by the drivers) wraps one
// of these, so callers can classify with errors.Is.
var (
	// ErrConfig is a configuration error: unknown driver, missing kernel source, bad config.
	ErrConfig = errors.New("configuration error")

	// ErrNoPlatform means no compute platform (driver or adapter) is available.
	ErrNoPlatform = fmt.Errorf("%w: no compute platform", ErrConfig)

	// ErrNoDevice means the platform has no device of the requested class.
	ErrNoDevice = fmt.Errorf("%w: no matching device", ErrConfig)

	// ErrBuild is returned when a kernel program fails to compile.
	ErrBuild = errors.New("kernel build failed")

	// ErrNoEntryPoint means the requested entry point is not in the built program.
	ErrNoEntryPoint = fmt.Errorf("%w: entry point not found", ErrBuild)

	// ErrResource covers context, queue and buffer creation failures.
	ErrResource = errors.New("device resource error")

	// ErrOutOfMemory is returned when an allocation does not fit the device or the budget.
	ErrOutOfMemory = fmt.Errorf("%w: out of device memory", ErrResource)

	// ErrDispatch covers argument binding and enqueue failures.
	ErrDispatch = errors.New("dispatch error")

	// ErrArgument is a kernel argument that does not match the kernel's parameter schema.
	ErrArgument = fmt.Errorf("%w: argument mismatch", ErrDispatch)

	// ErrAccess is a transfer that violates a buffer's access mode.
	ErrAccess = errors.New("buffer access violation")

	// ErrClosed is returned when using a session, or an object of a session, after Close.
	ErrClosed = errors.New("session closed")
)

// BuildError carries the compiler diagnostics of a failed program build.
type BuildError struct {
	Program string
	Log     string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building program %q: %s", e.Program, e.Log)
}

// Unwrap makes errors.Is(err, ErrBuild) hold for build errors.
func (e *BuildError) Unwrap() error { return ErrBuild }
