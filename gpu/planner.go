package gpu

import (
	"fmt"

	"github.com/pkg/errors"
)

// WorkShape is the global and local extents of an N-dimensional dispatch.
// Global[i] is always a whole multiple of Local[i].
type WorkShape struct {
	Global []int
	Local  []int
}

// Groups returns the number of work-groups along each dimension.
func (w WorkShape) Groups() []int {
	g := make([]int, len(w.Global))
	for i := range w.Global {
		g[i] = w.Global[i] / w.Local[i]
	}
	return g
}

// Items returns the total number of work items, including padding.
func (w WorkShape) Items() int {
	n := 1
	for _, g := range w.Global {
		n *= g
	}
	return n
}

func (w WorkShape) String() string {
	return fmt.Sprintf("global=%v local=%v", w.Global, w.Local)
}

// RoundUp returns the smallest multiple of local that is >= n.
func RoundUp(n, local int) int {
	return (n + local - 1) / local * local
}

// ComputeWorkShape pads every problem extent up to a multiple of the matching local extent.
// The padded range over-covers the problem: kernels must ignore out-of-range items.
func ComputeWorkShape(problem, local []int) (WorkShape, error) {
	if len(problem) == 0 || len(problem) > 3 {
		return WorkShape{}, errors.Wrapf(ErrDispatch, "problem rank %d not in [1, 3]", len(problem))
	}
	if len(local) != len(problem) {
		return WorkShape{}, errors.Wrapf(ErrDispatch, "local extents %v do not match problem %v", local, problem)
	}
	shape := WorkShape{Global: make([]int, len(problem)), Local: append([]int(nil), local...)}
	for i, p := range problem {
		if p <= 0 {
			return WorkShape{}, errors.Wrapf(ErrDispatch, "problem %v has an empty dimension", problem)
		}
		if local[i] <= 0 {
			return WorkShape{}, errors.Wrapf(ErrDispatch, "local extents %v must be positive", local)
		}
		shape.Global[i] = RoundUp(p, local[i])
	}
	return shape, nil
}

// checkLocal validates a work-group shape against the device limits.
func checkLocal(l Limits, local []int) error {
	total := 1
	for i, e := range local {
		total *= e
		if i < 3 && l.MaxWorkgroupSize[i] > 0 && e > l.MaxWorkgroupSize[i] {
			return errors.Wrapf(ErrDispatch, "local extent %d in dimension %d exceeds device max %d",
				e, i, l.MaxWorkgroupSize[i])
		}
	}
	if l.MaxInvocationsPerWorkgroup > 0 && total > l.MaxInvocationsPerWorkgroup {
		return errors.Wrapf(ErrDispatch, "work-group %v has %d invocations, device max %d",
			local, total, l.MaxInvocationsPerWorkgroup)
	}
	return nil
}

// checkShape validates a full work shape against the device limits.
func checkShape(l Limits, shape WorkShape) error {
	if err := checkLocal(l, shape.Local); err != nil {
		return err
	}
	if l.MaxWorkgroupsPerDimension > 0 {
		for i, g := range shape.Groups() {
			if g > l.MaxWorkgroupsPerDimension {
				return errors.Wrapf(ErrDispatch, "%d work-groups in dimension %d, device max %d",
					g, i, l.MaxWorkgroupsPerDimension)
			}
		}
	}
	return nil
}
