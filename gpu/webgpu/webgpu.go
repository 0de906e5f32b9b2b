// Package webgpu implements the gpu.Driver interface on WebGPU (wgpu-native).
//
// Programs are WGSL. Each buffer parameter of a kernel is bound at @binding(i) of group 0,
// in parameter order; the int32 parameters are packed, in order, into one uniform buffer
// bound right after the last buffer. WGSL has no f64: Float64 buffers are stored as f32
// on the device and converted on upload and download.
//
// The local work-group shape is a pipeline constant in WGSL, so sources declare
// @workgroup_size(WG_X, WG_Y, WG_Z) (or a prefix of it) and the driver compiles one
// pipeline per entry point and local shape, defining WG_X, WG_Y and WG_Z.
package webgpu

import (
	"context"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/openfluke/offload/detector"
	"github.com/openfluke/offload/gpu"
)

// Name is the registered name of the driver.
const Name = "webgpu"

const discrete = "discrete-gpu"

func init() {
	gpu.RegisterDriver(Driver{})
}

// Driver opens WebGPU adapters.
type Driver struct{}

// Name implements gpu.Driver.
func (Driver) Name() string { return Name }

// Open implements gpu.Driver. Among the adapters of the requested class it prefers a
// discrete GPU.
func (Driver) Open(ctx context.Context, class gpu.DeviceClass) (gpu.Device, gpu.DeviceInfo, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, gpu.DeviceInfo{}, errors.Wrap(gpu.ErrNoPlatform, "wgpu.CreateInstance returned nil")
	}
	adapter, rep, err := selectAdapter(ctx, inst, class)
	if err != nil {
		inst.Release()
		return nil, gpu.DeviceInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		adapter.Release()
		inst.Release()
		return nil, gpu.DeviceInfo{}, errors.Wrap(err, "opening WebGPU device")
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		inst.Release()
		return nil, gpu.DeviceInfo{}, errors.Wrapf(gpu.ErrNoDevice, "request device on %q: %v", rep.Name, err)
	}
	info := gpu.DeviceInfo{
		Name:   rep.Name,
		Vendor: rep.Vendor,
		Driver: strings.TrimSpace(rep.Backend + " " + rep.Driver),
		Class:  rep.DeviceClass(),
		Limits: rep.GPULimits(),
	}
	klog.V(1).Infof("webgpu: using adapter %q (%s, %s)", rep.Name, rep.AdapterType, rep.Backend)
	d := &device{
		inst:    inst,
		adapter: adapter,
		dev:     dev,
		queue:   dev.GetQueue(),
	}
	return d, info, nil
}

// selectAdapter enumerates the adapters and returns the best one of the class, falling
// back to the instance's preferred adapters when enumeration yields nothing.
func selectAdapter(ctx context.Context, inst *wgpu.Instance, class gpu.DeviceClass) (*wgpu.Adapter, *detector.Report, error) {
	var (
		best    *wgpu.Adapter
		bestRep *detector.Report
	)
	for _, a := range inst.EnumerateAdapters(nil) {
		rep := detector.Describe(a)
		klog.V(2).Infof("webgpu: found adapter %q (vendor %q, %s)", rep.Name, rep.Vendor, rep.AdapterType)
		better := best == nil || (rep.AdapterType == discrete && bestRep.AdapterType != discrete)
		if !class.Accepts(rep.DeviceClass()) || !better {
			a.Release()
			continue
		}
		if best != nil {
			best.Release()
		}
		best, bestRep = a, rep
	}
	if best != nil {
		return best, bestRep, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "selecting WebGPU adapter")
	}

	var lastErr error
	for _, pref := range []wgpu.PowerPreference{wgpu.PowerPreferenceHighPerformance, wgpu.PowerPreferenceLowPower} {
		a, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: pref})
		if err != nil || a == nil {
			lastErr = err
			continue
		}
		rep := detector.Describe(a)
		if class.Accepts(rep.DeviceClass()) {
			return a, rep, nil
		}
		a.Release()
	}
	if lastErr != nil {
		return nil, nil, errors.Wrapf(gpu.ErrNoDevice, "no %s adapter: %v", class, lastErr)
	}
	return nil, nil, errors.Wrapf(gpu.ErrNoDevice, "no %s adapter", class)
}
