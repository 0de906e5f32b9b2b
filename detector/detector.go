// Package detector summarises the WebGPU adapters of the machine: identity, compute
// limits and recommended work-group shapes.
package detector

import (
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"

	"github.com/openfluke/offload/gpu"
)

// Report is a portable summary of one adapter.
type Report struct {
	WhenISO     string            `json:"when_iso"`
	Runtime     string            `json:"runtime"`
	Backend     string            `json:"backend"`
	AdapterType string            `json:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex"`
	Name        string            `json:"name"`
	Vendor      string            `json:"vendor"`
	Driver      string            `json:"driver"`
	Class       string            `json:"class"`
	Recommended Recommendations   `json:"recommended"`
	Limits      Limits            `json:"limits"`
	Features    []string          `json:"features"`
	Env         map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupSizeY          uint32 `json:"max_compute_workgroup_size_y"`
	MaxComputeWorkgroupSizeZ          uint32 `json:"max_compute_workgroup_size_z"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxComputeWorkgroupStorageSize    uint32 `json:"max_compute_workgroup_storage_size"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

type Recommendations struct {
	// Largest power of two 1-D work-group that fits the limits.
	WorkgroupX uint32 `json:"workgroup_x"`

	// Square 2-D work-group for image kernels.
	Tile2D [2]uint32 `json:"tile_2d"`

	// Allocation budget in bytes, from OFFLOAD_BUDGET_MB.
	BudgetBytes uint64 `json:"budget_bytes,omitempty"`
}

// GPULimits converts the adapter limits to the session's dispatch limits.
func (r *Report) GPULimits() gpu.Limits {
	l := r.Limits
	maxBuffer := l.MaxBufferSize
	if l.MaxStorageBufferBindingSize > 0 && l.MaxStorageBufferBindingSize < maxBuffer {
		maxBuffer = l.MaxStorageBufferBindingSize
	}
	return gpu.Limits{
		MaxInvocationsPerWorkgroup: int(l.MaxComputeInvocationsPerWorkgroup),
		MaxWorkgroupSize: [3]int{
			int(l.MaxComputeWorkgroupSizeX),
			int(l.MaxComputeWorkgroupSizeY),
			int(l.MaxComputeWorkgroupSizeZ),
		},
		MaxWorkgroupsPerDimension: int(l.MaxComputeWorkgroupsPerDimension),
		MaxBufferSize:             maxBuffer,
	}
}

// DeviceClass maps the adapter type to a device class: software adapters are CPUs,
// everything else is a GPU.
func (r *Report) DeviceClass() gpu.DeviceClass {
	if r.AdapterType == "cpu" {
		return gpu.ClassCPU
	}
	return gpu.ClassGPU
}

// Describe summarises an adapter without opening a device on it.
func Describe(adapter *wgpu.Adapter) *Report {
	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	var feats []string
	for _, f := range adapter.EnumerateFeatures() {
		feats = append(feats, f.String())
	}

	rep := &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    "0x" + strconv.FormatUint(uint64(info.VendorId), 16),
		DeviceID:    "0x" + strconv.FormatUint(uint64(info.DeviceId), 16),
		Name:        strings.TrimSpace(info.Name),
		Vendor:      strings.TrimSpace(info.VendorName),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupSizeY:          limits.Limits.MaxComputeWorkgroupSizeY,
			MaxComputeWorkgroupSizeZ:          limits.Limits.MaxComputeWorkgroupSizeZ,
			MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxComputeWorkgroupStorageSize:    limits.Limits.MaxComputeWorkgroupStorageSize,
			MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.Limits.MaxBufferSize,
		},
		Features: feats,
		Env:      pickEnv([]string{gpu.EnvDriver, gpu.EnvBudgetMB, gpu.EnvDeviceClass}),
	}
	rep.Class = rep.DeviceClass().String()
	rep.Recommended = recommend(rep.Limits)
	return rep
}

// Detect summarises every adapter of the default instance.
func Detect() ([]*Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, errors.Wrap(gpu.ErrNoPlatform, "wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapters := inst.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return nil, errors.Wrap(gpu.ErrNoDevice, "no WebGPU adapter")
	}
	reports := make([]*Report, 0, len(adapters))
	for _, a := range adapters {
		reports = append(reports, Describe(a))
		a.Release()
	}
	return reports, nil
}

// DetectJSON runs Detect and returns the reports as a JSON array.
func DetectJSON() (string, error) {
	reps, err := Detect()
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(reps, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding reports")
	}
	return string(b), nil
}

func recommend(l Limits) Recommendations {
	var rec Recommendations
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 2, 1} {
		if c <= l.MaxComputeWorkgroupSizeX && c <= l.MaxComputeInvocationsPerWorkgroup {
			rec.WorkgroupX = c
			break
		}
	}
	for _, c := range []uint32{16, 8, 4, 2, 1} {
		if c <= l.MaxComputeWorkgroupSizeX && c <= l.MaxComputeWorkgroupSizeY &&
			c*c <= l.MaxComputeInvocationsPerWorkgroup {
			rec.Tile2D = [2]uint32{c, c}
			break
		}
	}
	if mbStr := os.Getenv(gpu.EnvBudgetMB); mbStr != "" {
		if mb, err := strconv.Atoi(mbStr); err == nil && mb > 0 {
			rec.BudgetBytes = uint64(mb) << 20
		}
	}
	return rec
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
