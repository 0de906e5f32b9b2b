package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openfluke/offload/gpu"
)

func typicalLimits() Limits {
	return Limits{
		MaxComputeInvocationsPerWorkgroup: 256,
		MaxComputeWorkgroupSizeX:          256,
		MaxComputeWorkgroupSizeY:          256,
		MaxComputeWorkgroupSizeZ:          64,
		MaxComputeWorkgroupsPerDimension:  65535,
		MaxStorageBufferBindingSize:       128 << 20,
		MaxBufferSize:                     256 << 20,
	}
}

func TestRecommend(t *testing.T) {
	t.Setenv(gpu.EnvBudgetMB, "")
	rec := recommend(typicalLimits())
	assert.Equal(t, uint32(256), rec.WorkgroupX)
	assert.Equal(t, [2]uint32{16, 16}, rec.Tile2D)
	assert.Zero(t, rec.BudgetBytes)

	small := typicalLimits()
	small.MaxComputeInvocationsPerWorkgroup = 64
	small.MaxComputeWorkgroupSizeY = 4
	rec = recommend(small)
	assert.Equal(t, uint32(64), rec.WorkgroupX)
	assert.Equal(t, [2]uint32{4, 4}, rec.Tile2D)

	t.Setenv(gpu.EnvBudgetMB, "512")
	assert.Equal(t, uint64(512<<20), recommend(typicalLimits()).BudgetBytes)
}

func TestGPULimits(t *testing.T) {
	rep := &Report{Limits: typicalLimits(), AdapterType: "discrete-gpu"}
	l := rep.GPULimits()
	assert.Equal(t, 256, l.MaxInvocationsPerWorkgroup)
	assert.Equal(t, [3]int{256, 256, 64}, l.MaxWorkgroupSize)
	assert.Equal(t, 65535, l.MaxWorkgroupsPerDimension)
	assert.Equal(t, uint64(128<<20), l.MaxBufferSize, "buffers are bound as storage")
	assert.Equal(t, gpu.ClassGPU, rep.DeviceClass())

	rep.AdapterType = "cpu"
	assert.Equal(t, gpu.ClassCPU, rep.DeviceClass())
}

func TestPickEnv(t *testing.T) {
	t.Setenv(gpu.EnvDriver, "webgpu")
	t.Setenv(gpu.EnvDeviceClass, "")
	assert.Equal(t, map[string]string{gpu.EnvDriver: "webgpu"}, pickEnv([]string{gpu.EnvDriver, gpu.EnvDeviceClass}))
	t.Setenv(gpu.EnvDriver, "")
	assert.Nil(t, pickEnv([]string{gpu.EnvDriver}))
}

func TestDeviceClass(t *testing.T) {
	tests := []struct {
		adapterType string
		want        gpu.DeviceClass
	}{
		{"cpu", gpu.ClassCPU},
		{"discrete-gpu", gpu.ClassGPU},
		{"integrated-gpu", gpu.ClassGPU},
		{"unknown", gpu.ClassGPU},
		{"", gpu.ClassGPU},
	}
	for _, tt := range tests {
		t.Run(tt.adapterType, func(t *testing.T) {
			r := &Report{AdapterType: tt.adapterType}
			assert.Equal(t, tt.want, r.DeviceClass())
		})
	}
}
