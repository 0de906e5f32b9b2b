package gpu

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Environment variables read by ConfigFromEnv.
const (
	// EnvDriver selects the driver by registered name, e.g. "webgpu" or "host".
	EnvDriver = "OFFLOAD_DRIVER"

	// EnvBudgetMB caps the device memory a session may allocate, in MiB.
	EnvBudgetMB = "OFFLOAD_BUDGET_MB"

	// EnvDeviceClass selects the device class: "gpu", "cpu" or "any".
	EnvDeviceClass = "OFFLOAD_DEVICE_CLASS"
)

// DeviceClass is the kind of compute device a session requires.
type DeviceClass int

const (
	// ClassGPU accepts discrete and integrated GPUs only.
	ClassGPU DeviceClass = iota
	// ClassCPU accepts CPU devices, including the emulated host device.
	ClassCPU
	// ClassAny accepts the first device the driver reports.
	ClassAny
)

func (c DeviceClass) String() string {
	switch c {
	case ClassGPU:
		return "gpu"
	case ClassCPU:
		return "cpu"
	case ClassAny:
		return "any"
	}
	return "DeviceClass(" + strconv.Itoa(int(c)) + ")"
}

// Accepts reports whether a device of class dev satisfies the required class c.
func (c DeviceClass) Accepts(dev DeviceClass) bool {
	return c == ClassAny || c == dev
}

// ParseDeviceClass parses "gpu", "cpu" or "any".
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gpu", "":
		return ClassGPU, nil
	case "cpu":
		return ClassCPU, nil
	case "any":
		return ClassAny, nil
	}
	return ClassGPU, errors.Wrapf(ErrConfig, "unknown device class %q", s)
}

// Config selects the driver and device of a Session.
type Config struct {
	// Driver is the registered driver name. Empty selects DefaultDriver().
	Driver string

	// Class is the required device class. There is no fallback to another class.
	Class DeviceClass

	// BudgetBytes caps the total bytes of live buffers. Zero means only the device limit applies.
	BudgetBytes uint64
}

// ConfigFromEnv builds a Config from OFFLOAD_DRIVER, OFFLOAD_DEVICE_CLASS and OFFLOAD_BUDGET_MB.
func ConfigFromEnv() (Config, error) {
	cfg := Config{Driver: os.Getenv(EnvDriver)}
	class, err := ParseDeviceClass(os.Getenv(EnvDeviceClass))
	if err != nil {
		return cfg, err
	}
	cfg.Class = class
	if mbStr := os.Getenv(EnvBudgetMB); mbStr != "" {
		mb, err := strconv.Atoi(mbStr)
		if err != nil || mb <= 0 {
			return cfg, errors.Wrapf(ErrConfig, "%s=%q is not a positive integer", EnvBudgetMB, mbStr)
		}
		cfg.BudgetBytes = uint64(mb) * 1024 * 1024
	}
	return cfg, nil
}
