package utils

import (
	"fmt"

	"github.com/notargets/gocca"
)

// DefaultModes is the standard backend preference order: parallel backends
// first, Serial as the always-available fallback.
func DefaultModes() []string {
	return []string{"OpenMP", "CUDA", "Serial"}
}

// PropsForMode maps an OCCA mode name to the device property JSON.
func PropsForMode(mode string) string {
	switch mode {
	case "CUDA":
		return `{"mode": "CUDA", "device_id": 0}`
	case "OpenCL":
		return `{"mode": "OpenCL", "platform_id": 0, "device_id": 0}`
	default:
		return fmt.Sprintf(`{"mode": %q}`, mode)
	}
}

// CreateDevice tries each mode in order and returns the first device that
// initializes. With no modes given it uses DefaultModes.
func CreateDevice(modes ...string) (*gocca.OCCADevice, error) {
	if len(modes) == 0 {
		modes = DefaultModes()
	}

	var lastErr error
	for _, mode := range modes {
		device, err := gocca.NewDevice(PropsForMode(mode))
		if err == nil {
			return device, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("no usable device among %v: %w", modes, lastErr)
}

// CreateTestDevice creates a device for testing, preferring parallel
// backends and panicking if none is available.
func CreateTestDevice() *gocca.OCCADevice {
	device, err := CreateDevice()
	if err != nil {
		panic(err)
	}
	return device
}
