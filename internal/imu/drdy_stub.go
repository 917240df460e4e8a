//go:build !linux || (!arm && !arm64)

package imu

import "fmt"

// Stub for platforms without a GPIO character device.
func openDataReady(chipName string, offset int) (edgeSource, error) {
	return nil, fmt.Errorf("imu: data-ready gpio unsupported on this platform")
}
