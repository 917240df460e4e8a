package web

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Thermal zone 0 is the SoC on a Raspberry Pi; sustained sampling at high
// IMU rates shows up here first.
var thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// cpuTempC reads the zone in degrees Celsius. Kernels report millidegrees;
// small values are taken as whole degrees.
func cpuTempC(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("thermal zone %q: %w", s, err)
	}
	if n > 1000 || n < -1000 {
		return float64(n) / 1000, nil
	}
	return float64(n), nil
}

func snapshotCPUTemp() *float64 {
	v, err := cpuTempC(thermalZonePath)
	if err != nil {
		return nil
	}
	return &v
}
