package fall

import (
	"fmt"
	"math"
	"time"
)

// Config holds every tunable threshold and duration used by the detector.
// Accelerations are in m/s^2, angles in degrees.
type Config struct {
	FreeFallThreshold             float32
	ImpactThreshold               float32
	PostImpactStationaryThreshold float32
	OrientationChangeThreshold    float32

	FreeFallDuration   time.Duration
	ImpactWindow       time.Duration
	StationaryDuration time.Duration

	BufferSize   int
	LowPassAlpha float32
}

func DefaultConfig() Config {
	return Config{
		FreeFallThreshold:             0.3,
		ImpactThreshold:               29.4, // ~3g
		PostImpactStationaryThreshold: 1.5,
		OrientationChangeThreshold:    45,
		FreeFallDuration:              300 * time.Millisecond,
		ImpactWindow:                  500 * time.Millisecond,
		StationaryDuration:            2000 * time.Millisecond,
		BufferSize:                    10,
		LowPassAlpha:                  0.8,
	}
}

func (c Config) Validate() error {
	if !finitePositive(c.FreeFallThreshold) {
		return fmt.Errorf("fall: free fall threshold must be > 0")
	}
	if !finitePositive(c.ImpactThreshold) {
		return fmt.Errorf("fall: impact threshold must be > 0")
	}
	if c.ImpactThreshold <= c.FreeFallThreshold {
		return fmt.Errorf("fall: impact threshold must exceed free fall threshold")
	}
	if !finitePositive(c.PostImpactStationaryThreshold) {
		return fmt.Errorf("fall: post impact stationary threshold must be > 0")
	}
	if !finitePositive(c.OrientationChangeThreshold) || c.OrientationChangeThreshold > 180 {
		return fmt.Errorf("fall: orientation change threshold must be in (0,180]")
	}
	if c.FreeFallDuration < 0 {
		return fmt.Errorf("fall: free fall duration must be >= 0")
	}
	if c.ImpactWindow <= 0 {
		return fmt.Errorf("fall: impact window must be > 0")
	}
	if c.StationaryDuration <= 0 {
		return fmt.Errorf("fall: stationary duration must be > 0")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("fall: buffer size must be > 0")
	}
	if math.IsNaN(float64(c.LowPassAlpha)) || c.LowPassAlpha < 0 || c.LowPassAlpha >= 1 {
		return fmt.Errorf("fall: low pass alpha must be in [0,1)")
	}
	return nil
}

func finitePositive(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0
}
