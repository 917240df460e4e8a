// Package sample defines the raw sensor sample exchanged between ingest
// sources, the recorder and the detector, plus its one-line text encoding.
package sample

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Axis uint8

const (
	Accelerometer Axis = iota + 1
	Gyroscope
	Magnetometer
)

func (a Axis) String() string {
	switch a {
	case Accelerometer:
		return "acc"
	case Gyroscope:
		return "gyro"
	case Magnetometer:
		return "mag"
	default:
		return fmt.Sprintf("axis(%d)", uint8(a))
	}
}

func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "acc", "accel", "accelerometer":
		return Accelerometer, nil
	case "gyro", "gyroscope":
		return Gyroscope, nil
	case "mag", "magnetometer":
		return Magnetometer, nil
	default:
		return 0, fmt.Errorf("unknown axis %q", s)
	}
}

func (a Axis) MarshalText() ([]byte, error) {
	if a < Accelerometer || a > Magnetometer {
		return nil, fmt.Errorf("invalid axis %d", uint8(a))
	}
	return []byte(a.String()), nil
}

func (a *Axis) UnmarshalText(b []byte) error {
	v, err := ParseAxis(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Sample is one 3-axis reading. Units follow the Android sensor framework:
// m/s^2 for acceleration, rad/s for rotation rate, uT for magnetic field.
type Sample struct {
	Axis   Axis
	Values [3]float32
	At     time.Time
}

// Sink consumes samples.
type Sink interface {
	Ingest(Sample)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Sample)

func (f SinkFunc) Ingest(s Sample) { f(s) }

// FormatLine encodes a sample as "<t_ns>,<axis>,<x>,<y>,<z>" where t_ns is the
// offset from an origin chosen by the caller.
func FormatLine(offset time.Duration, axis Axis, v [3]float32) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(offset.Nanoseconds(), 10))
	b.WriteByte(',')
	b.WriteString(axis.String())
	for _, x := range v {
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	return b.String()
}

// ParseLine decodes a line produced by FormatLine.
func ParseLine(line string) (offset time.Duration, axis Axis, v [3]float32, err error) {
	parts := strings.Split(line, ",")
	if len(parts) != 5 {
		return 0, 0, v, fmt.Errorf("invalid sample line (want 5 fields, got %d): %q", len(parts), line)
	}
	ns, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, v, fmt.Errorf("invalid sample timestamp %q: %w", parts[0], err)
	}
	if ns < 0 {
		return 0, 0, v, fmt.Errorf("invalid sample timestamp (negative): %d", ns)
	}
	axis, err = ParseAxis(parts[1])
	if err != nil {
		return 0, 0, v, err
	}
	for i := range 3 {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[2+i]), 32)
		if err != nil {
			return 0, 0, v, fmt.Errorf("invalid sample value %q: %w", parts[2+i], err)
		}
		v[i] = float32(f)
	}
	return time.Duration(ns), axis, v, nil
}

// maxMillis keeps millisecond timestamps within the range of time.Duration.
const maxMillis = float64(math.MaxInt64 / int64(time.Millisecond))

// Millis converts a device timestamp in milliseconds. It fails for negative,
// non-finite or out-of-range values.
func Millis(ms float64) (time.Duration, error) {
	if math.IsNaN(ms) || ms < 0 || ms > maxMillis {
		return 0, fmt.Errorf("timestamp out of range: %v ms", ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}
