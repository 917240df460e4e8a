package fall

import "math"

// Conditioner separates gravity from linear acceleration with a single-pole
// low-pass filter. The gravity estimate starts at zero and persists for the
// lifetime of the conditioner.
type Conditioner struct {
	alpha   float32
	gravity [3]float32
}

func NewConditioner(alpha float32) *Conditioner {
	return &Conditioner{alpha: alpha}
}

// Accelerometer folds one raw accelerometer reading into the gravity estimate
// and returns the magnitude of the remaining linear acceleration.
//
// Non-finite readings leave gravity untouched and return NaN, so every
// threshold comparison downstream evaluates false.
func (c *Conditioner) Accelerometer(v [3]float32) float32 {
	if !finite3(v) {
		return float32(math.NaN())
	}
	a := c.alpha
	var lin [3]float32
	for i := range 3 {
		c.gravity[i] = a*c.gravity[i] + (1-a)*v[i]
		lin[i] = v[i] - c.gravity[i]
	}
	return norm3(lin)
}

// Gravity returns the current gravity estimate.
func (c *Conditioner) Gravity() [3]float32 {
	return c.gravity
}

// RotationMagnitude is the unfiltered norm of a gyroscope reading (rad/s).
func RotationMagnitude(v [3]float32) float32 {
	if !finite3(v) {
		return float32(math.NaN())
	}
	return norm3(v)
}

func norm3(v [3]float32) float32 {
	return float32(math.Sqrt(float64(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])))
}

func finite3(v [3]float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
