package fall

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const standardGravity = 9.80665

// freeFallGravitySquared rejects gravity estimates weaker than 0.1 g.
const freeFallGravitySquared = 0.01 * standardGravity * standardGravity

// RotationMatrix builds the row-major east-north-up rotation matrix from a
// gravity vector and a magnetic field vector, both in device coordinates.
// ok is false when the vectors are degenerate: gravity too weak, or the field
// (near-)parallel to gravity so that east cannot be resolved.
func RotationMatrix(gravity, geomagnetic [3]float32) (m [9]float64, ok bool) {
	a := vec(gravity)
	e := vec(geomagnetic)
	if !finiteVec(a) || !finiteVec(e) {
		return m, false
	}
	if r3.Norm2(a) < freeFallGravitySquared {
		return m, false
	}
	h := r3.Cross(e, a)
	if r3.Norm(h) < 0.1 {
		return m, false
	}
	h = r3.Unit(h)
	a = r3.Unit(a)
	n := r3.Cross(a, h)

	return [9]float64{
		h.X, h.Y, h.Z,
		n.X, n.Y, n.Z,
		a.X, a.Y, a.Z,
	}, true
}

// Angles returns azimuth, pitch and roll in radians for a rotation matrix
// built by RotationMatrix.
func Angles(m [9]float64) (azimuth, pitch, roll float64) {
	azimuth = math.Atan2(m[1], m[4])
	pitch = math.Asin(clamp(-m[7], -1, 1))
	roll = math.Atan2(-m[6], m[8])
	return azimuth, pitch, roll
}

// Estimator derives the absolute pitch angle (degrees) from the shared
// gravity estimate and the last magnetometer reading.
//
// During a real drop the gravity estimate decays toward zero before free
// fall is recognised, so the live pitch is gone by then. The estimator keeps
// the last pitch it could compute and falls back to it for the episode
// reference.
type Estimator struct {
	gravity func() [3]float32

	mag     [3]float32
	haveMag bool

	lastPitch float32
	haveLast  bool

	initialPitch float32
	haveInitial  bool
}

func NewEstimator(gravity func() [3]float32) *Estimator {
	return &Estimator{gravity: gravity}
}

// SetMagneticField overwrites the last magnetometer reading. No smoothing.
func (e *Estimator) SetMagneticField(v [3]float32) {
	e.mag = v
	e.haveMag = true
}

// Pitch returns |pitch| in degrees, or false when orientation is unavailable.
func (e *Estimator) Pitch() (float32, bool) {
	if !e.haveMag || e.gravity == nil {
		return 0, false
	}
	m, ok := RotationMatrix(e.gravity(), e.mag)
	if !ok {
		return 0, false
	}
	_, pitch, _ := Angles(m)
	return float32(math.Abs(pitch * 180 / math.Pi)), true
}

// Refresh records the current pitch as the last known attitude when it can
// be computed. It is called once per accelerometer sample.
func (e *Estimator) Refresh() {
	if p, ok := e.Pitch(); ok {
		e.lastPitch = p
		e.haveLast = true
	}
}

// LastPitch returns the most recent pitch recorded by Refresh or a capture.
func (e *Estimator) LastPitch() (float32, bool) {
	return e.lastPitch, e.haveLast
}

// CaptureInitialPitch stores the episode reference: the live pitch when it
// can be computed, otherwise the last known pitch. It fails only when no
// pitch was ever available, e.g. before the first magnetometer reading.
func (e *Estimator) CaptureInitialPitch() bool {
	p, ok := e.Pitch()
	if ok {
		e.lastPitch = p
		e.haveLast = true
	} else if e.haveLast {
		p, ok = e.lastPitch, true
	}
	e.initialPitch = p
	e.haveInitial = ok
	return ok
}

// PitchDelta returns |current - initial| in degrees. It is unavailable when
// either the reference or the current pitch could not be computed.
func (e *Estimator) PitchDelta() (float32, bool) {
	if !e.haveInitial {
		return 0, false
	}
	p, ok := e.Pitch()
	if !ok {
		return 0, false
	}
	d := p - e.initialPitch
	if d < 0 {
		d = -d
	}
	return d, true
}

func vec(v [3]float32) r3.Vec {
	return r3.Vec{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
}

func finiteVec(v r3.Vec) bool {
	for _, f := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
