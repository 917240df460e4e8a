package fall

import (
	"sync"
	"time"

	"fallwatch/internal/sample"
)

// Detector is the ingest facade: it conditions raw samples, keeps the
// orientation inputs current and drives the Machine.
//
// Ingest methods may be called from several goroutines; calls are serialized.
// Egress callbacks run after all detector locks are released.
type Detector struct {
	mu       sync.Mutex
	cond     *Conditioner
	est      *Estimator
	machine  *Machine
	rotation float32
}

func NewDetector(cfg Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{cond: NewConditioner(cfg.LowPassAlpha)}
	d.est = NewEstimator(d.cond.Gravity)
	m, err := NewMachine(cfg, d.est, opts...)
	if err != nil {
		return nil, err
	}
	d.machine = m
	return d, nil
}

func (d *Detector) OnAccelerometer(x, y, z float32, t time.Time) {
	d.mu.Lock()
	a := d.cond.Accelerometer([3]float32{x, y, z})
	d.est.Refresh()
	n := d.machine.observe(a, t)
	d.mu.Unlock()
	d.machine.dispatch(n)
}

// OnGyroscope records the rotation magnitude. It never drives a decision.
func (d *Detector) OnGyroscope(x, y, z float32, t time.Time) {
	d.mu.Lock()
	d.rotation = RotationMagnitude([3]float32{x, y, z})
	d.mu.Unlock()
}

func (d *Detector) OnMagnetometer(x, y, z float32, t time.Time) {
	d.mu.Lock()
	d.est.SetMagneticField([3]float32{x, y, z})
	d.mu.Unlock()
}

// Ingest routes a sample to the matching On* method.
func (d *Detector) Ingest(s sample.Sample) {
	v := s.Values
	switch s.Axis {
	case sample.Accelerometer:
		d.OnAccelerometer(v[0], v[1], v[2], s.At)
	case sample.Gyroscope:
		d.OnGyroscope(v[0], v[1], v[2], s.At)
	case sample.Magnetometer:
		d.OnMagnetometer(v[0], v[1], v[2], s.At)
	}
}

func (d *Detector) Reset() {
	d.mu.Lock()
	n := d.machine.reset()
	d.mu.Unlock()
	d.machine.dispatch(n)
}

type Snapshot struct {
	MachineSnapshot
	Gravity           [3]float32
	RotationMagnitude float32
	Pitch             float32
	PitchOK           bool
	PitchDelta        float32
	PitchDeltaOK      bool
}

func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Snapshot{
		MachineSnapshot:   d.machine.Snapshot(),
		Gravity:           d.cond.Gravity(),
		RotationMagnitude: d.rotation,
	}
	s.Pitch, s.PitchOK = d.est.Pitch()
	if s.State != Normal {
		s.PitchDelta, s.PitchDeltaOK = d.est.PitchDelta()
	}
	return s
}
