package sim

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fallwatch/internal/sample"
)

// ScenarioScript is a deterministic, script-driven description of a device
// moving through a sequence of phases.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
//
// YAML schema (v1):
//
//	version: 1
//	name: confirmed-fall
//	rate_hz: 100
//	field_ut: [0, 20, -40]   # world east/north/up, omit to use the default
//	no_magnetometer: false
//	noise: 0.02              # accelerometer noise std dev, m/s^2
//	seed: 1
//	phases:
//	  - kind: still
//	    duration: 500ms
//	    pitch_deg: 0
//	  - kind: impact
//	    peak: 45
//	  - kind: still
//	    duration: 2500ms
//	    pitch_deg: 60
//
// The device only rotates about its x axis, so pitch_deg is the attitude
// the detector recovers. Phase kinds:
//
//	still     steady attitude (pitch_deg, default: the previous attitude)
//	freefall  no specific force at all
//	impact    one spike of peak m/s^2 on top of gravity
//	settle    rotates linearly to pitch_deg over the phase
//	shake     steady attitude plus amplitude m/s^2 at freq_hz along device x
//	tumble    rotates continuously at rate_dps
type ScenarioScript struct {
	Version        int         `yaml:"version"`
	Name           string      `yaml:"name"`
	RateHz         int         `yaml:"rate_hz"`
	FieldUT        *[3]float32 `yaml:"field_ut"`
	NoMagnetometer bool        `yaml:"no_magnetometer"`
	Noise          float32     `yaml:"noise"`
	Seed           int64       `yaml:"seed"`
	Phases         []Phase     `yaml:"phases"`
}

type Phase struct {
	Kind      string        `yaml:"kind"`
	Duration  time.Duration `yaml:"duration"`
	PitchDeg  *float64      `yaml:"pitch_deg"`
	Peak      float32       `yaml:"peak"`
	Amplitude float32       `yaml:"amplitude"`
	FreqHz    float64       `yaml:"freq_hz"`
	RateDps   float64       `yaml:"rate_dps"`
}

const (
	PhaseStill    = "still"
	PhaseFreeFall = "freefall"
	PhaseImpact   = "impact"
	PhaseSettle   = "settle"
	PhaseShake    = "shake"
	PhaseTumble   = "tumble"
)

const gravity = 9.80665

var defaultField = [3]float32{0, 20, -40}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	step     time.Duration
	field    [3]float32
	spans    []span
	duration time.Duration
}

// span is a phase placed on the timeline with its resolved attitudes.
type span struct {
	Phase
	start      time.Duration
	end        time.Duration
	fromPitch  float64
	untilPitch float64
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if script.RateHz == 0 {
		script.RateHz = 100
	}
	if script.RateHz < 1 || script.RateHz > 1000 {
		return nil, fmt.Errorf("rate_hz must be in 1..1000")
	}
	if script.Noise < 0 {
		return nil, fmt.Errorf("noise must be >= 0")
	}
	if len(script.Phases) == 0 {
		return nil, fmt.Errorf("phases is required")
	}

	s := &Scenario{
		script: script,
		step:   time.Second / time.Duration(script.RateHz),
		field:  defaultField,
	}
	if script.FieldUT != nil {
		s.field = *script.FieldUT
	}

	var at time.Duration
	var pitch float64
	for i, p := range script.Phases {
		if p.Kind == PhaseImpact && p.Duration == 0 {
			p.Duration = s.step
		}
		if p.Duration <= 0 {
			return nil, fmt.Errorf("phases[%d].duration must be > 0", i)
		}
		sp := span{Phase: p, start: at, end: at + p.Duration, fromPitch: pitch, untilPitch: pitch}
		switch p.Kind {
		case PhaseStill, PhaseShake:
			if p.PitchDeg != nil {
				sp.fromPitch, sp.untilPitch = *p.PitchDeg, *p.PitchDeg
			}
		case PhaseSettle:
			if p.PitchDeg == nil {
				return nil, fmt.Errorf("phases[%d].pitch_deg is required for settle", i)
			}
			sp.untilPitch = *p.PitchDeg
		case PhaseTumble:
			if p.RateDps == 0 {
				return nil, fmt.Errorf("phases[%d].rate_dps is required for tumble", i)
			}
			sp.untilPitch = pitch + p.RateDps*p.Duration.Seconds()
		case PhaseImpact:
			if p.Peak <= 0 {
				return nil, fmt.Errorf("phases[%d].peak must be > 0", i)
			}
		case PhaseFreeFall:
		default:
			return nil, fmt.Errorf("phases[%d].kind %q is not supported", i, p.Kind)
		}
		if p.Kind == PhaseShake && (p.Amplitude <= 0 || p.FreqHz <= 0) {
			return nil, fmt.Errorf("phases[%d] shake needs amplitude and freq_hz > 0", i)
		}
		s.spans = append(s.spans, sp)
		at = sp.end
		pitch = sp.untilPitch
	}
	s.duration = at
	return s, nil
}

func (s *Scenario) Name() string { return s.script.Name }

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// Step returns the sample period.
func (s *Scenario) Step() time.Duration { return s.step }

// Samples renders the scenario from start. Each tick yields magnetometer,
// gyroscope and accelerometer readings in that order, all stamped with the
// tick time.
func (s *Scenario) Samples(start time.Time) []sample.Sample {
	rng := rand.New(rand.NewSource(s.script.Seed))
	per := 3
	if s.script.NoMagnetometer {
		per = 2
	}
	out := make([]sample.Sample, 0, per*int(s.duration/s.step+1))

	idx := 0
	for t := time.Duration(0); t < s.duration; t += s.step {
		for idx < len(s.spans)-1 && t >= s.spans[idx].end {
			idx++
		}
		r := s.spans[idx].at(t)
		if s.script.Noise > 0 {
			for i := range r.accel {
				r.accel[i] += float32(rng.NormFloat64()) * s.script.Noise
			}
		}
		at := start.Add(t)
		if !s.script.NoMagnetometer {
			out = append(out, sample.Sample{Axis: sample.Magnetometer, Values: rotateX(s.field, r.pitch), At: at})
		}
		out = append(out,
			sample.Sample{Axis: sample.Gyroscope, Values: [3]float32{float32(r.rate), 0, 0}, At: at},
			sample.Sample{Axis: sample.Accelerometer, Values: r.accel, At: at},
		)
	}
	return out
}

type reading struct {
	pitch float64 // degrees
	rate  float64 // rad/s about x
	accel [3]float32
}

func (sp span) at(t time.Duration) reading {
	elapsed := t - sp.start
	frac := float64(elapsed) / float64(sp.end-sp.start)
	r := reading{pitch: sp.fromPitch}
	switch sp.Kind {
	case PhaseSettle, PhaseTumble:
		r.pitch = lerp(sp.fromPitch, sp.untilPitch, frac)
		r.rate = (sp.untilPitch - sp.fromPitch) / sp.Duration.Seconds() * math.Pi / 180
	}

	up := rotateX([3]float32{0, 0, gravity}, r.pitch)
	switch sp.Kind {
	case PhaseFreeFall:
		return r
	case PhaseImpact:
		scale := (gravity + sp.Peak) / gravity
		for i := range up {
			up[i] *= scale
		}
	case PhaseShake:
		up[0] += sp.Amplitude * float32(math.Sin(2*math.Pi*sp.FreqHz*elapsed.Seconds()))
	}
	r.accel = up
	return r
}

// rotateX expresses a world vector in a device frame pitched by deg about x.
func rotateX(v [3]float32, deg float64) [3]float32 {
	sin, cos := math.Sincos(deg * math.Pi / 180)
	y, z := float64(v[1]), float64(v[2])
	return [3]float32{v[0], float32(y*cos + z*sin), float32(-y*sin + z*cos)}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
