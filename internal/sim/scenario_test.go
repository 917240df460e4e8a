package sim

import (
	"math"
	"testing"
	"time"

	"fallwatch/internal/fall"
	"fallwatch/internal/sample"
)

type runResult struct {
	events []fall.Event
	final  fall.State
	resets map[fall.Reason]int
}

// run feeds the rendered samples to a detector on virtual time and lets any
// armed timer expire afterwards.
func run(t *testing.T, scn *Scenario) runResult {
	t.Helper()
	t0 := time.Unix(1700000000, 0)
	sched := fall.NewManualScheduler(t0)
	res := runResult{resets: make(map[fall.Reason]int)}
	det, err := fall.NewDetector(fall.DefaultConfig(),
		fall.WithScheduler(sched),
		fall.WithFallHandler(func(ev fall.Event) { res.events = append(res.events, ev) }),
		fall.WithTransitionHandler(func(tr fall.Transition) {
			if tr.To == fall.Normal {
				res.resets[tr.Reason]++
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	for _, s := range scn.Samples(t0) {
		sched.AdvanceTo(s.At)
		det.Ingest(s)
	}
	sched.AdvanceTo(t0.Add(scn.Duration() + 3*time.Second))
	res.final = det.Snapshot().State
	return res
}

func builtinScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	script, err := Builtin(name)
	if err != nil {
		t.Fatalf("Builtin(%q): %v", name, err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario(%q): %v", name, err)
	}
	return scn
}

func TestBuiltins_Outcomes(t *testing.T) {
	cases := []struct {
		name       string
		wantEvents int
		wantReason fall.Reason
	}{
		{name: "confirmed-fall", wantEvents: 1, wantReason: fall.ReasonConfirmed},
		{name: "drop", wantEvents: 1, wantReason: fall.ReasonConfirmed},
		{name: "false-free-fall", wantEvents: 0, wantReason: fall.ReasonImpactWindowExpiry},
		{name: "agitated", wantEvents: 0, wantReason: fall.ReasonStationaryExpiry},
		{name: "no-orientation-change", wantEvents: 0, wantReason: fall.ReasonStationaryExpiry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := run(t, builtinScenario(t, tc.name))
			if len(res.events) != tc.wantEvents {
				t.Fatalf("events=%d want %d", len(res.events), tc.wantEvents)
			}
			if res.resets[tc.wantReason] == 0 {
				t.Fatalf("no return to normal via %s (resets=%v)", tc.wantReason, res.resets)
			}
			if res.final != fall.Normal {
				t.Fatalf("final state=%v want normal", res.final)
			}
		})
	}
}

func TestBuiltins_ConfirmedFallDetails(t *testing.T) {
	res := run(t, builtinScenario(t, "confirmed-fall"))
	if len(res.events) != 1 {
		t.Fatalf("events=%d want 1", len(res.events))
	}
	ev := res.events[0]
	if ev.PitchDelta <= 45 || ev.PitchDelta > 61 {
		t.Fatalf("pitch delta=%v want in (45,61]", ev.PitchDelta)
	}
	if ev.PeakAcceleration < 29.4 {
		t.Fatalf("peak=%v want >= 29.4", ev.PeakAcceleration)
	}
	if got := ev.ImpactAt.Sub(time.Unix(1700000000, 0)); got != 500*time.Millisecond {
		t.Fatalf("impact at %v want 500ms", got)
	}
}

func TestBuiltins_DropFromHand(t *testing.T) {
	scn := builtinScenario(t, "drop")
	t0 := time.Unix(1700000000, 0)
	for _, s := range scn.Samples(t0) {
		if s.Axis != sample.Accelerometer {
			continue
		}
		at := s.At.Sub(t0)
		if at >= 2*time.Second && at < 2550*time.Millisecond && s.Values != [3]float32{} {
			t.Fatalf("free fall sample at %v=%v want zero", at, s.Values)
		}
	}

	res := run(t, scn)
	if len(res.events) != 1 {
		t.Fatalf("events=%d want 1", len(res.events))
	}
	ev := res.events[0]
	if ev.PitchDelta < 85 || ev.PitchDelta > 91 {
		t.Fatalf("pitch delta=%v want ~90", ev.PitchDelta)
	}
	if got := ev.ImpactAt.Sub(t0); got != 2550*time.Millisecond {
		t.Fatalf("impact at %v want 2550ms", got)
	}
	if got := ev.FreeFallAt.Sub(t0); got < 2400*time.Millisecond || got > 2500*time.Millisecond {
		t.Fatalf("free fall at %v want ~2450ms", got)
	}
}

func TestBuiltinNames(t *testing.T) {
	names := BuiltinNames()
	want := []string{"agitated", "confirmed-fall", "drop", "false-free-fall", "no-orientation-change"}
	if len(names) != len(want) {
		t.Fatalf("names=%v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names=%v want %v", names, want)
		}
	}
	if _, err := Builtin("nope"); err == nil {
		t.Fatalf("expected error for unknown scenario")
	}
}

func TestScenario_ParseAndRender(t *testing.T) {
	script, err := ParseScenarioScriptYAML([]byte(`
version: 1
name: roll
rate_hz: 50
field_ut: [0, 30, -30]
phases:
  - kind: still
    duration: 100ms
    pitch_deg: 30
  - kind: tumble
    duration: 200ms
    rate_dps: 90
  - kind: freefall
    duration: 40ms
`))
	if err != nil {
		t.Fatalf("ParseScenarioScriptYAML: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 340*time.Millisecond || scn.Step() != 20*time.Millisecond {
		t.Fatalf("duration=%v step=%v", scn.Duration(), scn.Step())
	}

	t0 := time.Unix(0, 0)
	got := scn.Samples(t0)
	if len(got) != 17*3 {
		t.Fatalf("samples=%d want %d", len(got), 17*3)
	}
	for i := 0; i < len(got); i += 3 {
		if got[i].Axis != sample.Magnetometer || got[i+1].Axis != sample.Gyroscope || got[i+2].Axis != sample.Accelerometer {
			t.Fatalf("tick %d order: %v %v %v", i/3, got[i].Axis, got[i+1].Axis, got[i+2].Axis)
		}
	}

	// First tick: flat gravity rotated by 30 degrees.
	acc := got[2].Values
	if !near(acc[1], 9.80665*0.5, 1e-4) || !near(acc[2], 9.80665*float32(math.Sqrt(3)/2), 1e-4) {
		t.Fatalf("still accel=%v", acc)
	}
	// Tumbling reports its rate on the gyroscope.
	gyro := got[5*3+1].Values
	if !near(gyro[0], float32(math.Pi/2), 1e-5) {
		t.Fatalf("tumble gyro=%v want pi/2", gyro)
	}
	// Free fall has no specific force.
	if last := got[len(got)-1]; last.Values != [3]float32{} || !last.At.Equal(t0.Add(320*time.Millisecond)) {
		t.Fatalf("freefall sample=%+v", last)
	}
}

func TestScenario_NoiseIsSeeded(t *testing.T) {
	script := ScenarioScript{
		NoMagnetometer: true,
		Noise:          0.1,
		Seed:           7,
		Phases:         []Phase{{Kind: PhaseStill, Duration: 50 * time.Millisecond}},
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	a := scn.Samples(time.Unix(0, 0))
	b := scn.Samples(time.Unix(0, 0))
	if len(a) != 10 {
		t.Fatalf("samples=%d want 10", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs between renders", i)
		}
		if a[i].Axis == sample.Magnetometer {
			t.Fatalf("magnetometer rendered while disabled")
		}
	}
	if a[1].Values == [3]float32{0, 0, 9.80665} {
		t.Fatalf("noise not applied")
	}
}

func TestNewScenario_Rejects(t *testing.T) {
	pitch := 10.0
	cases := map[string]ScenarioScript{
		"version":      {Version: 2, Phases: []Phase{{Kind: PhaseStill, Duration: time.Second}}},
		"rate":         {RateHz: 5000, Phases: []Phase{{Kind: PhaseStill, Duration: time.Second}}},
		"noise":        {Noise: -1, Phases: []Phase{{Kind: PhaseStill, Duration: time.Second}}},
		"empty":        {},
		"duration":     {Phases: []Phase{{Kind: PhaseStill}}},
		"kind":         {Phases: []Phase{{Kind: "hover", Duration: time.Second}}},
		"settle pitch": {Phases: []Phase{{Kind: PhaseSettle, Duration: time.Second}}},
		"tumble rate":  {Phases: []Phase{{Kind: PhaseTumble, Duration: time.Second}}},
		"impact peak":  {Phases: []Phase{{Kind: PhaseImpact}}},
		"shake":        {Phases: []Phase{{Kind: PhaseShake, Duration: time.Second, PitchDeg: &pitch}}},
	}
	for name, script := range cases {
		if _, err := NewScenario(script); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func near(a, b, eps float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= eps
}
