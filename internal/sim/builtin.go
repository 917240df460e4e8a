package sim

import (
	"fmt"
	"sort"
)

// Built-in scripts covering the four reference outcomes: a confirmed fall,
// a quiet spell that never sees an impact, an impact followed by agitation
// and an impact without a change of attitude. "drop" is a handheld device
// falling with no specific force at all before it lands on its edge.
var builtins = map[string]string{
	"drop": `
name: drop
phases:
  - {kind: shake, duration: 2s, pitch_deg: 0, amplitude: 2, freq_hz: 3}
  - {kind: freefall, duration: 550ms}
  - {kind: impact, peak: 45}
  - {kind: still, duration: 2500ms, pitch_deg: 90}
`,
	"confirmed-fall": `
name: confirmed-fall
phases:
  - {kind: still, duration: 500ms, pitch_deg: 0}
  - {kind: impact, peak: 45}
  - {kind: still, duration: 2500ms, pitch_deg: 60}
`,
	"false-free-fall": `
name: false-free-fall
phases:
  - {kind: still, duration: 2s, pitch_deg: 0}
`,
	"agitated": `
name: agitated
phases:
  - {kind: still, duration: 500ms, pitch_deg: 0}
  - {kind: impact, peak: 45}
  - {kind: shake, duration: 2500ms, pitch_deg: 60, amplitude: 12, freq_hz: 5}
`,
	"no-orientation-change": `
name: no-orientation-change
phases:
  - {kind: still, duration: 500ms, pitch_deg: 0}
  - {kind: impact, peak: 45}
  - {kind: still, duration: 2500ms, pitch_deg: 5}
`,
}

// BuiltinNames lists the built-in scripts in name order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Builtin returns a built-in script by name.
func Builtin(name string) (ScenarioScript, error) {
	src, ok := builtins[name]
	if !ok {
		return ScenarioScript{}, fmt.Errorf("unknown built-in scenario %q", name)
	}
	return ParseScenarioScriptYAML([]byte(src))
}
