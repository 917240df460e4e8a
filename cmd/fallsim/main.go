// Command fallsim renders motion scenarios into sample logs or UDP sample
// streams for fallwatch, and checks logs against the detector offline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fallwatch/internal/fall"
	"fallwatch/internal/replay"
	"fallwatch/internal/sample"
	"fallwatch/internal/sim"
	"fallwatch/internal/udp"
)

// checkStart anchors offline checks so reported times read as offsets.
var checkStart = time.Unix(0, 0).UTC()

type options struct {
	list     bool
	scenario string
	script   string
	in       string
	out      string
	udpDest  string
	speed    float64
	loop     bool
	check    bool
}

func main() {
	var o options
	flag.BoolVar(&o.list, "list", false, "List built-in scenarios and exit")
	flag.StringVar(&o.scenario, "scenario", "", "Built-in scenario name")
	flag.StringVar(&o.script, "script", "", "Path to a YAML scenario script")
	flag.StringVar(&o.in, "in", "", "Existing sample log to summarize (instead of a scenario)")
	flag.StringVar(&o.out, "out", "", "Write the rendered scenario to this sample log")
	flag.StringVar(&o.udpDest, "udp", "", "Stream samples to this UDP address (host:port)")
	flag.Float64Var(&o.speed, "speed", 1, "Playback speed for -udp")
	flag.BoolVar(&o.loop, "loop", false, "Loop -udp playback until interrupted")
	flag.BoolVar(&o.check, "check", false, "Run the samples through the detector and report transitions")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("fallsim: %v", err)
	}
}

func run(ctx context.Context, o options, stdout io.Writer) error {
	if o.list {
		for _, name := range sim.BuiltinNames() {
			fmt.Fprintln(stdout, name)
		}
		return nil
	}

	var recs []replay.Record
	switch {
	case o.in != "":
		if o.scenario != "" || o.script != "" {
			return fmt.Errorf("-in cannot be combined with -scenario or -script")
		}
		var err error
		recs, err = replay.ReadFile(o.in)
		if err != nil {
			return err
		}
		printSummary(stdout, o.in, summarizeLog(recs))
	default:
		scn, err := loadScenario(o.scenario, o.script)
		if err != nil {
			return err
		}
		recs = scenarioRecords(scn, checkStart)
		fmt.Fprintf(stdout, "scenario: %s (%s, %d samples)\n", scn.Name(), scn.Duration(), len(recs)-1)
	}

	if o.out != "" {
		if err := writeLog(o.out, recs); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", o.out)
	}

	if o.check {
		res, err := replay.Analyze(recs, fall.DefaultConfig(), checkStart)
		if err != nil {
			return err
		}
		printCheck(stdout, res)
	}

	if o.udpDest != "" {
		return streamUDP(ctx, o.udpDest, recs, o.speed, o.loop)
	}
	return nil
}

func loadScenario(name, scriptPath string) (*sim.Scenario, error) {
	var script sim.ScenarioScript
	var err error
	switch {
	case name != "" && scriptPath != "":
		return nil, fmt.Errorf("use either -scenario or -script, not both")
	case name != "":
		script, err = sim.Builtin(name)
	case scriptPath != "":
		script, err = sim.LoadScenarioScript(scriptPath)
	default:
		return nil, fmt.Errorf("one of -scenario, -script or -in is required (built-ins: %s)", strings.Join(sim.BuiltinNames(), ", "))
	}
	if err != nil {
		return nil, err
	}
	return sim.NewScenario(script)
}

// scenarioRecords renders scn as one log segment.
func scenarioRecords(scn *sim.Scenario, start time.Time) []replay.Record {
	samples := scn.Samples(start)
	recs := make([]replay.Record, 0, len(samples)+1)
	recs = append(recs, replay.Record{Start: true})
	for _, s := range samples {
		recs = append(recs, replay.Record{At: s.At.Sub(start), Axis: s.Axis, Values: s.Values})
	}
	return recs
}

func writeLog(path string, recs []replay.Record) error {
	w, err := replay.CreateWriter(path)
	if err != nil {
		return err
	}
	err = replay.Play(context.Background(), recs, 1, false, replay.Instant{}, func(at time.Duration, s sample.Sample) error {
		s.At = checkStart.Add(at)
		return w.WriteSample(s)
	})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

func streamUDP(ctx context.Context, dest string, recs []replay.Record, speed float64, loop bool) error {
	b, err := udp.NewBroadcaster(dest)
	if err != nil {
		return err
	}
	defer b.Close()

	log.Printf("fallsim: streaming %d records to %s speed=%.2f loop=%t", len(recs), dest, speed, loop)

	// Samples sharing an offset form one tick and go out as one datagram.
	var sent uint64
	var tick []sample.Sample
	var tickAt time.Duration
	flush := func() error {
		if len(tick) == 0 {
			return nil
		}
		if err := b.SendTick(tickAt, tick); err != nil {
			return err
		}
		sent += uint64(len(tick))
		tick = tick[:0]
		return nil
	}
	err = replay.Play(ctx, recs, speed, loop, nil, func(at time.Duration, s sample.Sample) error {
		if len(tick) > 0 && at != tickAt {
			if err := flush(); err != nil {
				return err
			}
		}
		tickAt = at
		tick = append(tick, s)
		return nil
	})
	if err == nil {
		err = flush()
	}
	log.Printf("fallsim: sent %d samples", sent)
	return err
}
