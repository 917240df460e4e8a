package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"fallwatch/internal/replay"
	"fallwatch/internal/sample"
)

type logSummary struct {
	Segments    int
	Samples     int
	MaxDuration time.Duration
	AxisCounts  map[sample.Axis]int
}

func summarizeLog(records []replay.Record) logSummary {
	s := logSummary{AxisCounts: map[sample.Axis]int{}}
	origin := time.Duration(0)
	hasSamples := false
	segments := 0

	for _, r := range records {
		if r.Start {
			segments++
			origin = r.At
			continue
		}
		hasSamples = true
		s.Samples++
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}
		s.AxisCounts[r.Axis]++
	}
	if segments == 0 && hasSamples {
		segments = 1
	}
	s.Segments = segments
	return s
}

func printSummary(w io.Writer, path string, s logSummary) {
	fmt.Fprintf(w, "log: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "samples: %d\n", s.Samples)
	fmt.Fprintf(w, "duration: %s\n", s.MaxDuration)

	axes := make([]sample.Axis, 0, len(s.AxisCounts))
	for a := range s.AxisCounts {
		axes = append(axes, a)
	}
	sort.Slice(axes, func(i, j int) bool { return axes[i] < axes[j] })
	for _, a := range axes {
		n := s.AxisCounts[a]
		rate := 0.0
		if s.MaxDuration > 0 {
			rate = float64(n) / s.MaxDuration.Seconds()
		}
		fmt.Fprintf(w, "  %-4s %6d  (%.1f Hz)\n", a, n, rate)
	}
}

func printCheck(w io.Writer, res replay.Result) {
	fmt.Fprintf(w, "check: %d samples over %s, %d transitions, %d confirmed\n",
		res.Samples, res.Duration, len(res.Transitions), len(res.Events))
	for _, tr := range res.Transitions {
		fmt.Fprintf(w, "  %s -> %s (%s) at +%s\n", tr.From, tr.To, tr.Reason, tr.At.Sub(checkStart))
	}
	for _, ev := range res.Events {
		fmt.Fprintf(w, "  FALL impact=+%s confirmed=+%s peak=%.1f variance=%.2f pitch_delta=%.1f\n",
			ev.ImpactAt.Sub(checkStart), ev.ConfirmedAt.Sub(checkStart), ev.PeakAcceleration, ev.Variance, ev.PitchDelta)
	}
}
