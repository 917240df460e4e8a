package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"fallwatch/internal/sample"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(d time.Duration) {
	fs.slept = append(fs.slept, d)
}

func TestReaderReadAll(t *testing.T) {
	in := strings.NewReader(`
# comment

START
0,mag,20,0,-40
10,acc, 0, 0, 9.81
`)

	recs, err := NewReader(in).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if !recs[0].Start {
		t.Fatalf("expected START marker, got %+v", recs[0])
	}
	if recs[1].At != 0 || recs[1].Axis != sample.Magnetometer || recs[1].Values != [3]float32{20, 0, -40} {
		t.Fatalf("unexpected record 1: %+v", recs[1])
	}
	if recs[2].At != 10*time.Nanosecond || recs[2].Axis != sample.Accelerometer {
		t.Fatalf("unexpected record 2: %+v", recs[2])
	}
}

func TestReaderReadAll_InvalidLine(t *testing.T) {
	for _, in := range []string{
		"not-a-valid-line\n",
		"START\n10,rot,1,2,3\n",
		"START\n-1,acc,1,2,3\n",
	} {
		_, err := NewReader(strings.NewReader(in)).ReadAll()
		if err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func playAll(t *testing.T, recs []Record, speed float64, loop bool, fs Sleeper, limit int) []time.Duration {
	t.Helper()
	var ats []time.Duration
	stop := errors.New("stop")
	err := Play(context.Background(), recs, speed, loop, fs, func(at time.Duration, _ sample.Sample) error {
		ats = append(ats, at)
		if limit > 0 && len(ats) == limit {
			return stop
		}
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		t.Fatalf("Play() error: %v", err)
	}
	return ats
}

func TestPlay_RespectsTimingAndStart(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		{Start: true},
		{At: 1 * time.Second, Axis: sample.Accelerometer},
		{At: 1*time.Second + 100*time.Nanosecond, Axis: sample.Accelerometer},
		{Start: true},
		{At: 50 * time.Nanosecond, Axis: sample.Accelerometer},
	}

	ats := playAll(t, recs, 1.0, false, fs, 0)

	// The second segment continues from the end of the first.
	want := []time.Duration{1 * time.Second, 1*time.Second + 100, 1*time.Second + 150}
	if !reflect.DeepEqual(ats, want) {
		t.Fatalf("offsets = %v, want %v", ats, want)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{100, 50}) {
		t.Fatalf("slept = %v", fs.slept)
	}
}

func TestPlay_SpeedMultiplier(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		{At: 0, Axis: sample.Accelerometer},
		{At: 100 * time.Nanosecond, Axis: sample.Accelerometer},
	}
	playAll(t, recs, 2.0, false, fs, 0)
	if !reflect.DeepEqual(fs.slept, []time.Duration{50 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [50ns]", fs.slept)
	}
}

func TestPlay_LoopKeepsOffsetsMonotonic(t *testing.T) {
	recs := []Record{
		{Start: true},
		{At: 0, Axis: sample.Accelerometer},
		{At: 10, Axis: sample.Accelerometer},
	}
	ats := playAll(t, recs, 1, true, Instant{}, 6)
	want := []time.Duration{0, 10, 10, 20, 20, 30}
	if !reflect.DeepEqual(ats, want) {
		t.Fatalf("offsets = %v, want %v", ats, want)
	}
}

func TestPlay_Invalid(t *testing.T) {
	cb := func(time.Duration, sample.Sample) error { return nil }
	recs := []Record{{At: 0, Axis: sample.Accelerometer}}
	if err := Play(context.Background(), recs, 0, false, nil, cb); err == nil {
		t.Fatalf("expected error for zero speed")
	}
	if err := Play(context.Background(), []Record{{Start: true}}, 1, false, nil, cb); err == nil {
		t.Fatalf("expected error for empty log")
	}
	if err := Play(context.Background(), recs, 1, false, nil, nil); err == nil {
		t.Fatalf("expected error for nil callback")
	}
}

func TestPlay_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	recs := []Record{{At: 0, Axis: sample.Accelerometer}}
	n := 0
	err := Play(ctx, recs, 1, true, Instant{}, func(time.Duration, sample.Sample) error {
		n++
		if n == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestWriter_WritesExpectedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	t0 := time.Unix(100, 0)
	w.Ingest(sample.Sample{Axis: sample.Magnetometer, Values: [3]float32{20, 0, -40}, At: t0})
	if err := w.WriteSample(sample.Sample{Axis: sample.Accelerometer, Values: [3]float32{0, 0.5, 9.81}, At: t0.Add(20)}); err != nil {
		t.Fatalf("WriteSample() error: %v", err)
	}
	// Out of order samples clamp to the origin.
	w.Ingest(sample.Sample{Axis: sample.Gyroscope, At: t0.Add(-time.Second)})
	if got := w.Written(); got != 3 {
		t.Fatalf("written=%d want 3", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if err := w.WriteSample(sample.Sample{}); err == nil {
		t.Fatalf("expected error after close")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	want := "START\n0,mag,20,0,-40\n20,acc,0,0.5,9.81\n0,gyro,0,0,0\n"
	if string(b) != want {
		t.Fatalf("unexpected file contents: %q", string(b))
	}
}
