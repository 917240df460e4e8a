package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"fallwatch/internal/sample"
)

// Log format: line-oriented text.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START" resets the origin (next record time is relative to 0 again).
// - Data lines are: <t_ns>,<axis>,<x>,<y>,<z>
//   where t_ns is nanoseconds since START and axis is acc, gyro or mag.

type Record struct {
	At     time.Duration
	Start  bool
	Axis   sample.Axis
	Values [3]float32
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{Start: true})
			continue
		}
		at, axis, v, err := sample.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("replay: line %d: %w", lineNo, err)
		}
		recs = append(recs, Record{At: at, Axis: axis, Values: v})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ReadFile loads a whole sample log.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer records samples. Offsets are measured from the first sample written
// after START. It is safe for concurrent use and doubles as a sample.Sink.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	origin   time.Time
	written  uint64
	closed   bool
	loggedAt time.Time
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw}, nil
}

func (ww *Writer) WriteSample(s sample.Sample) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	if ww.origin.IsZero() {
		ww.origin = s.At
	}
	d := s.At.Sub(ww.origin)
	if d < 0 {
		d = 0
	}
	if _, err := ww.w.WriteString(sample.FormatLine(d, s.Axis, s.Values) + "\n"); err != nil {
		return err
	}
	ww.written++
	return nil
}

// Ingest records s, logging write failures at most every 10s.
func (ww *Writer) Ingest(s sample.Sample) {
	if err := ww.WriteSample(s); err != nil {
		ww.mu.Lock()
		now := time.Now()
		quiet := now.Sub(ww.loggedAt) < 10*time.Second
		if !quiet {
			ww.loggedAt = now
		}
		ww.mu.Unlock()
		if !quiet {
			log.Printf("record: write failed: %v", err)
		}
	}
}

// Written returns the number of samples recorded so far.
func (ww *Writer) Written() uint64 {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	return ww.written
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(d time.Duration)
}

type ctxSleeper struct{ ctx context.Context }

func (s ctxSleeper) Sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
	}
}

// Instant never waits; playback runs as fast as the callback allows.
type Instant struct{}

func (Instant) Sleep(time.Duration) {}

// Play replays records with their relative timing.
//
// cb receives each sample record with its playback offset. Offsets increase
// monotonically across START markers and loop passes, so a consumer can map
// them onto a single clock.
//
// speed: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
// A nil sleeper waits in real time and wakes early when ctx is done.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, cb func(at time.Duration, s sample.Sample) error) error {
	if speed <= 0 {
		return fmt.Errorf("speed must be > 0")
	}
	if sleeper == nil {
		sleeper = ctxSleeper{ctx: ctx}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if !hasSamples(records) {
		return errors.New("no sample records")
	}

	// base is the playback offset of the current segment's origin.
	var base, lastAt time.Duration
	var haveLast bool
	for {
		var origin time.Duration
		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Start {
				if haveLast {
					base = lastAt
				}
				origin = r.At
				continue
			}

			rel := r.At - origin
			if rel < 0 {
				rel = 0
			}
			at := base + rel
			if haveLast {
				if at < lastAt {
					at = lastAt
				}
				wait := time.Duration(float64(at-lastAt) / speed)
				if wait > 0 {
					sleeper.Sleep(wait)
				}
			}
			if err := cb(at, sample.Sample{Axis: r.Axis, Values: r.Values}); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
		base = lastAt
	}
}

func hasSamples(records []Record) bool {
	for _, r := range records {
		if !r.Start {
			return true
		}
	}
	return false
}
