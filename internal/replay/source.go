package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fallwatch/internal/fall"
	"fallwatch/internal/sample"
)

// Tail is how far the virtual clock runs past the last sample so an armed
// impact-window timer still fires.
const Tail = 3 * time.Second

type SourceConfig struct {
	Path  string
	Speed float64
	Loop  bool
}

type SourceStats struct {
	Path      string
	Records   int
	Played    uint64
	Done      bool
	LastError string
}

// Source feeds a recorded log into sink. The detector behind sink must be
// built on sched: every sample advances sched to the sample time first, so
// detector timers fire in recorded time regardless of playback speed.
type Source struct {
	cfg     SourceConfig
	sched   *fall.ManualScheduler
	sink    sample.Sink
	sleeper Sleeper

	mu    sync.Mutex
	stats SourceStats
	done  chan struct{}
}

func NewSource(cfg SourceConfig, sched *fall.ManualScheduler, sink sample.Sink) *Source {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return &Source{cfg: cfg, sched: sched, sink: sink, stats: SourceStats{Path: cfg.Path}}
}

// Start loads the log and plays it in the background.
func (s *Source) Start(ctx context.Context) error {
	recs, err := ReadFile(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if !hasSamples(recs) {
		return fmt.Errorf("replay: %s holds no samples", s.cfg.Path)
	}
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.Run(ctx, recs); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("replay: %v", err)
		}
	}()
	return nil
}

// Wait blocks until a started playback ends.
func (s *Source) Wait() {
	if s.done != nil {
		<-s.done
	}
}

// Run plays recs synchronously.
func (s *Source) Run(ctx context.Context, recs []Record) error {
	s.mu.Lock()
	s.stats.Records = len(recs)
	s.stats.Done = false
	s.mu.Unlock()

	base := s.sched.Now()
	log.Printf("replay: playing %s (%d records, speed %.2fx, loop=%t)", s.cfg.Path, len(recs), s.cfg.Speed, s.cfg.Loop)

	var last time.Duration
	err := Play(ctx, recs, s.cfg.Speed, s.cfg.Loop, s.sleeper, func(at time.Duration, smp sample.Sample) error {
		smp.At = base.Add(at)
		s.sched.AdvanceTo(smp.At)
		s.sink.Ingest(smp)
		last = at

		s.mu.Lock()
		s.stats.Played++
		s.mu.Unlock()
		return nil
	})
	if err == nil {
		s.sched.AdvanceTo(base.Add(last + Tail))
	}

	s.mu.Lock()
	s.stats.Done = true
	if err != nil {
		s.stats.LastError = err.Error()
	}
	s.mu.Unlock()
	return err
}

func (s *Source) Stats() SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Result is the outcome of running a log through a fresh detector.
type Result struct {
	Events      []fall.Event
	Transitions []fall.Transition
	Samples     int
	Duration    time.Duration
}

// Analyze runs recs through a new detector on virtual time starting at
// start, as fast as possible.
func Analyze(recs []Record, cfg fall.Config, start time.Time) (Result, error) {
	var res Result
	sched := fall.NewManualScheduler(start)
	det, err := fall.NewDetector(cfg,
		fall.WithScheduler(sched),
		fall.WithFallHandler(func(ev fall.Event) { res.Events = append(res.Events, ev) }),
		fall.WithTransitionHandler(func(tr fall.Transition) { res.Transitions = append(res.Transitions, tr) }),
	)
	if err != nil {
		return Result{}, err
	}
	var last time.Duration
	err = Play(context.Background(), recs, 1, false, Instant{}, func(at time.Duration, smp sample.Sample) error {
		smp.At = start.Add(at)
		sched.AdvanceTo(smp.At)
		det.Ingest(smp)
		res.Samples++
		last = at
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	sched.AdvanceTo(start.Add(last + Tail))
	res.Duration = last
	return res, nil
}
