// Package service ties the detector to the rest of the daemon: sample
// accounting, the optional recorder, metrics, recent history and the
// telemetry frames served by the web package.
package service

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	metrics "github.com/rcrowley/go-metrics"

	"fallwatch/internal/fall"
	"fallwatch/internal/sample"
	"fallwatch/internal/web"
)

type Config struct {
	Fall fall.Config

	// Scheduler drives the detector timers. Nil uses the wall clock.
	Scheduler fall.Scheduler
	// Now stamps telemetry frames. Nil uses time.Now.
	Now func() time.Time

	// Recorder receives every sample before the detector sees it.
	Recorder sample.Sink
	// OnFall is called once per confirmed fall, after it is logged.
	OnFall func(fall.Event)

	History     int // confirmed events kept for status
	Transitions int // transitions kept for status
}

const (
	defaultHistory     = 16
	defaultTransitions = 32
)

// TransitionRecord is the JSON form of a fall.Transition.
type TransitionRecord struct {
	At      time.Time `json:"at"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason"`
	Episode string    `json:"episode,omitempty"`
}

type Service struct {
	cfg Config
	det *fall.Detector
	now func() time.Time

	reg        metrics.Registry
	perAxis    map[sample.Axis]metrics.Counter
	nonFinite  metrics.Counter
	sampleRate metrics.Meter
	episodes   metrics.Counter
	impacts    metrics.Counter
	confirmed  metrics.Counter
	impactExp  metrics.Counter
	stillExp   metrics.Counter
	resets     metrics.Counter

	mu          sync.Mutex
	events      []fall.Event
	transitions []TransitionRecord
	lastSample  time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	if cfg.Transitions <= 0 {
		cfg.Transitions = defaultTransitions
	}
	s := &Service{cfg: cfg, now: cfg.Now, reg: metrics.NewRegistry()}
	if s.now == nil {
		s.now = time.Now
	}

	s.perAxis = map[sample.Axis]metrics.Counter{
		sample.Accelerometer: metrics.NewRegisteredCounter("samples.acc", s.reg),
		sample.Gyroscope:     metrics.NewRegisteredCounter("samples.gyro", s.reg),
		sample.Magnetometer:  metrics.NewRegisteredCounter("samples.mag", s.reg),
	}
	s.nonFinite = metrics.NewRegisteredCounter("samples.non_finite", s.reg)
	s.sampleRate = metrics.NewRegisteredMeter("samples.rate", s.reg)
	s.episodes = metrics.NewRegisteredCounter("fall.episodes", s.reg)
	s.impacts = metrics.NewRegisteredCounter("fall.impacts", s.reg)
	s.confirmed = metrics.NewRegisteredCounter("fall.confirmed", s.reg)
	s.impactExp = metrics.NewRegisteredCounter("fall.impact_window_expired", s.reg)
	s.stillExp = metrics.NewRegisteredCounter("fall.stationary_window_expired", s.reg)
	s.resets = metrics.NewRegisteredCounter("fall.resets", s.reg)

	opts := []fall.Option{
		fall.WithFallHandler(s.handleFall),
		fall.WithTransitionHandler(s.handleTransition),
	}
	if cfg.Scheduler != nil {
		opts = append(opts, fall.WithScheduler(cfg.Scheduler))
	}
	det, err := fall.NewDetector(cfg.Fall, opts...)
	if err != nil {
		s.sampleRate.Stop()
		return nil, err
	}
	s.det = det
	return s, nil
}

// Close stops the background rate meter.
func (s *Service) Close() {
	s.sampleRate.Stop()
}

func (s *Service) Detector() *fall.Detector { return s.det }

// Ingest implements sample.Sink. Samples are counted and recorded before they
// reach the detector; non-finite samples are still forwarded.
func (s *Service) Ingest(smp sample.Sample) {
	if c, ok := s.perAxis[smp.Axis]; ok {
		c.Inc(1)
	}
	if !finite(smp.Values) {
		s.nonFinite.Inc(1)
	}
	s.sampleRate.Mark(1)

	s.mu.Lock()
	if smp.At.After(s.lastSample) {
		s.lastSample = smp.At
	}
	s.mu.Unlock()

	if s.cfg.Recorder != nil {
		s.cfg.Recorder.Ingest(smp)
	}
	s.det.Ingest(smp)
}

// Reset forces the detector back to Normal.
func (s *Service) Reset() {
	log.Printf("fall: manual reset requested")
	s.det.Reset()
}

func (s *Service) handleFall(ev fall.Event) {
	log.Printf("fall: CONFIRMED episode=%s peak=%.1f variance=%.2f pitch_delta=%.1f",
		ev.ID, ev.PeakAcceleration, ev.Variance, ev.PitchDelta)
	s.mu.Lock()
	s.events = appendBounded(s.events, ev, s.cfg.History)
	s.mu.Unlock()
	if s.cfg.OnFall != nil {
		s.cfg.OnFall(ev)
	}
}

func (s *Service) handleTransition(tr fall.Transition) {
	switch tr.Reason {
	case fall.ReasonFreeFall:
		s.episodes.Inc(1)
	case fall.ReasonImpact:
		s.impacts.Inc(1)
	case fall.ReasonConfirmed:
		s.confirmed.Inc(1)
	case fall.ReasonImpactWindowExpiry:
		s.impactExp.Inc(1)
	case fall.ReasonStationaryExpiry:
		s.stillExp.Inc(1)
	case fall.ReasonReset:
		s.resets.Inc(1)
	}

	rec := TransitionRecord{
		At:     tr.At,
		From:   tr.From.String(),
		To:     tr.To.String(),
		Reason: string(tr.Reason),
	}
	if tr.Episode != uuid.Nil {
		rec.Episode = tr.Episode.String()
	}
	// Free fall cycling on a resting device is routine; keep it out of the log.
	if tr.Reason != fall.ReasonImpactWindowExpiry && tr.Reason != fall.ReasonFreeFall {
		log.Printf("fall: %s -> %s (%s) episode=%s", rec.From, rec.To, rec.Reason, rec.Episode)
	}

	s.mu.Lock()
	s.transitions = appendBounded(s.transitions, rec, s.cfg.Transitions)
	s.mu.Unlock()
}

// Events returns the recent confirmed falls, oldest first.
func (s *Service) Events() []fall.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fall.Event(nil), s.events...)
}

func (s *Service) Transitions() []TransitionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransitionRecord(nil), s.transitions...)
}

// Counters returns the current metric values keyed by metric name.
func (s *Service) Counters() map[string]any {
	out := make(map[string]any)
	s.reg.Each(func(name string, m interface{}) {
		switch v := m.(type) {
		case metrics.Counter:
			out[name] = v.Snapshot().Count()
		case metrics.Meter:
			snap := v.Snapshot()
			out[name+".count"] = snap.Count()
			out[name+".rate1"] = snap.Rate1()
		}
	})
	return out
}

// Telemetry builds one stream frame from the current detector snapshot.
func (s *Service) Telemetry() web.Telemetry {
	snap := s.det.Snapshot()
	t := web.Telemetry{
		At:            s.now().UTC().Format(time.RFC3339Nano),
		State:         snap.State.String(),
		Acceleration:  web.Finite(snap.Acceleration, true),
		Variance:      web.Finite(snap.Variance, snap.VarianceOK),
		WindowLen:     snap.WindowLen,
		PitchDeg:      web.Finite(snap.Pitch, snap.PitchOK),
		PitchDeltaDeg: web.Finite(snap.PitchDelta, snap.PitchDeltaOK),
		RotationRadS:  web.Finite(snap.RotationMagnitude, true),
		Confirmations: snap.Confirmations,
	}
	if snap.Episode != uuid.Nil {
		t.Episode = snap.Episode.String()
	}
	return t
}

// Run publishes a telemetry frame every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration, tb *web.TelemetryBroadcaster) {
	if tb == nil {
		return
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tb.Publish(s.Telemetry())
		}
	}
}

type DetectorStatus struct {
	State         string             `json:"state"`
	Episode       string             `json:"episode,omitempty"`
	TimerArmed    bool               `json:"timer_armed"`
	LastSampleAt  *time.Time         `json:"last_sample_at,omitempty"`
	Metrics       map[string]any     `json:"metrics"`
	RecentEvents  []fall.Event       `json:"recent_events"`
	Transitions   []TransitionRecord `json:"transitions"`
	Confirmations uint64             `json:"confirmations"`
}

// Status is the provider for the "detector" section of /api/status.
func (s *Service) Status() DetectorStatus {
	snap := s.det.Snapshot()
	st := DetectorStatus{
		State:         snap.State.String(),
		TimerArmed:    snap.TimerArmed,
		Metrics:       s.Counters(),
		RecentEvents:  s.Events(),
		Transitions:   s.Transitions(),
		Confirmations: snap.Confirmations,
	}
	if snap.Episode != uuid.Nil {
		st.Episode = snap.Episode.String()
	}
	s.mu.Lock()
	if !s.lastSample.IsZero() {
		at := s.lastSample.UTC()
		st.LastSampleAt = &at
	}
	s.mu.Unlock()
	return st
}

func appendBounded[T any](buf []T, v T, limit int) []T {
	buf = append(buf, v)
	if len(buf) > limit {
		buf = append(buf[:0], buf[len(buf)-limit:]...)
	}
	return buf
}

func finite(v [3]float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
