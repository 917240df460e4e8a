package fall

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Orientation is the view of the orientation estimator the Machine needs.
type Orientation interface {
	CaptureInitialPitch() bool
	PitchDelta() (float32, bool)
}

type Option func(*Machine)

// WithScheduler replaces the default ClockScheduler.
func WithScheduler(s Scheduler) Option {
	return func(m *Machine) { m.sched = s }
}

// WithFallHandler sets the egress callback. It runs at most once per
// confirmed episode, outside the machine lock.
func WithFallHandler(fn func(Event)) Option {
	return func(m *Machine) { m.onFall = fn }
}

// WithTransitionHandler observes every state change, outside the machine lock.
func WithTransitionHandler(fn func(Transition)) Option {
	return func(m *Machine) { m.onTransition = fn }
}

// Machine is the timed free-fall / impact / stationarity state machine.
//
// A single mutex covers sample ingestion and the impact-window timer, so the
// two paths never interleave their read-modify-write of the state.
type Machine struct {
	cfg    Config
	orient Orientation
	sched  Scheduler

	onFall       func(Event)
	onTransition func(Transition)

	mu            sync.Mutex
	state         State
	freeFallStart time.Time
	freeFallAt    time.Time
	impactAt      time.Time
	episode       uuid.UUID
	timer         Handle
	haveInitial   bool
	peak          float32
	window        *Window
	last          float32
	lastAt        time.Time
	confirmations uint64
	pending       notes
}

type notes struct {
	transitions []Transition
	events      []Event
}

func NewMachine(cfg Config, orient Orientation, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if orient == nil {
		return nil, fmt.Errorf("fall: orientation is nil")
	}
	m := &Machine{
		cfg:    cfg,
		orient: orient,
		sched:  ClockScheduler{},
		window: NewWindow(cfg.BufferSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sched == nil {
		m.sched = ClockScheduler{}
	}
	return m, nil
}

// Observe feeds one conditioned acceleration magnitude taken at t.
func (m *Machine) Observe(a float32, t time.Time) {
	m.dispatch(m.observe(a, t))
}

// Reset returns the machine to Normal, clearing timing marks, the window and
// any armed impact-window timer. It is idempotent.
func (m *Machine) Reset() {
	m.dispatch(m.reset())
}

func (m *Machine) observe(a float32, t time.Time) notes {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Non-finite readings cross no threshold and never enter the window.
	finite := !math.IsNaN(float64(a)) && !math.IsInf(float64(a), 0)
	if finite {
		m.window.Push(a)
	}
	m.last = a
	m.lastAt = t

	switch m.state {
	case Normal:
		if finite && a < m.cfg.FreeFallThreshold {
			if m.freeFallStart.IsZero() {
				m.freeFallStart = t
			}
			if t.Sub(m.freeFallStart) >= m.cfg.FreeFallDuration {
				m.enterFreeFallLocked(t)
			}
		} else {
			m.freeFallStart = time.Time{}
		}
	case FreeFallDetected:
		if !m.haveInitial {
			m.haveInitial = m.orient.CaptureInitialPitch()
		}
		if finite && a >= m.cfg.ImpactThreshold {
			m.enterImpactLocked(a, t)
		}
	case ImpactDetected:
		if finite && a > m.peak {
			m.peak = a
		}
		m.checkPostImpactLocked(t)
	}
	return m.takeLocked()
}

func (m *Machine) reset() notes {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(ReasonReset, m.lastAt)
	return m.takeLocked()
}

func (m *Machine) enterFreeFallLocked(t time.Time) {
	m.state = FreeFallDetected
	m.freeFallAt = t
	m.episode = uuid.New()
	m.haveInitial = m.orient.CaptureInitialPitch()
	m.peak = 0

	ep := m.episode
	m.timer = m.sched.Schedule(m.cfg.ImpactWindow, func() {
		m.impactWindowExpired(ep)
	})
	m.noteLocked(Normal, FreeFallDetected, ReasonFreeFall, t)
}

func (m *Machine) impactWindowExpired(ep uuid.UUID) {
	m.mu.Lock()
	// A stale fire after impact or reset is a no-op.
	if m.state != FreeFallDetected || m.episode != ep {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.resetLocked(ReasonImpactWindowExpiry, m.freeFallAt.Add(m.cfg.ImpactWindow))
	n := m.takeLocked()
	m.mu.Unlock()
	m.dispatch(n)
}

func (m *Machine) enterImpactLocked(a float32, t time.Time) {
	m.cancelTimerLocked()
	m.state = ImpactDetected
	m.impactAt = t
	m.peak = a
	m.noteLocked(FreeFallDetected, ImpactDetected, ReasonImpact, t)
}

func (m *Machine) checkPostImpactLocked(t time.Time) {
	if t.Sub(m.impactAt) >= m.cfg.StationaryDuration {
		m.resetLocked(ReasonStationaryExpiry, t)
		return
	}
	variance, ok := m.window.Variance()
	if !ok || !(variance < m.cfg.PostImpactStationaryThreshold) {
		return
	}
	delta, ok := m.orient.PitchDelta()
	if !m.haveInitial || !ok || !(delta > m.cfg.OrientationChangeThreshold) {
		return
	}
	m.confirmLocked(t, variance, delta)
}

func (m *Machine) confirmLocked(t time.Time, variance, delta float32) {
	m.confirmations++
	m.pending.events = append(m.pending.events, Event{
		ID:               m.episode,
		FreeFallAt:       m.freeFallAt,
		ImpactAt:         m.impactAt,
		ConfirmedAt:      t,
		PeakAcceleration: m.peak,
		Variance:         variance,
		PitchDelta:       delta,
	})
	m.resetLocked(ReasonConfirmed, t)
}

func (m *Machine) resetLocked(reason Reason, at time.Time) {
	from := m.state
	ep := m.episode
	m.cancelTimerLocked()
	m.state = Normal
	m.freeFallStart = time.Time{}
	m.freeFallAt = time.Time{}
	m.impactAt = time.Time{}
	m.episode = uuid.Nil
	m.haveInitial = false
	m.peak = 0
	m.window.Clear()
	if from != Normal {
		m.pending.transitions = append(m.pending.transitions, Transition{
			From: from, To: Normal, Reason: reason, At: at, Episode: ep,
		})
	}
}

func (m *Machine) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Cancel()
		m.timer = nil
	}
}

func (m *Machine) noteLocked(from, to State, reason Reason, at time.Time) {
	m.pending.transitions = append(m.pending.transitions, Transition{
		From: from, To: to, Reason: reason, At: at, Episode: m.episode,
	})
}

func (m *Machine) takeLocked() notes {
	n := m.pending
	m.pending = notes{}
	return n
}

func (m *Machine) dispatch(n notes) {
	if m.onTransition != nil {
		for _, tr := range n.transitions {
			m.onTransition(tr)
		}
	}
	if m.onFall != nil {
		for _, ev := range n.events {
			m.onFall(ev)
		}
	}
}

// MachineSnapshot is a consistent read of the machine state.
type MachineSnapshot struct {
	State         State
	Episode       uuid.UUID
	FreeFallStart time.Time
	ImpactAt      time.Time
	Acceleration  float32
	WindowLen     int
	Variance      float32
	VarianceOK    bool
	TimerArmed    bool
	Confirmations uint64
}

func (m *Machine) Snapshot() MachineSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.window.Variance()
	return MachineSnapshot{
		State:         m.state,
		Episode:       m.episode,
		FreeFallStart: m.freeFallStart,
		ImpactAt:      m.impactAt,
		Acceleration:  m.last,
		WindowLen:     m.window.Len(),
		Variance:      v,
		VarianceOK:    ok,
		TimerArmed:    m.timer != nil,
		Confirmations: m.confirmations,
	}
}
