package fall

import (
	"sort"
	"sync"
	"time"
)

// Scheduler arms one-shot delayed callbacks.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Handle
}

// Handle cancels a scheduled callback. Cancel reports whether it prevented
// the callback; it is a no-op once the callback fired or was cancelled.
// If Cancel returns true the callback never runs.
type Handle interface {
	Cancel() bool
}

// ClockScheduler runs callbacks on the runtime timer goroutines.
type ClockScheduler struct{}

func (ClockScheduler) Schedule(delay time.Duration, fn func()) Handle {
	h := &clockHandle{}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.t = time.AfterFunc(delay, func() {
		if h.claim() {
			fn()
		}
	})
	return h
}

type clockHandle struct {
	mu   sync.Mutex
	done bool
	t    *time.Timer
}

// claim marks the handle as consumed. Exactly one of the timer goroutine and
// Cancel wins.
func (h *clockHandle) claim() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	return true
}

func (h *clockHandle) Cancel() bool {
	if !h.claim() {
		return false
	}
	h.mu.Lock()
	t := h.t
	h.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	return true
}

// ManualScheduler is a virtual clock. Callbacks run synchronously from
// AdvanceTo, in due-time order, on the caller's goroutine.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	s    *ManualScheduler
	at   time.Time
	seq  uint64
	fn   func()
	done bool
}

func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) Schedule(delay time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, at: s.now.Add(delay), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Pending returns the number of armed timers.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// AdvanceTo moves the clock forward to t, firing every timer due at or
// before t. Moving backwards is ignored.
func (s *ManualScheduler) AdvanceTo(t time.Time) {
	for {
		s.mu.Lock()
		next := s.nextDueLocked(t)
		if next == nil {
			if t.After(s.now) {
				s.now = t
			}
			s.compactLocked()
			s.mu.Unlock()
			return
		}
		next.done = true
		if next.at.After(s.now) {
			s.now = next.at
		}
		s.mu.Unlock()
		next.fn()
	}
}

// Advance moves the clock forward by d.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

func (s *ManualScheduler) nextDueLocked(limit time.Time) *manualTimer {
	live := make([]*manualTimer, 0, len(s.timers))
	for _, t := range s.timers {
		if !t.done && !t.at.After(limit) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].seq < live[j].seq
		}
		return live[i].at.Before(live[j].at)
	})
	return live[0]
}

func (s *ManualScheduler) compactLocked() {
	kept := s.timers[:0]
	for _, t := range s.timers {
		if !t.done {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(s.timers); i++ {
		s.timers[i] = nil
	}
	s.timers = kept
}

func (t *manualTimer) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
