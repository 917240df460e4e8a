package fall

import (
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestClockScheduler_Fires(t *testing.T) {
	fired := make(chan struct{})
	ClockScheduler{}.Schedule(5*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback did not fire")
	}
}

func TestClockScheduler_CancelBeforeFire(t *testing.T) {
	var ran atomic.Bool
	h := ClockScheduler{}.Schedule(30*time.Millisecond, func() { ran.Store(true) })
	if !h.Cancel() {
		t.Fatalf("first cancel should report true")
	}
	if h.Cancel() {
		t.Fatalf("second cancel should report false")
	}
	time.Sleep(80 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("cancelled callback ran")
	}
}

func TestClockScheduler_CancelAfterFire(t *testing.T) {
	fired := make(chan struct{})
	h := ClockScheduler{}.Schedule(time.Millisecond, func() { close(fired) })
	<-fired
	if h.Cancel() {
		t.Fatalf("cancel after fire should report false")
	}
}

func TestManualScheduler_FiresInOrder(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := NewManualScheduler(t0)

	var order []string
	var at []time.Time
	rec := func(name string) func() {
		return func() {
			order = append(order, name)
			at = append(at, s.Now())
		}
	}
	s.Schedule(30*time.Millisecond, rec("c"))
	s.Schedule(10*time.Millisecond, rec("a"))
	s.Schedule(10*time.Millisecond, rec("b"))
	dropped := s.Schedule(20*time.Millisecond, rec("x"))
	if !dropped.Cancel() {
		t.Fatalf("cancel should report true")
	}
	if got := s.Pending(); got != 3 {
		t.Fatalf("pending=%d want 3", got)
	}

	s.Advance(25 * time.Millisecond)
	if want := []string{"a", "b"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order=%v want %v", order, want)
	}
	if !at[0].Equal(t0.Add(10 * time.Millisecond)) {
		t.Fatalf("fired at %v want %v", at[0], t0.Add(10*time.Millisecond))
	}
	if got := s.Now(); !got.Equal(t0.Add(25 * time.Millisecond)) {
		t.Fatalf("now=%v want +25ms", got)
	}

	s.Advance(time.Hour)
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order=%v want %v", order, want)
	}
	if got := s.Pending(); got != 0 {
		t.Fatalf("pending=%d want 0", got)
	}
}

func TestManualScheduler_CallbackMaySchedule(t *testing.T) {
	t0 := time.Unix(0, 0)
	s := NewManualScheduler(t0)
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			s.Schedule(10*time.Millisecond, tick)
		}
	}
	s.Schedule(10*time.Millisecond, tick)
	s.AdvanceTo(t0.Add(100 * time.Millisecond))
	if count != 3 {
		t.Fatalf("count=%d want 3", count)
	}
}

func TestManualScheduler_BackwardsIgnored(t *testing.T) {
	t0 := time.Unix(50, 0)
	s := NewManualScheduler(t0)
	s.AdvanceTo(t0.Add(-time.Second))
	if !s.Now().Equal(t0) {
		t.Fatalf("now=%v want %v", s.Now(), t0)
	}
}
