package sample

import "time"

// Latch admits one sender at a time. The detector models a single device,
// so samples from any other sender are refused until the current one has
// been silent for Idle.
//
// Latch is not safe for concurrent use.
type Latch struct {
	Idle time.Duration

	cur  string
	held bool
	seen time.Time
}

// Admit reports whether sender may feed the detector at recvAt. prev is the
// sender it replaced, set only when the latch moved to a new sender.
func (l *Latch) Admit(sender string, recvAt time.Time) (ok bool, prev string, switched bool) {
	switch {
	case !l.held:
		l.cur, l.held = sender, true
	case sender == l.cur:
	case recvAt.Sub(l.seen) >= l.Idle:
		prev, switched = l.cur, true
		l.cur = sender
	default:
		return false, "", false
	}
	if recvAt.After(l.seen) {
		l.seen = recvAt
	}
	return true, prev, switched
}

// Current returns the admitted sender, "" before the first one.
func (l *Latch) Current() string { return l.cur }
