package sample

import "time"

// Anchors maps sender-relative device timestamps onto the local clock.
// Each sender is anchored on its first sample; later samples keep the
// sender's own spacing until its clock jumps back or drifts more than
// MaxSkew from the receive time, at which point it is re-anchored.
// Senders silent for longer than Idle are forgotten.
//
// Anchors is not safe for concurrent use.
type Anchors struct {
	MaxSkew time.Duration
	Idle    time.Duration

	byKey     map[string]anchor
	lastPrune time.Time
}

type anchor struct {
	device time.Duration
	local  time.Time
	seen   time.Time
}

func NewAnchors(maxSkew, idle time.Duration) *Anchors {
	return &Anchors{MaxSkew: maxSkew, Idle: idle, byKey: make(map[string]anchor)}
}

// Stamp returns the local time for a device timestamp received at recvAt.
func (a *Anchors) Stamp(sender string, device time.Duration, recvAt time.Time) time.Time {
	a.prune(recvAt)
	cur, ok := a.byKey[sender]
	if !ok {
		a.byKey[sender] = anchor{device: device, local: recvAt, seen: recvAt}
		return recvAt
	}
	at := cur.local.Add(device - cur.device)
	skew := at.Sub(recvAt)
	if device < cur.device || skew > a.MaxSkew || skew < -a.MaxSkew {
		a.byKey[sender] = anchor{device: device, local: recvAt, seen: recvAt}
		return recvAt
	}
	cur.seen = recvAt
	a.byKey[sender] = cur
	return at
}

// Forget drops the anchor of sender.
func (a *Anchors) Forget(sender string) {
	delete(a.byKey, sender)
}

func (a *Anchors) Len() int { return len(a.byKey) }

// prune runs at most once per Idle period.
func (a *Anchors) prune(now time.Time) {
	if a.Idle <= 0 || now.Sub(a.lastPrune) < a.Idle {
		return
	}
	a.lastPrune = now
	for k, v := range a.byKey {
		if now.Sub(v.seen) > a.Idle {
			delete(a.byKey, k)
		}
	}
}
