package web

import (
	"math"
	"sync"
	"time"
)

// Telemetry is one detector frame for /api/stream. Values that are not
// available or not finite are omitted.
type Telemetry struct {
	At            string   `json:"at"`
	State         string   `json:"state"`
	Episode       string   `json:"episode,omitempty"`
	Acceleration  *float64 `json:"acceleration,omitempty"`
	Variance      *float64 `json:"variance,omitempty"`
	WindowLen     int      `json:"window_len"`
	PitchDeg      *float64 `json:"pitch_deg,omitempty"`
	PitchDeltaDeg *float64 `json:"pitch_delta_deg,omitempty"`
	RotationRadS  *float64 `json:"rotation_rad_s,omitempty"`
	Confirmations uint64   `json:"confirmations"`
}

// Finite converts v to a JSON-safe pointer, nil when !ok or not finite.
func Finite(v float32, ok bool) *float64 {
	f := float64(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// TelemetryBroadcaster fans telemetry frames out to stream subscribers.
// It keeps the most recent frame so new subscribers get an immediate sample.
// Slow subscribers miss frames rather than blocking the publisher.
type TelemetryBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan Telemetry
	nextID   int
	last     Telemetry
	haveLast bool
	closed   bool
}

func NewTelemetryBroadcaster() *TelemetryBroadcaster {
	return &TelemetryBroadcaster{
		subs: make(map[int]chan Telemetry),
	}
}

func (b *TelemetryBroadcaster) Subscribe(buffer int) (int, <-chan Telemetry) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan Telemetry, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return -1, ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.haveLast {
		ch <- b.last
	}
	b.mu.Unlock()
	return id, ch
}

func (b *TelemetryBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Close ends every subscription; later subscribers get a closed channel.
func (b *TelemetryBroadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *TelemetryBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Last returns the most recent frame.
func (b *TelemetryBroadcaster) Last() (Telemetry, bool) {
	if b == nil {
		return Telemetry{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}

func (b *TelemetryBroadcaster) Publish(t Telemetry) {
	if b == nil {
		return
	}
	if t.At == "" {
		t.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.last = t
	b.haveLast = true
	b.mu.Unlock()
}
