package fall

import "gonum.org/v1/gonum/stat"

// Window is a fixed-capacity FIFO of recent acceleration magnitudes.
// It is owned by a single Machine and needs no locking of its own.
type Window struct {
	data []float64
	pos  int
	n    int
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{data: make([]float64, capacity)}
}

// Push appends v, evicting the oldest value once the window is full.
func (w *Window) Push(v float32) {
	w.data[w.pos] = float64(v)
	w.pos = (w.pos + 1) % len(w.data)
	if w.n < len(w.data) {
		w.n++
	}
}

func (w *Window) Len() int { return w.n }

func (w *Window) Cap() int { return len(w.data) }

func (w *Window) Clear() {
	w.pos = 0
	w.n = 0
}

// Values returns the contents oldest first.
func (w *Window) Values() []float32 {
	out := make([]float32, 0, w.n)
	start := (w.pos - w.n + len(w.data)) % len(w.data)
	for i := range w.n {
		out = append(out, float32(w.data[(start+i)%len(w.data)]))
	}
	return out
}

// Variance returns the population variance of the window. ok is false when
// the window is empty.
func (w *Window) Variance() (v float32, ok bool) {
	if w.n == 0 {
		return 0, false
	}
	// Order does not matter for variance; the live prefix or the full ring
	// holds exactly the stored values.
	return float32(stat.PopVariance(w.data[:w.n], nil)), true
}
