package iid

import "math"

// Window is a fixed-capacity FIFO buffer of the most recent observations.
// Once full, each Push evicts the oldest value.
type Window struct {
	values []float64
	start  int // index of the oldest value
	size   int
}

// NewWindow creates an empty window holding at most capacity values.
// A capacity below 1 is raised to 1.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{values: make([]float64, capacity)}
}

// Push appends v. When the window was already full it returns the evicted
// oldest value and true.
func (w *Window) Push(v float64) (float64, bool) {
	capacity := len(w.values)
	if w.size < capacity {
		w.values[(w.start+w.size)%capacity] = v
		w.size++
		return 0, false
	}

	evicted := w.values[w.start]
	w.values[w.start] = v
	w.start = (w.start + 1) % capacity
	return evicted, true
}

// Len returns the number of values currently held.
func (w *Window) Len() int {
	return w.size
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.values)
}

// IsEmpty reports whether the window holds no values.
func (w *Window) IsEmpty() bool {
	return w.size == 0
}

// IsFull reports whether the next Push will evict.
func (w *Window) IsFull() bool {
	return w.size == len(w.values)
}

// At returns the i-th value, oldest first.
func (w *Window) At(i int) float64 {
	return w.values[(w.start+i)%len(w.values)]
}

// Values returns a copy of the contents in eviction order (oldest first).
func (w *Window) Values() []float64 {
	out := make([]float64, w.size)
	for i := range out {
		out[i] = w.At(i)
	}
	return out
}

// Rank counts the values strictly less than, equal to and strictly greater
// than v.
func (w *Window) Rank(v float64) (less, equal, greater int) {
	for i := 0; i < w.size; i++ {
		x := w.At(i)
		switch {
		case x < v:
			less++
		case x > v:
			greater++
		default:
			equal++
		}
	}
	return less, equal, greater
}

// Sum returns the sum of the contents.
func (w *Window) Sum() float64 {
	var sum float64
	for i := 0; i < w.size; i++ {
		sum += w.At(i)
	}
	return sum
}

// Mean returns the arithmetic mean, or 0 for an empty window.
func (w *Window) Mean() float64 {
	if w.size == 0 {
		return 0
	}
	return w.Sum() / float64(w.size)
}

// Variance returns the population variance, computed in two passes.
func (w *Window) Variance() float64 {
	if w.size == 0 {
		return 0
	}
	mean := w.Mean()
	var ss float64
	for i := 0; i < w.size; i++ {
		d := w.At(i) - mean
		ss += d * d
	}
	return ss / float64(w.size)
}

// StdDev returns the population standard deviation.
func (w *Window) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// Reset empties the window without changing its capacity.
func (w *Window) Reset() {
	w.start = 0
	w.size = 0
}
