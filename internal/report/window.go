// Package report summarizes training losses: rolling statistics for the
// progress log and loss-curve plots for the model directory.
package report

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Window holds the most recent n loss values.
type Window struct {
	buf  []float64
	next int
	full bool
}

// NewWindow returns a window over the last n values. n < 1 is treated as 1.
func NewWindow(n int) *Window {
	return &Window{buf: make([]float64, max(n, 1))}
}

// Push adds a value, evicting the oldest when the window is full.
func (w *Window) Push(v float64) {
	w.buf[w.next] = v
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

// Len returns the number of values held.
func (w *Window) Len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

// Values returns the held values, oldest first.
func (w *Window) Values() []float64 {
	if !w.full {
		return append([]float64(nil), w.buf[:w.next]...)
	}
	out := make([]float64, 0, len(w.buf))
	out = append(out, w.buf[w.next:]...)
	return append(out, w.buf[:w.next]...)
}

// Summary describes the values in a window.
type Summary struct {
	N    int
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}

// Summary computes the statistics of the held values. Std is 0 for fewer
// than two values.
func (w *Window) Summary() Summary {
	vals := w.Values()
	if len(vals) == 0 {
		return Summary{}
	}
	s := Summary{
		N:   len(vals),
		Min: floats.Min(vals),
		Max: floats.Max(vals),
	}
	if len(vals) == 1 {
		s.Mean = vals[0]
		return s
	}
	s.Mean, s.Std = stat.MeanStdDev(vals, nil)
	return s
}
