// ABOUTME: Fixed-size ring of observed clock offsets
// ABOUTME: Provides mean, median and standard deviation over the window
package timesync

import (
	"math"
	"slices"
)

type offsetWindow struct {
	values []int64
	next   int
	filled int
	sorted []int64
}

func newOffsetWindow(size int) *offsetWindow {
	if size < 1 {
		size = 1
	}
	return &offsetWindow{values: make([]int64, size)}
}

func (w *offsetWindow) push(v int64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.filled < len(w.values) {
		w.filled++
	}
}

func (w *offsetWindow) len() int {
	return w.filled
}

func (w *offsetWindow) mean() float64 {
	if w.filled == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.values[:w.filled] {
		sum += float64(v)
	}
	return sum / float64(w.filled)
}

// stddev is the population standard deviation around mean
func (w *offsetWindow) stddev(mean float64) float64 {
	if w.filled == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.values[:w.filled] {
		d := float64(v) - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(w.filled))
}

func (w *offsetWindow) median() float64 {
	if w.filled == 0 {
		return 0
	}
	w.sorted = append(w.sorted[:0], w.values[:w.filled]...)
	slices.Sort(w.sorted)

	mid := w.filled / 2
	if w.filled%2 == 1 {
		return float64(w.sorted[mid])
	}
	return (float64(w.sorted[mid-1]) + float64(w.sorted[mid])) / 2
}
