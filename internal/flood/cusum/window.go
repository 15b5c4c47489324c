package cusum

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Window maintains the mean and population standard deviation of the last
// Size values pushed into it in O(1) per push.
//
// Values are added and evicted with Welford's update, which avoids the
// cancellation of sum/sum-of-squares differencing. Every ResyncEvery
// evictions the accumulators are recomputed from the ring buffer with a
// two-pass algorithm, bounding drift. Incremental results stay within 1e-9
// relative error of a full recompute.
type Window struct {
	size        int
	buf         []float64
	head        int // Next write position
	count       int
	mean        float64
	m2          float64
	resyncEvery int
	sinceResync int
}

// NewWindow creates a window of the given capacity. resyncEvery <= 0
// resynchronizes once per full window turnover.
func NewWindow(size, resyncEvery int) *Window {
	if size <= 0 {
		size = 1
	}
	if resyncEvery <= 0 {
		resyncEvery = size
	}
	return &Window{
		size:        size,
		buf:         make([]float64, size),
		resyncEvery: resyncEvery,
	}
}

// Push appends v, evicting the oldest value when the window is full.
func (w *Window) Push(v float64) {
	if w.count == w.size {
		w.evict(w.buf[w.head])
	}
	w.buf[w.head] = v
	w.head = (w.head + 1) % w.size
	w.add(v)

	if w.count == w.size {
		w.sinceResync++
		if w.sinceResync >= w.resyncEvery {
			w.resync()
		}
	}
}

func (w *Window) add(v float64) {
	w.count++
	d := v - w.mean
	w.mean += d / float64(w.count)
	w.m2 += d * (v - w.mean)
}

func (w *Window) evict(v float64) {
	if w.count <= 1 {
		w.count, w.mean, w.m2 = 0, 0, 0
		return
	}
	w.count--
	d := v - w.mean
	w.mean -= d / float64(w.count)
	w.m2 -= d * (v - w.mean)
	if w.m2 < 0 {
		w.m2 = 0
	}
}

// resync recomputes the accumulators from the buffered values. Order does
// not matter for mean and variance, so the ring is read as stored.
func (w *Window) resync() {
	w.sinceResync = 0
	if w.count == 0 {
		w.mean, w.m2 = 0, 0
		return
	}
	mean, variance := stat.PopMeanVariance(w.buf[:w.count], nil)
	w.mean = mean
	w.m2 = variance * float64(w.count)
}

// Len returns the number of values currently in the window.
func (w *Window) Len() int { return w.count }

// Size returns the window capacity.
func (w *Window) Size() int { return w.size }

// Full reports whether the window holds Size values.
func (w *Window) Full() bool { return w.count == w.size }

// Mean returns the window mean. Pushed values are CUSUM values, which are
// never negative, so rounding below zero is clamped away.
func (w *Window) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return math.Max(0, w.mean)
}

// StdDev returns the population standard deviation of the window.
func (w *Window) StdDev() float64 {
	if w.count == 0 {
		return 0
	}
	return math.Sqrt(math.Max(0, w.m2/float64(w.count)))
}

// Threshold returns mean + k*stddev over the current window.
func (w *Window) Threshold(k float64) float64 {
	return w.Mean() + k*w.StdDev()
}

// Values returns the window contents, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, 0, w.count)
	start := (w.head - w.count + w.size) % w.size
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(start+i)%w.size])
	}
	return out
}
