package cusum

import "math"

// Next is the one-sided CUSUM recurrence S_i = max(0, S_{i-1} + (x_i - mu)).
// The statistic grows only while traffic runs above the baseline and decays
// toward zero, never below it, while traffic is quiet.
func Next(prev, x, mu float64) float64 {
	return math.Max(0, prev+(x-mu))
}

// Fold evaluates the recurrence over samples in tick order. Entry 0 is 0 by
// definition. The clamp makes this a sequential fold, not a prefix sum.
func Fold(samples []float64, mu float64) []float64 {
	out := make([]float64, len(samples))
	t := NewTracker(mu)
	for i, x := range samples {
		out[i] = t.Advance(x)
	}
	return out
}

// Tracker holds the running CUSUM value for one run.
type Tracker struct {
	Baseline float64 // mu
	Last     float64 // S_{i-1}
	Ticks    int     // Number of values produced
}

// NewTracker creates a tracker anchored at baseline mu.
func NewTracker(mu float64) *Tracker {
	return &Tracker{Baseline: mu}
}

// Advance consumes the sample for the next tick and returns S for that tick.
// The first tick always yields 0.
func (t *Tracker) Advance(x float64) float64 {
	if t.Ticks == 0 {
		t.Last = 0
	} else {
		t.Last = Next(t.Last, x, t.Baseline)
	}
	t.Ticks++
	return t.Last
}
