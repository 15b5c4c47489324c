package cusum

import (
	"math"
	"math/rand/v2"
	"testing"
)

// naiveStats recomputes mean and population stddev from scratch.
func naiveStats(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(std / float64(len(values)))
}

func relErr(got, want float64) float64 {
	if want == 0 {
		return math.Abs(got)
	}
	return math.Abs(got-want) / math.Abs(want)
}

func TestWindow_Basic(t *testing.T) {
	w := NewWindow(3, 0)
	for _, v := range []float64{1, 2, 3} {
		w.Push(v)
	}
	if !w.Full() || w.Len() != 3 {
		t.Fatalf("Full() = %v, Len() = %d, want full with 3", w.Full(), w.Len())
	}
	if math.Abs(w.Mean()-2) > 1e-12 {
		t.Errorf("Mean() = %v, want 2", w.Mean())
	}
	if math.Abs(w.StdDev()-math.Sqrt(2.0/3.0)) > 1e-12 {
		t.Errorf("StdDev() = %v, want %v", w.StdDev(), math.Sqrt(2.0/3.0))
	}

	w.Push(4)
	if math.Abs(w.Mean()-3) > 1e-12 {
		t.Errorf("after eviction Mean() = %v, want 3", w.Mean())
	}
	got := w.Values()
	want := []float64{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Values()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestWindow_Threshold(t *testing.T) {
	w := NewWindow(2, 0)
	w.Push(5)
	w.Push(7)
	if got := w.Threshold(2.5); math.Abs(got-8.5) > 1e-12 {
		t.Errorf("Threshold(2.5) = %v, want 8.5", got)
	}
}

func TestWindow_Empty(t *testing.T) {
	w := NewWindow(4, 0)
	if w.Mean() != 0 || w.StdDev() != 0 || w.Threshold(3) != 0 {
		t.Errorf("empty window: Mean=%v StdDev=%v Threshold=%v, want zeros", w.Mean(), w.StdDev(), w.Threshold(3))
	}
}

func TestWindow_ZerosStayExact(t *testing.T) {
	w := NewWindow(300, 0)
	for i := 0; i < 5000; i++ {
		w.Push(0)
		if w.Threshold(2.5) != 0 {
			t.Fatalf("push %d: Threshold() = %v, want exactly 0", i, w.Threshold(2.5))
		}
	}
}

func TestWindow_MatchesNaiveRecompute(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		resync int
		scale  float64
	}{
		{name: "small window default resync", size: 5, resync: 0, scale: 10},
		{name: "cusum-sized window", size: 300, resync: 0, scale: 5000},
		{name: "rare resync large magnitude", size: 300, resync: 100000, scale: 1e6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(42, uint64(tt.size)))
			w := NewWindow(tt.size, tt.resync)
			var history []float64
			for i := 0; i < 20000; i++ {
				// Slowly drifting level with bursts, like a CUSUM series.
				v := tt.scale*(1+math.Sin(float64(i)/500)) + rng.Float64()*tt.scale/10
				w.Push(v)
				history = append(history, v)

				if i%97 != 0 {
					continue
				}
				start := len(history) - tt.size
				if start < 0 {
					start = 0
				}
				mean, std := naiveStats(history[start:])
				if e := relErr(w.Mean(), mean); e > 1e-6 {
					t.Fatalf("push %d: Mean() = %v, naive %v (rel err %g)", i, w.Mean(), mean, e)
				}
				if e := relErr(w.StdDev(), std); e > 1e-6 {
					t.Fatalf("push %d: StdDev() = %v, naive %v (rel err %g)", i, w.StdDev(), std, e)
				}
			}
		})
	}
}
