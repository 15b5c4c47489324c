package cusum

import (
	"fmt"
	"math"
)

// Episode is a maximal run of consecutive anomalous ticks.
type Episode struct {
	StartTick int     `json:"start_tick" yaml:"start_tick"`
	EndTick   int     `json:"end_tick" yaml:"end_tick"` // Inclusive
	Ticks     int     `json:"ticks" yaml:"ticks"`
	Seconds   float64 `json:"seconds" yaml:"seconds"`
	Peak      float64 `json:"peak" yaml:"peak"` // Largest S within the episode
}

// Summary condenses a run into the figures a report keeps.
type Summary struct {
	Anomalous int       // Ticks where the predicate held
	Peak      float64   // Largest S over the run
	Episodes  []Episode // Contiguous anomalous ranges, ascending
}

// Analysis is a completed batch run: the full cumulative and adaptive
// threshold series over a fixed sample sequence. All query methods are pure
// and safe for concurrent use.
type Analysis struct {
	cfg        Config
	samples    []float64
	baseline   float64
	cumulative []float64
	thresholds []float64
}

// Analyze validates cfg and samples, estimates the baseline from the
// warm-up prefix and precomputes both series in a single O(N) pass.
func Analyze(cfg Config, samples []float64) (*Analysis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	warmup := cfg.WarmupTicks()
	if len(samples) < warmup+1 {
		return nil, &InsufficientDataError{Have: len(samples), Need: warmup + 1}
	}
	if err := validateSamples(samples, 0); err != nil {
		return nil, err
	}
	mu, err := EstimateBaseline(samples, warmup)
	if err != nil {
		return nil, fmt.Errorf("estimate baseline: %w", err)
	}

	a := &Analysis{
		cfg:        cfg,
		samples:    append([]float64(nil), samples...),
		baseline:   mu,
		cumulative: make([]float64, len(samples)),
		thresholds: make([]float64, len(samples)),
	}
	rec := newRecurrence(cfg, mu)
	for i, x := range a.samples {
		a.cumulative[i], a.thresholds[i] = rec.next(x)
	}
	return a, nil
}

// Config returns the configuration the analysis ran with.
func (a *Analysis) Config() Config { return a.cfg }

// Baseline returns mu.
func (a *Analysis) Baseline() float64 { return a.baseline }

// Len returns the number of ticks in the run.
func (a *Analysis) Len() int { return len(a.samples) }

// Samples returns a copy of the input sequence.
func (a *Analysis) Samples() []float64 { return append([]float64(nil), a.samples...) }

// Cumulative returns a copy of the CUSUM series.
func (a *Analysis) Cumulative() []float64 { return append([]float64(nil), a.cumulative...) }

// Thresholds returns a copy of the adaptive threshold series. Entries
// before the warm-up boundary are zero and carry no meaning.
func (a *Analysis) Thresholds() []float64 { return append([]float64(nil), a.thresholds...) }

// Evaluate returns the predicate and its inputs for tick i.
func (a *Analysis) Evaluate(i int) (Evaluation, error) {
	if i < 0 || i >= len(a.samples) {
		return Evaluation{}, fmt.Errorf("tick %d out of range [0, %d)", i, len(a.samples))
	}
	return evaluate(a.cfg, i, a.cumulative[i], a.thresholds[i]), nil
}

// IsAnomalous answers the detection predicate for tick i. Ticks outside the
// run and warm-up ticks are never anomalous.
func (a *Analysis) IsAnomalous(i int) bool {
	ev, err := a.Evaluate(i)
	if err != nil {
		return false
	}
	return ev.Holds()
}

// AnomalousTicks lists every tick where the predicate holds, ascending.
func (a *Analysis) AnomalousTicks() []int {
	var ticks []int
	for i := a.cfg.WarmupTicks(); i < len(a.samples); i++ {
		if a.IsAnomalous(i) {
			ticks = append(ticks, i)
		}
	}
	return ticks
}

// FirstDetection returns min{i : IsAnomalous(i)}. It equals the
// FirstDetectionTick a streaming run latches over the same samples.
func (a *Analysis) FirstDetection() (int, bool) {
	for i := a.cfg.WarmupTicks(); i < len(a.samples); i++ {
		if a.IsAnomalous(i) {
			return i, true
		}
	}
	return 0, false
}

// Summary returns the anomalous tick count, the peak statistic and the
// episodes of the run.
func (a *Analysis) Summary() Summary {
	sum := Summary{
		Anomalous: len(a.AnomalousTicks()),
		Episodes:  a.Episodes(),
	}
	for _, c := range a.cumulative {
		sum.Peak = math.Max(sum.Peak, c)
	}
	return sum
}

// Episodes groups anomalous ticks into contiguous ranges, e.g. to measure
// how long an attack held the statistic above threshold.
func (a *Analysis) Episodes() []Episode {
	var (
		episodes []Episode
		cur      *Episode
	)
	for i := a.cfg.WarmupTicks(); i < len(a.samples); i++ {
		if !a.IsAnomalous(i) {
			cur = nil
			continue
		}
		if cur == nil {
			episodes = append(episodes, Episode{StartTick: i, Peak: a.cumulative[i]})
			cur = &episodes[len(episodes)-1]
		}
		cur.EndTick = i
		cur.Ticks = i - cur.StartTick + 1
		cur.Seconds = float64(cur.Ticks) / a.cfg.SamplingRate
		if a.cumulative[i] > cur.Peak {
			cur.Peak = a.cumulative[i]
		}
	}
	return episodes
}
