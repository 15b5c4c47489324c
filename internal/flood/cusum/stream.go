package cusum

import "math"

// Tick is everything a streaming run exposes for one processed sample.
type Tick struct {
	Index           int            `json:"tick"`
	Seconds         float64        `json:"seconds"`
	Sample          float64        `json:"sample"`
	Cumulative      float64        `json:"cumulative"`
	Threshold       float64        `json:"threshold"`
	AdaptiveDefined bool           `json:"adaptive_defined"`
	BaselineReady   bool           `json:"baseline_ready"` // False until the last warm-up sample arrives; Cumulative is 0 until then
	WarmingUp       bool           `json:"warming_up"`
	Phase           Phase          `json:"phase"`
	PredicateHolds  bool           `json:"predicate_holds"` // Predicate is true at this tick
	FirstDetection  bool           `json:"first_detection"` // This tick tripped the latch
	State           DetectionState `json:"state"`           // Latch state after this tick
}

// Stream is the incremental evaluator for one run. Step is O(1) amortized:
// warm-up samples are buffered until the baseline is known, then the
// warm-up CUSUM prefix is folded once and every later tick costs O(1).
//
// Bounded runs keep their full series. Unbounded runs (run_length 0) keep
// only the most recent ticks, at most twice the history limit, while the
// running Summary still covers every tick.
//
// A Stream is owned by a single goroutine. Observers on other goroutines
// must receive Ticks through a channel or a lock held by the owner.
type Stream struct {
	cfg         Config
	warmupTicks int
	runTicks    int
	history     int // Ticks retained by unbounded runs; 0 keeps everything

	tick     int
	pending  []float64
	baseline float64
	rec      *recurrence

	offset     int // Tick index of samples[0]
	samples    []float64
	cumulative []float64
	thresholds []float64

	summary Summary
	inEp    bool // The last tick extended summary.Episodes

	state DetectionState
}

// unboundedHistory is the number of ticks an unbounded run retains.
const unboundedHistory = 1 << 16

// NewStream validates cfg and returns a fresh run with an unarmed latch.
func NewStream(cfg Config) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stream{
		cfg:         cfg,
		warmupTicks: cfg.WarmupTicks(),
		runTicks:    cfg.RunTicks(),
	}
	s.pending = make([]float64, 0, s.warmupTicks)
	if s.runTicks > 0 {
		s.samples = make([]float64, 0, s.runTicks)
		s.cumulative = make([]float64, 0, s.runTicks)
		s.thresholds = make([]float64, 0, s.runTicks)
	} else {
		s.history = max(unboundedHistory, s.warmupTicks)
	}
	return s, nil
}

// Step consumes the sample for the next tick. It returns ErrRunComplete once
// the configured run length has been consumed, and an *InvalidSampleError
// (leaving the run untouched) for non-finite or negative input.
func (s *Stream) Step(x float64) (Tick, error) {
	if s.Done() {
		return Tick{}, ErrRunComplete
	}
	if !ValidSample(x) {
		return Tick{}, &InvalidSampleError{Tick: s.tick, Value: x}
	}

	i := s.tick
	s.tick++
	s.samples = append(s.samples, x)

	if s.rec == nil {
		s.pending = append(s.pending, x)
		if len(s.pending) < s.warmupTicks {
			return Tick{
				Index:     i,
				Seconds:   s.cfg.Seconds(i),
				Sample:    x,
				WarmingUp: true,
				Phase:     PhaseWarmingUp,
				State:     s.state,
			}, nil
		}
		s.settleBaseline()
		return s.tickAt(i), nil
	}

	c, thr := s.rec.next(x)
	s.cumulative = append(s.cumulative, c)
	s.thresholds = append(s.thresholds, thr)
	s.summary.Peak = math.Max(s.summary.Peak, c)

	ev := evaluate(s.cfg, i, c, thr)
	holds := ev.Holds()
	var first bool
	s.state, first = s.state.Observe(i, holds)
	s.record(i, c, holds)

	t := s.tickAt(i)
	t.PredicateHolds = holds
	t.FirstDetection = first
	s.trim()
	return t, nil
}

// record folds tick i into the running summary the same way
// Analysis.Episodes groups ticks.
func (s *Stream) record(i int, c float64, holds bool) {
	if !holds {
		s.inEp = false
		return
	}
	s.summary.Anomalous++
	if !s.inEp {
		s.summary.Episodes = append(s.summary.Episodes, Episode{StartTick: i, Peak: c})
		s.inEp = true
	}
	ep := &s.summary.Episodes[len(s.summary.Episodes)-1]
	ep.EndTick = i
	ep.Ticks = i - ep.StartTick + 1
	ep.Seconds = float64(ep.Ticks) / s.cfg.SamplingRate
	ep.Peak = math.Max(ep.Peak, c)
}

// trim drops the oldest half of the retained series once an unbounded run
// holds twice its history limit. The copy is amortized O(1) per tick.
func (s *Stream) trim() {
	if s.history == 0 || len(s.samples) < 2*s.history {
		return
	}
	drop := len(s.samples) - s.history
	s.samples = append(s.samples[:0], s.samples[drop:]...)
	s.cumulative = append(s.cumulative[:0], s.cumulative[drop:]...)
	s.thresholds = append(s.thresholds[:0], s.thresholds[drop:]...)
	s.offset += drop
}

// settleBaseline estimates mu from the buffered warm-up samples and folds
// them through the recurrence, filling the series up to the current tick.
func (s *Stream) settleBaseline() {
	mu, _ := EstimateBaseline(s.pending, s.warmupTicks) // Length and validity already checked
	s.baseline = mu
	s.rec = newRecurrence(s.cfg, mu)
	for _, x := range s.pending {
		c, thr := s.rec.next(x)
		s.cumulative = append(s.cumulative, c)
		s.thresholds = append(s.thresholds, thr)
		s.summary.Peak = math.Max(s.summary.Peak, c)
	}
	s.pending = nil
}

func (s *Stream) tickAt(i int) Tick {
	j := i - s.offset
	ev := evaluate(s.cfg, i, s.cumulative[j], s.thresholds[j])
	return Tick{
		Index:           i,
		Seconds:         s.cfg.Seconds(i),
		Sample:          s.samples[j],
		Cumulative:      ev.Cumulative,
		Threshold:       ev.Threshold,
		AdaptiveDefined: ev.AdaptiveDefined,
		BaselineReady:   true,
		WarmingUp:       ev.WarmingUp,
		Phase:           s.state.Phase(i, s.warmupTicks),
		State:           s.state,
	}
}

// Done reports whether a bounded run has consumed all of its ticks.
func (s *Stream) Done() bool {
	return s.runTicks > 0 && s.tick >= s.runTicks
}

// Config returns the run configuration.
func (s *Stream) Config() Config { return s.cfg }

// Ticks returns the number of samples consumed so far.
func (s *Stream) Ticks() int { return s.tick }

// State returns the current latch state.
func (s *Stream) State() DetectionState { return s.state }

// Baseline returns mu once the warm-up period has completed.
func (s *Stream) Baseline() (float64, bool) {
	return s.baseline, s.rec != nil
}

// Summary returns the anomalous tick count, peak statistic and episodes over
// every tick consumed so far, including ticks an unbounded run no longer
// retains.
func (s *Stream) Summary() Summary {
	sum := s.summary
	sum.Episodes = append([]Episode(nil), s.summary.Episodes...)
	return sum
}

// HistoryStart returns the tick index of the first retained series entry.
// It is 0 for bounded runs.
func (s *Stream) HistoryStart() int { return s.offset }

// Cumulative returns a copy of the retained CUSUM values, starting at
// HistoryStart. The series stays empty until the baseline is known.
func (s *Stream) Cumulative() []float64 { return append([]float64(nil), s.cumulative...) }

// Thresholds returns a copy of the retained adaptive thresholds.
func (s *Stream) Thresholds() []float64 { return append([]float64(nil), s.thresholds...) }

// Samples returns a copy of the retained samples.
func (s *Stream) Samples() []float64 { return append([]float64(nil), s.samples...) }

// DetectionSeconds returns firstDetectionTick / samplingRate once tripped.
func (s *Stream) DetectionSeconds() (float64, bool) {
	t, ok := s.state.FirstDetection()
	if !ok {
		return 0, false
	}
	return s.cfg.Seconds(t), true
}
