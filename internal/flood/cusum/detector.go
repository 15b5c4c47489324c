package cusum

import "fmt"

// Phase is the detector state for a tick.
type Phase int

const (
	PhaseWarmingUp Phase = iota // tick < warmupTicks
	PhaseMonitoring             // armed == false, tick >= warmupTicks
	PhaseTripped                // armed == true
)

func (p Phase) String() string {
	switch p {
	case PhaseWarmingUp:
		return "warming_up"
	case PhaseMonitoring:
		return "monitoring"
	case PhaseTripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	for _, c := range []Phase{PhaseWarmingUp, PhaseMonitoring, PhaseTripped} {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// DetectionState is the only latched state of a run. Armed becomes true at
// most once and never resets; a new run starts from the zero value.
type DetectionState struct {
	Armed              bool `json:"armed"`
	FirstDetectionTick int  `json:"first_detection_tick"` // Valid only when Armed
}

// Observe applies one tick's predicate outcome to the latch. It returns the
// next state and whether this tick is the first detection of the run.
func (s DetectionState) Observe(tick int, holds bool) (DetectionState, bool) {
	if s.Armed || !holds {
		return s, false
	}
	return DetectionState{Armed: true, FirstDetectionTick: tick}, true
}

// FirstDetection returns the first detection tick, if any.
func (s DetectionState) FirstDetection() (int, bool) {
	if !s.Armed {
		return 0, false
	}
	return s.FirstDetectionTick, true
}

// Phase reports the detector phase at the given tick under this state.
func (s DetectionState) Phase(tick, warmupTicks int) Phase {
	switch {
	case tick < warmupTicks:
		return PhaseWarmingUp
	case s.Armed:
		return PhaseTripped
	default:
		return PhaseMonitoring
	}
}

// Evaluation is the predicate for one tick together with its inputs.
type Evaluation struct {
	Tick             int     `json:"tick"`
	Cumulative       float64 `json:"cumulative"`
	Threshold        float64 `json:"threshold"`        // Adaptive threshold; meaningful only when AdaptiveDefined
	AdaptiveDefined  bool    `json:"adaptive_defined"` // False during warm-up and, under PolicyFull, before a full window
	WarmingUp        bool    `json:"warming_up"`
	FixedExceeded    bool    `json:"fixed_exceeded"`
	AdaptiveExceeded bool    `json:"adaptive_exceeded"`
}

// Holds reports S_i > fixedThreshold OR S_i > adaptiveThreshold[i], never
// true during warm-up.
func (e Evaluation) Holds() bool {
	return !e.WarmingUp && (e.FixedExceeded || e.AdaptiveExceeded)
}

// evaluate builds the Evaluation for tick i. Warm-up ticks are answered
// without inspecting either threshold.
func evaluate(cfg Config, i int, cumulative, threshold float64) Evaluation {
	ev := Evaluation{Tick: i, Cumulative: cumulative}
	if i < cfg.WarmupTicks() {
		ev.WarmingUp = true
		return ev
	}
	ev.Threshold = threshold
	ev.AdaptiveDefined = adaptiveDefined(cfg, i)
	ev.FixedExceeded = cumulative > cfg.FixedThreshold
	ev.AdaptiveExceeded = ev.AdaptiveDefined && cumulative > threshold
	return ev
}

func adaptiveDefined(cfg Config, i int) bool {
	if i < cfg.WarmupTicks() {
		return false
	}
	if cfg.policy() == PolicyFull {
		return i >= cfg.WindowTicks()
	}
	return i >= 1
}

// recurrence produces (S_i, threshold[i]) one tick at a time. Batch and
// streaming evaluation both run through it so the two modes compute
// bit-identical series from identical input.
type recurrence struct {
	cfg     Config
	tracker *Tracker
	window  *Window
	tick    int
}

func newRecurrence(cfg Config, mu float64) *recurrence {
	return &recurrence{
		cfg:     cfg,
		tracker: NewTracker(mu),
		window:  NewWindow(cfg.WindowTicks(), cfg.resyncInterval()),
	}
}

// next consumes x_i. threshold[i] is computed from the window holding
// S[max(0, i-windowTicks):i] before S_i enters it. Ticks before warm-up
// ends get a zero threshold and are never evaluated against it.
func (r *recurrence) next(x float64) (cumulative, threshold float64) {
	i := r.tick
	cumulative = r.tracker.Advance(x)
	if adaptiveDefined(r.cfg, i) {
		threshold = r.window.Threshold(r.cfg.Multiplier)
	}
	r.window.Push(cumulative)
	r.tick++
	return cumulative, threshold
}
