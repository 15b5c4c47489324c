package cusum

import (
	"math"
	"time"
)

// Window policies for ticks whose trailing window is not yet full.
const (
	// PolicyShrinking evaluates the adaptive threshold over
	// CumulativeSeries[max(0, i-windowTicks):i].
	PolicyShrinking = "shrinking"
	// PolicyFull leaves the adaptive threshold undefined until a full
	// window of windowTicks values precedes the tick. Only the fixed
	// threshold applies to those ticks.
	PolicyFull = "full"
)

// Config is the static configuration of a single run. It is consumed at
// construction and never changes for the lifetime of the run.
type Config struct {
	SamplingRate   float64       `mapstructure:"sampling_rate" json:"sampling_rate" yaml:"sampling_rate"`       // Ticks per second
	Warmup         time.Duration `mapstructure:"warmup" json:"warmup" yaml:"warmup"`                            // Baseline estimation period
	Window         time.Duration `mapstructure:"window" json:"window" yaml:"window"`                            // Adaptive threshold window
	FixedThreshold float64       `mapstructure:"fixed_threshold" json:"fixed_threshold" yaml:"fixed_threshold"` // Absolute bound on S
	Multiplier     float64       `mapstructure:"multiplier" json:"multiplier" yaml:"multiplier"`                // k in mean + k*stddev
	WindowPolicy   string        `mapstructure:"window_policy" json:"window_policy" yaml:"window_policy"`       // "shrinking" or "full"
	RunLength      time.Duration `mapstructure:"run_length" json:"run_length" yaml:"run_length"`                // 0 = unbounded stream
	ResyncEvery    int           `mapstructure:"resync_every" json:"resync_every" yaml:"resync_every"`          // 0 = once per window turnover
}

// DefaultConfig returns the reference configuration: 60 Hz, 5s warm-up,
// 5s window, fixed threshold 2000, k = 2.5, 60s runs.
func DefaultConfig() Config {
	return Config{
		SamplingRate:   60,
		Warmup:         5 * time.Second,
		Window:         5 * time.Second,
		FixedThreshold: 2000,
		Multiplier:     2.5,
		WindowPolicy:   PolicyShrinking,
		RunLength:      60 * time.Second,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case !(c.SamplingRate > 0) || math.IsInf(c.SamplingRate, 0):
		return &ConfigurationError{Field: "sampling_rate", Reason: "must be positive and finite"}
	case c.Warmup <= 0:
		return &ConfigurationError{Field: "warmup", Reason: "must be positive"}
	case c.Window <= 0:
		return &ConfigurationError{Field: "window", Reason: "must be positive"}
	case c.WarmupTicks() < 1:
		return &ConfigurationError{Field: "warmup", Reason: "must span at least one tick"}
	case c.WindowTicks() < 1:
		return &ConfigurationError{Field: "window", Reason: "must span at least one tick"}
	case !(c.FixedThreshold > 0) || math.IsInf(c.FixedThreshold, 0):
		return &ConfigurationError{Field: "fixed_threshold", Reason: "must be positive and finite"}
	case c.Multiplier < 0 || math.IsNaN(c.Multiplier) || math.IsInf(c.Multiplier, 0):
		return &ConfigurationError{Field: "multiplier", Reason: "must be non-negative and finite"}
	case c.RunLength < 0:
		return &ConfigurationError{Field: "run_length", Reason: "must not be negative"}
	case c.ResyncEvery < 0:
		return &ConfigurationError{Field: "resync_every", Reason: "must not be negative"}
	}
	switch c.WindowPolicy {
	case "", PolicyShrinking, PolicyFull:
	default:
		return &ConfigurationError{Field: "window_policy", Reason: `must be "shrinking" or "full"`}
	}
	if c.RunLength > 0 && c.RunTicks() <= c.WarmupTicks() {
		return &ConfigurationError{Field: "run_length", Reason: "must be longer than the warm-up period"}
	}
	return nil
}

// WarmupTicks is warmupSeconds * samplingRate, rounded to the nearest tick.
func (c Config) WarmupTicks() int {
	return durationTicks(c.Warmup, c.SamplingRate)
}

// WindowTicks is windowSeconds * samplingRate, rounded to the nearest tick.
func (c Config) WindowTicks() int {
	return durationTicks(c.Window, c.SamplingRate)
}

// RunTicks is the predetermined run length in ticks, or 0 when unbounded.
func (c Config) RunTicks() int {
	return durationTicks(c.RunLength, c.SamplingRate)
}

// Seconds converts a tick index to logical run time.
func (c Config) Seconds(tick int) float64 {
	return float64(tick) / c.SamplingRate
}

func (c Config) policy() string {
	if c.WindowPolicy == "" {
		return PolicyShrinking
	}
	return c.WindowPolicy
}

func (c Config) resyncInterval() int {
	if c.ResyncEvery > 0 {
		return c.ResyncEvery
	}
	return c.WindowTicks()
}

func durationTicks(d time.Duration, rate float64) int {
	return int(math.Round(d.Seconds() * rate))
}
