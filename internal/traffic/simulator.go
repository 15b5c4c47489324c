package traffic

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimulatorConfig describes synthetic traffic: gaussian background with a
// single flood surge at a random point of the run.
type SimulatorConfig struct {
	Mean          float64       `mapstructure:"mean" json:"mean" yaml:"mean"`
	StdDev        float64       `mapstructure:"stddev" json:"stddev" yaml:"stddev"`
	SurgeFactor   float64       `mapstructure:"surge_factor" json:"surge_factor" yaml:"surge_factor"` // Surge adds Mean*SurgeFactor per tick
	SurgeDuration time.Duration `mapstructure:"surge_duration" json:"surge_duration" yaml:"surge_duration"`
	SurgeEarliest time.Duration `mapstructure:"surge_earliest" json:"surge_earliest" yaml:"surge_earliest"`
	SurgeLatest   time.Duration `mapstructure:"surge_latest" json:"surge_latest" yaml:"surge_latest"`
	Seed          uint64        `mapstructure:"seed" json:"seed" yaml:"seed"` // 0 picks a random seed
}

// DefaultSimulatorConfig returns traffic around 100 packets per tick with a
// 0.5s surge to four times that level somewhere between 10s and 50s.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Mean:          100,
		StdDev:        15,
		SurgeFactor:   3,
		SurgeDuration: 500 * time.Millisecond,
		SurgeEarliest: 10 * time.Second,
		SurgeLatest:   50 * time.Second,
	}
}

// Validate rejects unusable simulator settings.
func (c SimulatorConfig) Validate() error {
	switch {
	case c.Mean < 0 || math.IsNaN(c.Mean) || math.IsInf(c.Mean, 0):
		return fmt.Errorf("simulation mean must be non-negative and finite")
	case c.StdDev < 0 || math.IsNaN(c.StdDev) || math.IsInf(c.StdDev, 0):
		return fmt.Errorf("simulation stddev must be non-negative and finite")
	case c.SurgeFactor < 0 || math.IsNaN(c.SurgeFactor):
		return fmt.Errorf("simulation surge_factor must be non-negative")
	case c.SurgeDuration < 0:
		return fmt.Errorf("simulation surge_duration must not be negative")
	case c.SurgeEarliest < 0 || c.SurgeLatest < c.SurgeEarliest:
		return fmt.Errorf("simulation surge window [%s, %s] is invalid", c.SurgeEarliest, c.SurgeLatest)
	}
	return nil
}

// Simulator generates one run of synthetic traffic. Output is fully
// determined by the seed.
type Simulator struct {
	cfg        SimulatorConfig
	seed       uint64
	ticks      int // 0 = unbounded
	surgeStart int
	surgeEnd   int // Exclusive
	noise      distuv.Normal
	pos        int
}

// NewSimulator creates a simulator sized to the run described by run: its
// sampling rate converts surge timings to ticks and its run length bounds the
// stream. The surge never starts before warm-up ends and, on bounded runs,
// always ends inside the run; a window that cannot satisfy both is an error.
func NewSimulator(cfg SimulatorConfig, run cusum.Config) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := run.Validate(); err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x5deece66d))

	surgeTicks := durationTicks(cfg.SurgeDuration, run.SamplingRate)
	earliest := max(durationTicks(cfg.SurgeEarliest, run.SamplingRate), run.WarmupTicks())
	latest := durationTicks(cfg.SurgeLatest, run.SamplingRate)
	if n := run.RunTicks(); n > 0 {
		latest = min(latest, n-surgeTicks)
	}
	if latest < earliest {
		return nil, fmt.Errorf("simulation surge of %s does not fit between %s and %s in a %s run with %s warm-up",
			cfg.SurgeDuration, cfg.SurgeEarliest, cfg.SurgeLatest, run.RunLength, run.Warmup)
	}
	start := earliest + rng.IntN(latest-earliest+1)

	return &Simulator{
		cfg:        cfg,
		seed:       seed,
		ticks:      run.RunTicks(),
		surgeStart: start,
		surgeEnd:   start + surgeTicks,
		noise:      distuv.Normal{Mu: cfg.Mean, Sigma: cfg.StdDev, Src: rng},
	}, nil
}

// Next returns the sample for the next tick, io.EOF after the run length.
func (s *Simulator) Next(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.ticks > 0 && s.pos >= s.ticks {
		return 0, io.EOF
	}
	x := s.cfg.Mean
	if s.cfg.StdDev > 0 {
		x = s.noise.Rand()
	}
	if s.InSurge(s.pos) {
		x += s.cfg.Mean * s.cfg.SurgeFactor
	}
	s.pos++
	return math.Max(0, x), nil
}

// InSurge reports whether tick falls inside the injected surge.
func (s *Simulator) InSurge(tick int) bool {
	return tick >= s.surgeStart && tick < s.surgeEnd
}

// SurgeStart returns the first surge tick.
func (s *Simulator) SurgeStart() int { return s.surgeStart }

// SurgeEnd returns the tick after the last surge tick.
func (s *Simulator) SurgeEnd() int { return s.surgeEnd }

// Seed returns the seed in use, useful to replay a randomly seeded run.
func (s *Simulator) Seed() uint64 { return s.seed }

// Ticks returns the run length in ticks, 0 when unbounded.
func (s *Simulator) Ticks() int { return s.ticks }

func durationTicks(d time.Duration, rate float64) int {
	return int(math.Round(d.Seconds() * rate))
}
