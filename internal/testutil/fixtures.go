// Package testutil provides sample-stream fixtures for tests.
package testutil

import (
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
)

// StreamSpec describes a synthetic traffic stream.
type StreamSpec struct {
	Ticks       int
	Level       float64 // Mean sample value outside the surge
	Noise       float64 // Gaussian stddev; 0 for a flat stream
	Seed        uint64
	SurgeStart  int
	SurgeTicks  int     // 0 disables the surge
	SurgeFactor float64 // Surge samples are Level * SurgeFactor
}

// NewSamples returns a flat stream of 3600 samples at level 100 (one minute
// at 60 Hz), with no noise and no surge. Override with options.
func NewSamples(opts ...func(*StreamSpec)) []float64 {
	spec := StreamSpec{
		Ticks: 3600,
		Level: 100,
		Seed:  1,
	}
	for _, opt := range opts {
		opt(&spec)
	}

	rng := rand.New(rand.NewPCG(spec.Seed, spec.Seed^0x9e3779b97f4a7c15))
	out := make([]float64, spec.Ticks)
	for i := range out {
		v := spec.Level
		if spec.SurgeTicks > 0 && i >= spec.SurgeStart && i < spec.SurgeStart+spec.SurgeTicks {
			v = spec.Level * spec.SurgeFactor
		}
		if spec.Noise > 0 {
			v += rng.NormFloat64() * spec.Noise
		}
		out[i] = math.Max(0, v)
	}
	return out
}

// WithTicks sets the stream length.
func WithTicks(n int) func(*StreamSpec) {
	return func(s *StreamSpec) { s.Ticks = n }
}

// WithLevel sets the quiet traffic level.
func WithLevel(v float64) func(*StreamSpec) {
	return func(s *StreamSpec) { s.Level = v }
}

// WithNoise adds seeded gaussian noise.
func WithNoise(stddev float64, seed uint64) func(*StreamSpec) {
	return func(s *StreamSpec) {
		s.Noise = stddev
		s.Seed = seed
	}
}

// WithSurge injects a surge of factor * level for ticks samples from start.
func WithSurge(start, ticks int, factor float64) func(*StreamSpec) {
	return func(s *StreamSpec) {
		s.SurgeStart = start
		s.SurgeTicks = ticks
		s.SurgeFactor = factor
	}
}

// NewStreams returns n independent noisy streams keyed by unique names.
func NewStreams(n int, opts ...func(*StreamSpec)) map[string][]float64 {
	out := make(map[string][]float64, n)
	for i := 0; i < n; i++ {
		seeded := append([]func(*StreamSpec){WithNoise(15, uint64(i+1))}, opts...)
		out["stream-"+uuid.New().String()] = NewSamples(seeded...)
	}
	return out
}
