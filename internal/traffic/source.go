// Package traffic provides sample sources that feed flood detection runs:
// a seeded traffic simulator, a reader for recorded sample files, in-memory
// slices, and a wall-clock pacer for real-time playback.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
)

// Compile-time interface guards.
var (
	_ cusum.Source = (*Slice)(nil)
	_ cusum.Source = (*Simulator)(nil)
	_ cusum.Source = (*Reader)(nil)
	_ cusum.Source = (*Paced)(nil)
)

// Slice yields samples from memory.
type Slice struct {
	samples []float64
	pos     int
}

// NewSlice wraps samples as a Source. The slice is not copied.
func NewSlice(samples []float64) *Slice {
	return &Slice{samples: samples}
}

// Next returns the next sample or io.EOF.
func (s *Slice) Next(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.pos >= len(s.samples) {
		return 0, io.EOF
	}
	x := s.samples[s.pos]
	s.pos++
	return x, nil
}

// Remaining returns the number of samples not yet read.
func (s *Slice) Remaining() int { return len(s.samples) - s.pos }

// Collect drains src into memory. limit > 0 stops after that many samples.
func Collect(ctx context.Context, src cusum.Source, limit int) ([]float64, error) {
	var out []float64
	for limit <= 0 || len(out) < limit {
		x, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("collect sample %d: %w", len(out), err)
		}
		out = append(out, x)
	}
	return out, nil
}
