package traffic

import (
	"context"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
	"golang.org/x/time/rate"
)

// Paced releases samples from an underlying source at the sampling rate,
// turning a replay or a simulation into a real-time feed. Pacing lives
// outside the detector, which only counts ticks.
type Paced struct {
	src     cusum.Source
	limiter *rate.Limiter
}

// NewPaced wraps src so that Next returns at most samplingRate samples per
// second.
func NewPaced(src cusum.Source, samplingRate float64) *Paced {
	return &Paced{
		src:     src,
		limiter: rate.NewLimiter(rate.Limit(samplingRate), 1),
	}
}

// Next waits for the next tick slot, then reads from the wrapped source.
func (p *Paced) Next(ctx context.Context) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return p.src.Next(ctx)
}
