package cusum

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Source yields samples in tick order. Next returns io.EOF once exhausted.
type Source interface {
	Next(ctx context.Context) (float64, error)
}

// Drive feeds samples from src into s until the source is exhausted or the
// run completes, calling fn after every tick. It returns nil on a clean
// finish, ctx.Err() on cancellation, an *InsufficientDataError when the
// source ends before one tick past the warm-up, and otherwise the first
// error from the source, the stream or fn.
func Drive(ctx context.Context, s *Stream, src Source, fn func(Tick) error) error {
	for !s.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		x, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			if need := s.warmupTicks + 1; s.Ticks() < need {
				return &InsufficientDataError{Have: s.Ticks(), Need: need}
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read sample %d: %w", s.Ticks(), err)
		}
		t, err := s.Step(x)
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(t); err != nil {
				return err
			}
		}
	}
	return nil
}
