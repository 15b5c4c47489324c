package cusum

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// AnalyzeAll runs independent batch analyses over several named streams in
// parallel. Each run owns its own series and baseline; nothing is shared
// between workers except the result map, which is written under a lock.
// workers <= 0 means one worker per stream.
func AnalyzeAll(ctx context.Context, cfg Config, streams map[string][]float64, workers int) (map[string]*Analysis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}

	var mu sync.Mutex
	results := make(map[string]*Analysis, len(streams))
	for name, samples := range streams {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			a, err := Analyze(cfg, samples)
			if err != nil {
				return fmt.Errorf("analyze %q: %w", name, err)
			}
			mu.Lock()
			results[name] = a
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
