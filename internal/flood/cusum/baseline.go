package cusum

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// EstimateBaseline returns the arithmetic mean of the first warmupTicks
// samples. It is the reference level mu for the rest of the run.
func EstimateBaseline(samples []float64, warmupTicks int) (float64, error) {
	if warmupTicks < 1 {
		return 0, &ConfigurationError{Field: "warmup", Reason: "must span at least one tick"}
	}
	if len(samples) < warmupTicks {
		return 0, &InsufficientDataError{Have: len(samples), Need: warmupTicks}
	}
	prefix := samples[:warmupTicks]
	if err := validateSamples(prefix, 0); err != nil {
		return 0, err
	}
	return stat.Mean(prefix, nil), nil
}

// ValidSample reports whether x is acceptable input: finite and non-negative.
func ValidSample(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0) && x >= 0
}

func validateSamples(samples []float64, offset int) error {
	for i, x := range samples {
		if !ValidSample(x) {
			return &InvalidSampleError{Tick: offset + i, Value: x}
		}
	}
	return nil
}
