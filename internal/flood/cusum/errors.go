package cusum

import (
	"errors"
	"fmt"
)

// Sentinel errors. The typed errors below match these with errors.Is.
var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidSample    = errors.New("invalid sample")
	ErrConfiguration    = errors.New("invalid configuration")
	ErrRunComplete      = errors.New("run complete")
)

// InsufficientDataError reports a sample sequence too short for the
// requested computation.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d samples, need at least %d", e.Have, e.Need)
}

func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// InvalidSampleError reports a non-finite or negative sample.
type InvalidSampleError struct {
	Tick  int
	Value float64
}

func (e *InvalidSampleError) Error() string {
	return fmt.Sprintf("invalid sample %v at tick %d: must be finite and non-negative", e.Value, e.Tick)
}

func (e *InvalidSampleError) Is(target error) bool {
	return target == ErrInvalidSample
}

// ConfigurationError reports a rejected configuration field.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
