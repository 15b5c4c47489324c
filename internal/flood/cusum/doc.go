// Package cusum implements the flood detection engine: a warm-up baseline,
// the one-sided CUSUM recurrence, a sliding-window adaptive threshold over
// the CUSUM series, and a detector that flags a tick when the statistic
// exceeds either a fixed or the adaptive threshold.
//
// Runs can be evaluated in batch (Analyze, then IsAnomalous for any tick) or
// incrementally (Stream.Step). Both modes share one recurrence, so the first
// tick a Stream latches is always the first tick Analyze reports as
// anomalous over the same samples and configuration.
//
// Everything is indexed by tick; wall-clock pacing is left to callers.
package cusum
