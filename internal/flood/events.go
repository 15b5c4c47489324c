package flood

import (
	"time"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
)

// Event topics published by the flood module.
const (
	TopicTick         = "flood.tick"
	TopicDetected     = "flood.detected"
	TopicRunCompleted = "flood.run.completed"
)

// TickEvent is the payload of TopicTick: one processed sample of a monitor.
type TickEvent struct {
	MonitorID string     `json:"monitor_id"`
	Name      string     `json:"name"`
	Tick      cusum.Tick `json:"tick"`
}

// DetectionEvent is the payload of TopicDetected. It is published once per
// run, on the tick that trips the latch.
type DetectionEvent struct {
	MonitorID      string    `json:"monitor_id"`
	Name           string    `json:"name"`
	Tick           int       `json:"tick"`
	Seconds        float64   `json:"seconds"`
	Sample         float64   `json:"sample"`
	Cumulative     float64   `json:"cumulative"`
	Threshold      float64   `json:"threshold"`
	FixedThreshold float64   `json:"fixed_threshold"`
	Baseline       float64   `json:"baseline"`
	SurgeStartTick *int      `json:"surge_start_tick,omitempty"`
	DetectedAt     time.Time `json:"detected_at"`
}

// TripReason names the bound that the detection crossed.
func (e DetectionEvent) TripReason() string {
	if e.Cumulative > e.FixedThreshold {
		return "fixed"
	}
	return "adaptive"
}
