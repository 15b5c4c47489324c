package ws

import (
	"time"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageTick         MessageType = "flood.tick"
	MessageDetected     MessageType = "flood.detected"
	MessageRunCompleted MessageType = "flood.run.completed"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	MonitorID string      `json:"monitor_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// TickData is the payload for flood.tick messages: one plotted point.
type TickData struct {
	Tick       int     `json:"tick"`
	Seconds    float64 `json:"seconds"`
	Sample     float64 `json:"sample"`
	Cumulative float64 `json:"cumulative"`
	Threshold  float64 `json:"threshold"`
	Phase      string  `json:"phase"`
	Anomalous  bool    `json:"anomalous"`
}

// DetectedData is the payload for flood.detected messages.
type DetectedData struct {
	Name       string  `json:"name"`
	Tick       int     `json:"tick"`
	Seconds    float64 `json:"seconds"`
	Cumulative float64 `json:"cumulative"`
	Threshold  float64 `json:"threshold"`
	Reason     string  `json:"reason"`
}

// RunCompletedData is the payload for flood.run.completed messages.
type RunCompletedData struct {
	ReportID           string   `json:"report_id"`
	Name               string   `json:"name"`
	Mode               string   `json:"mode"`
	Status             string   `json:"status"`
	Ticks              int      `json:"ticks"`
	Detected           bool     `json:"detected"`
	FirstDetectionTick *int     `json:"first_detection_tick,omitempty"`
	DetectionDelay     *float64 `json:"detection_delay_seconds,omitempty"`
}
