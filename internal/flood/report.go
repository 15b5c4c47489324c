package flood

import (
	"time"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
	"github.com/google/uuid"
)

// Mode distinguishes how a run was evaluated.
type Mode string

const (
	ModeBatch  Mode = "batch"
	ModeStream Mode = "stream"
)

// Run outcomes recorded on reports and monitor snapshots.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Report is the persisted summary of one run. Baselines are recorded for
// inspection only; every run estimates its own.
type Report struct {
	ID                    string          `json:"id" yaml:"id"`
	MonitorID             string          `json:"monitor_id,omitempty" yaml:"monitor_id,omitempty"` // Empty for batch runs
	Name                  string          `json:"name" yaml:"name"`
	Mode                  Mode            `json:"mode" yaml:"mode"`
	Source                string          `json:"source" yaml:"source"` // "simulator", "samples", "file"
	Status                string          `json:"status" yaml:"status"`
	Error                 string          `json:"error,omitempty" yaml:"error,omitempty"`
	Config                cusum.Config    `json:"config" yaml:"config"`
	Baseline              *float64        `json:"baseline,omitempty" yaml:"baseline,omitempty"` // Nil if the run ended during warm-up
	Ticks                 int             `json:"ticks" yaml:"ticks"`
	Detected              bool            `json:"detected" yaml:"detected"`
	FirstDetectionTick    *int            `json:"first_detection_tick,omitempty" yaml:"first_detection_tick,omitempty"`
	FirstDetectionSeconds *float64        `json:"first_detection_seconds,omitempty" yaml:"first_detection_seconds,omitempty"`
	AnomalousTicks        int             `json:"anomalous_ticks" yaml:"anomalous_ticks"`
	PeakCumulative        float64         `json:"peak_cumulative" yaml:"peak_cumulative"`
	Episodes              []cusum.Episode `json:"episodes" yaml:"episodes"`
	SurgeStartTick        *int            `json:"surge_start_tick,omitempty" yaml:"surge_start_tick,omitempty"`
	SurgeEndTick          *int            `json:"surge_end_tick,omitempty" yaml:"surge_end_tick,omitempty"` // Exclusive
	DetectionDelay        *float64        `json:"detection_delay_seconds,omitempty" yaml:"detection_delay_seconds,omitempty"`
	FalseAlarm            bool            `json:"false_alarm" yaml:"false_alarm"` // Tripped before the known surge began
	StartedAt             time.Time       `json:"started_at" yaml:"started_at"`
	CompletedAt           time.Time       `json:"completed_at" yaml:"completed_at"`
}

// NewBatchReport summarizes a completed batch analysis.
func NewBatchReport(name, source string, a *cusum.Analysis, startedAt time.Time) *Report {
	r := &Report{
		ID:          uuid.New().String(),
		Name:        name,
		Mode:        ModeBatch,
		Source:      source,
		Status:      StatusCompleted,
		Config:      a.Config(),
		StartedAt:   startedAt.UTC(),
		CompletedAt: time.Now().UTC(),
	}
	r.summarize(a.Baseline(), a.Len(), a.Summary())
	if tick, ok := a.FirstDetection(); ok {
		r.setDetection(tick)
	}
	return r
}

// summarize copies the series-derived figures of a run into r.
func (r *Report) summarize(baseline float64, ticks int, sum cusum.Summary) {
	r.Baseline = &baseline
	r.Ticks = ticks
	r.AnomalousTicks = sum.Anomalous
	r.PeakCumulative = sum.Peak
	r.Episodes = sum.Episodes
	if r.Episodes == nil {
		r.Episodes = []cusum.Episode{}
	}
}

func (r *Report) setDetection(tick int) {
	seconds := r.Config.Seconds(tick)
	r.Detected = true
	r.FirstDetectionTick = &tick
	r.FirstDetectionSeconds = &seconds
	r.scoreAgainstSurge()
}

// WithSurge records the ground-truth surge of a simulated run, [start, end)
// in ticks, and scores the detection against it.
func (r *Report) WithSurge(start, end int) *Report {
	r.SurgeStartTick = &start
	r.SurgeEndTick = &end
	r.scoreAgainstSurge()
	return r
}

func (r *Report) scoreAgainstSurge() {
	if r.SurgeStartTick == nil || r.FirstDetectionTick == nil {
		return
	}
	first, start := *r.FirstDetectionTick, *r.SurgeStartTick
	if first < start {
		r.FalseAlarm = true
		r.DetectionDelay = nil
		return
	}
	delay := float64(first-start) / r.Config.SamplingRate
	r.FalseAlarm = false
	r.DetectionDelay = &delay
}
