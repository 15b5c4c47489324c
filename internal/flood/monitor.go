package flood

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
	"github.com/HerbHall/floodwatch/pkg/plugin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MonitorStatus is a point-in-time view of a monitor, safe to hand to other
// goroutines.
type MonitorStatus struct {
	ID                    string       `json:"id"`
	Name                  string       `json:"name"`
	Source                string       `json:"source"`
	Status                string       `json:"status"`
	Error                 string       `json:"error,omitempty"`
	Config                cusum.Config `json:"config"`
	Ticks                 int          `json:"ticks"`
	Baseline              *float64     `json:"baseline,omitempty"`
	Last                  *cusum.Tick  `json:"last,omitempty"`
	FirstDetectionTick    *int         `json:"first_detection_tick,omitempty"`
	FirstDetectionSeconds *float64     `json:"first_detection_seconds,omitempty"`
	SurgeStartTick        *int         `json:"surge_start_tick,omitempty"`
	SurgeEndTick          *int         `json:"surge_end_tick,omitempty"`
	ReportID              string       `json:"report_id,omitempty"`
	StartedAt             time.Time    `json:"started_at"`
	CompletedAt           *time.Time   `json:"completed_at,omitempty"`
}

// Finished reports whether the monitor has stopped for any reason.
func (s MonitorStatus) Finished() bool {
	return s.Status != StatusRunning
}

// SurgeWindow is the ground truth of a simulated run in ticks, [Start, End).
type SurgeWindow struct {
	Start, End int
}

// MonitorSpec describes a streaming run to start.
type MonitorSpec struct {
	Name       string
	Config     cusum.Config
	Source     cusum.Source
	SourceName string
	Surge      *SurgeWindow
}

// Monitor is a streaming run over a Source on its own goroutine. The
// cusum.Stream is owned by that goroutine; everything else reads the
// status snapshot under mu.
type Monitor struct {
	id         string
	name       string
	sourceName string
	cfg        cusum.Config
	src        cusum.Source
	surge      *SurgeWindow

	bus        plugin.EventBus
	logger     *zap.Logger
	tickEvents bool
	onFinish   func(*Report) string // Persists the report, returns its ID

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	status MonitorStatus
}

func newMonitor(spec MonitorSpec, bus plugin.EventBus, logger *zap.Logger, tickEvents bool, onFinish func(*Report) string) *Monitor {
	id := uuid.New().String()
	m := &Monitor{
		id:         id,
		name:       spec.Name,
		sourceName: spec.SourceName,
		cfg:        spec.Config,
		src:        spec.Source,
		surge:      spec.Surge,
		bus:        bus,
		logger:     logger.With(zap.String("monitor_id", id), zap.String("name", spec.Name)),
		tickEvents: tickEvents,
		onFinish:   onFinish,
		done:       make(chan struct{}),
	}
	m.status = MonitorStatus{
		ID:        id,
		Name:      spec.Name,
		Source:    spec.SourceName,
		Status:    StatusRunning,
		Config:    spec.Config,
		StartedAt: time.Now().UTC(),
	}
	if spec.Surge != nil {
		start, end := spec.Surge.Start, spec.Surge.End
		m.status.SurgeStartTick = &start
		m.status.SurgeEndTick = &end
	}
	return m
}

// ID returns the monitor identifier.
func (m *Monitor) ID() string { return m.id }

// Status returns a copy of the current snapshot.
func (m *Monitor) Status() MonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Cancel asks the run to stop. The report is still written.
func (m *Monitor) Cancel() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Done is closed once the run has finished and its report is persisted.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// start launches the run goroutine under parent.
func (m *Monitor) start(parent context.Context, wg *sync.WaitGroup) error {
	stream, err := cusum.NewStream(m.cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	activeMonitors.Inc()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(m.done)
		defer cancel()
		defer activeMonitors.Dec()
		m.run(ctx, stream)
	}()
	return nil
}

func (m *Monitor) run(ctx context.Context, stream *cusum.Stream) {
	m.logger.Info("monitor started",
		zap.String("source", m.sourceName),
		zap.Float64("sampling_rate", m.cfg.SamplingRate),
		zap.Duration("run_length", m.cfg.RunLength),
	)

	runErr := cusum.Drive(ctx, stream, m.src, func(t cusum.Tick) error {
		m.observe(ctx, stream, t)
		return nil
	})

	cumulativeGauge.DeleteLabelValues(m.id)
	thresholdGauge.DeleteLabelValues(m.id)

	r := m.buildReport(stream, runErr)
	observeReport(r)

	switch r.Status {
	case StatusFailed:
		m.logger.Warn("monitor failed", zap.Int("ticks", r.Ticks), zap.Error(runErr))
	default:
		m.logger.Info("monitor finished",
			zap.String("status", r.Status),
			zap.Int("ticks", r.Ticks),
			zap.Bool("detected", r.Detected),
		)
	}

	var reportID string
	if m.onFinish != nil {
		reportID = m.onFinish(r)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.status.Status = r.Status
	m.status.Error = r.Error
	m.status.ReportID = reportID
	m.status.CompletedAt = &now
	m.mu.Unlock()

	m.publish(context.WithoutCancel(ctx), TopicRunCompleted, r)
}

// observe updates the snapshot, metrics and observers for one tick.
func (m *Monitor) observe(ctx context.Context, stream *cusum.Stream, t cusum.Tick) {
	m.mu.Lock()
	m.status.Ticks = t.Index + 1
	m.status.Last = &t
	if t.BaselineReady && m.status.Baseline == nil {
		mu, _ := stream.Baseline()
		m.status.Baseline = &mu
	}
	if t.FirstDetection {
		tick := t.Index
		seconds := t.Seconds
		m.status.FirstDetectionTick = &tick
		m.status.FirstDetectionSeconds = &seconds
	}
	m.mu.Unlock()

	ticksTotal.Inc()
	if t.BaselineReady {
		cumulativeGauge.WithLabelValues(m.id).Set(t.Cumulative)
		thresholdGauge.WithLabelValues(m.id).Set(t.Threshold)
	}

	if m.tickEvents {
		m.publish(ctx, TopicTick, TickEvent{MonitorID: m.id, Name: m.name, Tick: t})
	}

	if t.FirstDetection {
		mu, _ := stream.Baseline()
		ev := DetectionEvent{
			MonitorID:      m.id,
			Name:           m.name,
			Tick:           t.Index,
			Seconds:        t.Seconds,
			Sample:         t.Sample,
			Cumulative:     t.Cumulative,
			Threshold:      t.Threshold,
			FixedThreshold: m.cfg.FixedThreshold,
			Baseline:       mu,
			DetectedAt:     time.Now().UTC(),
		}
		if m.surge != nil {
			start := m.surge.Start
			ev.SurgeStartTick = &start
		}
		m.logger.Warn("flood detected",
			zap.Int("tick", t.Index),
			zap.Float64("seconds", t.Seconds),
			zap.Float64("cumulative", t.Cumulative),
			zap.Float64("threshold", t.Threshold),
			zap.String("reason", ev.TripReason()),
		)
		m.publish(ctx, TopicDetected, ev)
	}
}

func (m *Monitor) buildReport(stream *cusum.Stream, runErr error) *Report {
	m.mu.RLock()
	started := m.status.StartedAt
	m.mu.RUnlock()

	r := &Report{
		ID:          uuid.New().String(),
		MonitorID:   m.id,
		Name:        m.name,
		Mode:        ModeStream,
		Source:      m.sourceName,
		Status:      StatusCompleted,
		Config:      m.cfg,
		Ticks:       stream.Ticks(),
		Episodes:    []cusum.Episode{},
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		r.Status = StatusCancelled
	default:
		r.Status = StatusFailed
		r.Error = runErr.Error()
	}

	if mu, ok := stream.Baseline(); ok {
		r.summarize(mu, stream.Ticks(), stream.Summary())
	}
	if tick, ok := stream.State().FirstDetection(); ok {
		r.setDetection(tick)
	}
	if m.surge != nil {
		r.WithSurge(m.surge.Start, m.surge.End)
	}
	return r
}

func (m *Monitor) publish(ctx context.Context, topic string, payload any) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, plugin.Event{
		Topic:   topic,
		Source:  "flood",
		Payload: payload,
	})
}
