package flood

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
	"github.com/HerbHall/floodwatch/internal/traffic"
	"github.com/HerbHall/floodwatch/pkg/plugin"
	"github.com/HerbHall/floodwatch/pkg/roles"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
	_ roles.Detector       = (*Module)(nil)
)

var (
	// ErrTooManyMonitors is returned when max_monitors runs are active.
	ErrTooManyMonitors = errors.New("too many active monitors")
	// ErrNotStarted is returned when monitors are requested before Start.
	ErrNotStarted = errors.New("flood module not started")
)

// Module implements the flood detection plugin: batch analyses, streaming
// monitors and the report ledger.
type Module struct {
	logger *zap.Logger
	cfg    FloodConfig
	store  *ReportStore
	bus    plugin.EventBus

	mu       sync.RWMutex
	monitors map[string]*Monitor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new flood plugin instance.
func New() *Module {
	return &Module{
		monitors: make(map[string]*Monitor),
		logger:   zap.NewNop(),
		cfg:      DefaultConfig(),
	}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "flood",
		Version:     "0.1.0",
		Description: "CUSUM flood and DoS detection",
		Roles:       []string{roles.RoleDetector},
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	if deps.Logger != nil {
		m.logger = deps.Logger
	}

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal flood config: %w", err)
		}
	}
	if err := m.cfg.Validate(); err != nil {
		return fmt.Errorf("flood config: %w", err)
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "flood", migrations()); err != nil {
			return fmt.Errorf("flood migrations: %w", err)
		}
		m.store = NewReportStore(deps.Store.DB())
	}
	m.bus = deps.Bus

	d := m.cfg.Detector
	m.logger.Info("flood module initialized",
		zap.Float64("sampling_rate", d.SamplingRate),
		zap.Duration("warmup", d.Warmup),
		zap.Duration("window", d.Window),
		zap.Float64("fixed_threshold", d.FixedThreshold),
		zap.Float64("multiplier", d.Multiplier),
		zap.String("window_policy", d.WindowPolicy),
		zap.Bool("persistence", m.store != nil),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()
	m.startMaintenance()
	m.logger.Info("flood module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Info("flood module stopped")
	return nil
}

// Config returns the effective module configuration.
func (m *Module) Config() FloodConfig {
	return m.cfg
}

// -- plugin.HealthChecker --

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	details := map[string]string{
		"active_monitors": strconv.Itoa(m.ActiveMonitors()),
		"persistence":     strconv.FormatBool(m.store != nil),
	}
	if m.store == nil {
		return plugin.HealthStatus{Status: "healthy", Details: details}
	}

	n, err := m.store.CountReports(ctx)
	if err != nil {
		return plugin.HealthStatus{
			Status:  "degraded",
			Message: "report store unavailable",
			Details: details,
		}
	}
	details["reports_stored"] = strconv.Itoa(n)
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

// -- Batch analysis --

// Analyze runs a batch analysis over samples, persists the report and
// publishes it on TopicRunCompleted.
func (m *Module) Analyze(ctx context.Context, name, source string, cfg cusum.Config, samples []float64) (*Report, *cusum.Analysis, error) {
	started := time.Now()
	a, err := cusum.Analyze(cfg, samples)
	if err != nil {
		return nil, nil, err
	}
	analyzeDuration.Observe(time.Since(started).Seconds())

	r := NewBatchReport(name, source, a, started)
	m.finishBatch(ctx, r)
	return r, a, nil
}

// AnalyzeFleet runs independent batch analyses over several named streams in
// parallel and returns one report per stream.
func (m *Module) AnalyzeFleet(ctx context.Context, cfg cusum.Config, streams map[string][]float64) (map[string]*Report, error) {
	started := time.Now()
	results, err := cusum.AnalyzeAll(ctx, cfg, streams, m.cfg.AnalysisWorkers)
	if err != nil {
		return nil, err
	}
	analyzeDuration.Observe(time.Since(started).Seconds())

	reports := make(map[string]*Report, len(results))
	for name, a := range results {
		r := NewBatchReport(name, "samples", a, started)
		m.finishBatch(ctx, r)
		reports[name] = r
	}
	return reports, nil
}

func (m *Module) finishBatch(ctx context.Context, r *Report) {
	observeReport(r)
	m.persistReport(ctx, r)
	if r.Detected {
		m.logger.Info("flood detected in batch",
			zap.String("name", r.Name),
			zap.Int("tick", *r.FirstDetectionTick),
			zap.Int("episodes", len(r.Episodes)),
		)
	}
	if m.bus != nil {
		_ = m.bus.Publish(ctx, plugin.Event{Topic: TopicRunCompleted, Source: "flood", Payload: r})
	}
}

// persistReport stores r if persistence is enabled and returns its ID, or ""
// when the report was not stored.
func (m *Module) persistReport(ctx context.Context, r *Report) string {
	if m.store == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.InsertReport(ctx, r); err != nil {
		m.logger.Warn("failed to store report", zap.String("report_id", r.ID), zap.Error(err))
		return ""
	}
	return r.ID
}

// -- Streaming monitors --

// NewSimulatedSpec builds a monitor over the traffic simulator using the
// module's simulation settings. A non-zero seed overrides the configured one.
func (m *Module) NewSimulatedSpec(name string, cfg cusum.Config, seed uint64, realtime bool) (MonitorSpec, error) {
	if cfg.RunLength <= 0 {
		return MonitorSpec{}, fmt.Errorf("simulated monitors need a positive run_length")
	}
	simCfg := m.cfg.Simulation
	if seed != 0 {
		simCfg.Seed = seed
	}
	sim, err := traffic.NewSimulator(simCfg, cfg)
	if err != nil {
		return MonitorSpec{}, err
	}
	var src cusum.Source = sim
	if realtime {
		src = traffic.NewPaced(sim, cfg.SamplingRate)
	}
	return MonitorSpec{
		Name:       name,
		Config:     cfg,
		Source:     src,
		SourceName: "simulator",
		Surge:      &SurgeWindow{Start: sim.SurgeStart(), End: sim.SurgeEnd()},
	}, nil
}

// StartMonitor launches a streaming run. It fails with ErrTooManyMonitors
// when max_monitors runs are already active.
func (m *Module) StartMonitor(spec MonitorSpec) (*Monitor, error) {
	if spec.Source == nil {
		return nil, errors.New("monitor source is required")
	}
	if err := spec.Config.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return nil, ErrNotStarted
	}
	if m.activeCountLocked() >= m.cfg.MaxMonitors {
		return nil, ErrTooManyMonitors
	}

	mon := newMonitor(spec, m.bus, m.logger, m.cfg.TickEvents, func(r *Report) string {
		return m.persistReport(m.ctx, r)
	})
	if err := mon.start(m.ctx, &m.wg); err != nil {
		return nil, err
	}
	m.monitors[mon.ID()] = mon
	return mon, nil
}

// Monitor returns the monitor with the given ID.
func (m *Module) Monitor(id string) (*Monitor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mon, ok := m.monitors[id]
	return mon, ok
}

// Monitors returns status snapshots of all known monitors, oldest first.
func (m *Module) Monitors() []MonitorStatus {
	m.mu.RLock()
	out := make([]MonitorStatus, 0, len(m.monitors))
	for _, mon := range m.monitors {
		out = append(out, mon.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CancelMonitor stops a running monitor. It reports whether the monitor exists.
func (m *Module) CancelMonitor(id string) bool {
	mon, ok := m.Monitor(id)
	if !ok {
		return false
	}
	mon.Cancel()
	return true
}

// ActiveMonitors implements roles.Detector.
func (m *Module) ActiveMonitors() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCountLocked()
}

func (m *Module) activeCountLocked() int {
	n := 0
	for _, mon := range m.monitors {
		if !mon.Status().Finished() {
			n++
		}
	}
	return n
}
