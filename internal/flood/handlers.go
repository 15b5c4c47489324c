package flood

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
	"github.com/HerbHall/floodwatch/internal/traffic"
	"github.com/HerbHall/floodwatch/pkg/plugin"
)

const maxBodyBytes = 64 << 20

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/analyze", Handler: m.handleAnalyze},
		{Method: "POST", Path: "/analyze/fleet", Handler: m.handleAnalyzeFleet},
		{Method: "GET", Path: "/reports", Handler: m.handleListReports},
		{Method: "GET", Path: "/reports/{id}", Handler: m.handleGetReport},
		{Method: "DELETE", Path: "/reports/{id}", Handler: m.handleDeleteReport},
		{Method: "POST", Path: "/monitors", Handler: m.handleStartMonitor},
		{Method: "GET", Path: "/monitors", Handler: m.handleListMonitors},
		{Method: "GET", Path: "/monitors/{id}", Handler: m.handleGetMonitor},
		{Method: "DELETE", Path: "/monitors/{id}", Handler: m.handleCancelMonitor},
	}
}

// DetectorParams overrides individual detector settings for one request.
// Durations use Go syntax ("5s", "500ms").
type DetectorParams struct {
	SamplingRate   *float64 `json:"sampling_rate,omitempty"`
	Warmup         string   `json:"warmup,omitempty"`
	Window         string   `json:"window,omitempty"`
	FixedThreshold *float64 `json:"fixed_threshold,omitempty"`
	Multiplier     *float64 `json:"multiplier,omitempty"`
	WindowPolicy   string   `json:"window_policy,omitempty"`
	RunLength      string   `json:"run_length,omitempty"`
	ResyncEvery    *int     `json:"resync_every,omitempty"`
}

// Apply returns base with the set fields of p replaced, validated.
func (p *DetectorParams) Apply(base cusum.Config) (cusum.Config, error) {
	cfg := base
	if p != nil {
		if p.SamplingRate != nil {
			cfg.SamplingRate = *p.SamplingRate
		}
		if p.FixedThreshold != nil {
			cfg.FixedThreshold = *p.FixedThreshold
		}
		if p.Multiplier != nil {
			cfg.Multiplier = *p.Multiplier
		}
		if p.ResyncEvery != nil {
			cfg.ResyncEvery = *p.ResyncEvery
		}
		if p.WindowPolicy != "" {
			cfg.WindowPolicy = p.WindowPolicy
		}
		for _, d := range []struct {
			field string
			raw   string
			dst   *time.Duration
		}{
			{"warmup", p.Warmup, &cfg.Warmup},
			{"window", p.Window, &cfg.Window},
			{"run_length", p.RunLength, &cfg.RunLength},
		} {
			if d.raw == "" {
				continue
			}
			v, err := time.ParseDuration(d.raw)
			if err != nil {
				return cusum.Config{}, &cusum.ConfigurationError{Field: d.field, Reason: fmt.Sprintf("invalid duration %q", d.raw)}
			}
			*d.dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return cusum.Config{}, err
	}
	return cfg, nil
}

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	Name          string          `json:"name"`
	Samples       []float64       `json:"samples"`
	Detector      *DetectorParams `json:"detector,omitempty"`
	IncludeSeries bool            `json:"include_series"`
}

// Series carries the per-tick series of a batch analysis.
type Series struct {
	Samples    []float64 `json:"samples"`
	Cumulative []float64 `json:"cumulative"`
	Thresholds []float64 `json:"thresholds"`
	Anomalous  []int     `json:"anomalous"`
}

// AnalyzeResponse is the response of POST /analyze.
type AnalyzeResponse struct {
	Report *Report `json:"report"`
	Series *Series `json:"series,omitempty"`
	Stored bool    `json:"stored"`
}

// handleAnalyze runs a batch analysis over posted samples.
func (m *Module) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Samples) > m.cfg.MaxSamples {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("at most %d samples per request", m.cfg.MaxSamples))
		return
	}
	cfg, err := req.Detector.Apply(m.cfg.Detector)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, a, err := m.Analyze(r.Context(), req.Name, "samples", cfg, req.Samples)
	if err != nil {
		writeError(w, analysisStatus(err), err.Error())
		return
	}

	resp := AnalyzeResponse{Report: report, Stored: m.store != nil}
	if req.IncludeSeries {
		anomalous := a.AnomalousTicks()
		if anomalous == nil {
			anomalous = []int{}
		}
		resp.Series = &Series{
			Samples:    a.Samples(),
			Cumulative: a.Cumulative(),
			Thresholds: a.Thresholds(),
			Anomalous:  anomalous,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// FleetRequest is the body of POST /analyze/fleet.
type FleetRequest struct {
	Streams  map[string][]float64 `json:"streams"`
	Detector *DetectorParams      `json:"detector,omitempty"`
}

// handleAnalyzeFleet analyzes several independent streams in parallel.
func (m *Module) handleAnalyzeFleet(w http.ResponseWriter, r *http.Request) {
	var req FleetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Streams) == 0 {
		writeError(w, http.StatusBadRequest, "at least one stream is required")
		return
	}
	for name, samples := range req.Streams {
		if len(samples) > m.cfg.MaxSamples {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("stream %q exceeds %d samples", name, m.cfg.MaxSamples))
			return
		}
	}
	cfg, err := req.Detector.Apply(m.cfg.Detector)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := m.AnalyzeFleet(r.Context(), cfg, req.Streams)
	if err != nil {
		writeError(w, analysisStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// handleListReports returns stored reports, newest first.
func (m *Module) handleListReports(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "report persistence is disabled")
		return
	}

	q := r.URL.Query()
	f := ReportFilter{
		Mode:  Mode(q.Get("mode")),
		Name:  q.Get("name"),
		Limit: parseLimit(r, 50),
	}
	switch f.Mode {
	case "", ModeBatch, ModeStream:
	default:
		writeError(w, http.StatusBadRequest, "mode must be batch or stream")
		return
	}
	if s := q.Get("detected"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "detected must be a boolean")
			return
		}
		f.Detected = &v
	}

	reports, err := m.store.ListReports(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	if reports == nil {
		reports = []Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

// handleGetReport returns one report with its episodes.
func (m *Module) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "report persistence is disabled")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	report, err := m.store.GetReport(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get report")
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleDeleteReport removes a report.
func (m *Module) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "report persistence is disabled")
		return
	}
	deleted, err := m.store.DeleteReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete report")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MonitorRequest is the body of POST /monitors.
type MonitorRequest struct {
	Name     string          `json:"name"`
	Source   string          `json:"source"`            // "simulator" (default) or "samples"
	Samples  []float64       `json:"samples,omitempty"` // Required for source "samples"
	Seed     uint64          `json:"seed,omitempty"`
	Realtime bool            `json:"realtime"` // Pace samples at the sampling rate
	Detector *DetectorParams `json:"detector,omitempty"`
}

// handleStartMonitor starts a streaming run and returns its first snapshot.
func (m *Module) handleStartMonitor(w http.ResponseWriter, r *http.Request) {
	var req MonitorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := req.Detector.Apply(m.cfg.Detector)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var spec MonitorSpec
	switch req.Source {
	case "", "simulator":
		spec, err = m.NewSimulatedSpec(req.Name, cfg, req.Seed, req.Realtime)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case "samples":
		if len(req.Samples) == 0 {
			writeError(w, http.StatusBadRequest, "samples are required for source \"samples\"")
			return
		}
		if len(req.Samples) > m.cfg.MaxSamples {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("at most %d samples per request", m.cfg.MaxSamples))
			return
		}
		if need := cfg.WarmupTicks() + 1; len(req.Samples) < need {
			err := &cusum.InsufficientDataError{Have: len(req.Samples), Need: need}
			writeError(w, analysisStatus(err), err.Error())
			return
		}
		var src cusum.Source = traffic.NewSlice(req.Samples)
		if req.Realtime {
			src = traffic.NewPaced(src, cfg.SamplingRate)
		}
		spec = MonitorSpec{Name: req.Name, Config: cfg, Source: src, SourceName: "samples"}
	default:
		writeError(w, http.StatusBadRequest, "source must be simulator or samples")
		return
	}

	mon, err := m.StartMonitor(spec)
	switch {
	case errors.Is(err, ErrTooManyMonitors):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, mon.Status())
}

// handleListMonitors returns snapshots of running and recently finished monitors.
func (m *Module) handleListMonitors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.Monitors())
}

// handleGetMonitor returns the snapshot of one monitor.
func (m *Module) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	mon, ok := m.Monitor(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "monitor not found")
		return
	}
	writeJSON(w, http.StatusOK, mon.Status())
}

// handleCancelMonitor stops a running monitor. Its report is still written.
func (m *Module) handleCancelMonitor(w http.ResponseWriter, r *http.Request) {
	mon, ok := m.Monitor(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "monitor not found")
		return
	}
	mon.Cancel()
	writeJSON(w, http.StatusAccepted, mon.Status())
}

// -- helpers --

// analysisStatus maps engine errors to HTTP status codes.
func analysisStatus(err error) int {
	switch {
	case errors.Is(err, cusum.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, cusum.ErrInvalidSample), errors.Is(err, cusum.ErrConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://floodwatch.dev/problems/" + http.StatusText(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

func parseLimit(r *http.Request, defaultLimit int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultLimit
}
