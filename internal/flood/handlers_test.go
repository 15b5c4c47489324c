package flood

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HerbHall/floodwatch/internal/flood/cusum"
	"github.com/HerbHall/floodwatch/internal/testutil"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestRoutes(t *testing.T) {
	routes := New().Routes()
	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		key := r.Method + " " + r.Path
		assert.False(t, seen[key], "duplicate route %s", key)
		seen[key] = true
		assert.NotNil(t, r.Handler, key)
	}
	for _, want := range []string{"POST /analyze", "GET /reports/{id}", "DELETE /monitors/{id}"} {
		assert.True(t, seen[want], "missing route %s", want)
	}
}

func TestDetectorParams_Apply(t *testing.T) {
	base := cusum.DefaultConfig()

	t.Run("nil keeps base", func(t *testing.T) {
		var p *DetectorParams
		cfg, err := p.Apply(base)
		require.NoError(t, err)
		assert.Equal(t, base, cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		k, rate := 3.0, 10.0
		p := &DetectorParams{Multiplier: &k, SamplingRate: &rate, Warmup: "2s", WindowPolicy: "full"}
		cfg, err := p.Apply(base)
		require.NoError(t, err)
		assert.Equal(t, 3.0, cfg.Multiplier)
		assert.Equal(t, 10.0, cfg.SamplingRate)
		assert.Equal(t, 2*time.Second, cfg.Warmup)
		assert.Equal(t, cusum.PolicyFull, cfg.WindowPolicy)
		assert.Equal(t, base.Window, cfg.Window)
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := (&DetectorParams{Window: "soon"}).Apply(base)
		assert.ErrorIs(t, err, cusum.ErrConfiguration)
	})

	t.Run("invalid result", func(t *testing.T) {
		k := -2.0
		_, err := (&DetectorParams{Multiplier: &k}).Apply(base)
		assert.ErrorIs(t, err, cusum.ErrConfiguration)
	})
}

func TestHandleAnalyze(t *testing.T) {
	env := newTestEnv(t, false, nil)

	body := jsonBody(t, AnalyzeRequest{
		Name:          "edge-1",
		Samples:       traceSamples,
		IncludeSeries: true,
		Detector: &DetectorParams{
			SamplingRate:   ptr(1.0),
			Warmup:         "3s",
			Window:         "2s",
			FixedThreshold: ptr(1000.0),
			Multiplier:     ptr(1.0),
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	w := httptest.NewRecorder()
	env.module.handleAnalyze(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[AnalyzeResponse](t, w)
	assert.True(t, resp.Stored)
	require.NotNil(t, resp.Report)
	assert.Equal(t, 4, *resp.Report.FirstDetectionTick)
	require.NotNil(t, resp.Series)
	assert.Equal(t, []float64{0, 0, 0, 0, 5, 7, 7, 27}, resp.Series.Cumulative)
	assert.Equal(t, []int{4, 5, 7}, resp.Series.Anomalous)
	assert.Len(t, resp.Series.Thresholds, len(traceSamples))
}

func TestHandleAnalyze_Errors(t *testing.T) {
	env := newTestEnv(t, false, func(v *viper.Viper) { v.Set("max_samples", 5000) })

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"samples": [1, 2`, http.StatusBadRequest},
		{"too few samples", `{"samples": [1, 2, 3]}`, http.StatusUnprocessableEntity},
		{"negative sample", `{"samples": [1, 2, -3], "detector": {"sampling_rate": 1, "warmup": "1s", "window": "1s"}}`, http.StatusBadRequest},
		{"bad detector", `{"samples": [1], "detector": {"window_policy": "sliding"}}`, http.StatusBadRequest},
		{"too many samples", `{"samples": [` + strings.Repeat("1,", 5000) + `1]}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			env.module.handleAnalyze(w, req)

			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		})
	}
}

func TestHandleAnalyzeFleet(t *testing.T) {
	env := newTestEnv(t, false, nil)

	body := jsonBody(t, FleetRequest{Streams: map[string][]float64{
		"a": testutil.NewSamples(),
		"b": testutil.NewSamples(testutil.WithSurge(1200, 30, 4)),
	}})
	req := httptest.NewRequest(http.MethodPost, "/analyze/fleet", body)
	w := httptest.NewRecorder()
	env.module.handleAnalyzeFleet(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]Report](t, w)
	require.Len(t, got, 2)
	assert.False(t, got["a"].Detected)
	assert.True(t, got["b"].Detected)

	req = httptest.NewRequest(http.MethodPost, "/analyze/fleet", strings.NewReader(`{"streams": {}}`))
	w = httptest.NewRecorder()
	env.module.handleAnalyzeFleet(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleReports(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()
	cfg := env.module.Config().Detector

	quiet, _, err := env.module.Analyze(ctx, "quiet", "samples", cfg, testutil.NewSamples())
	require.NoError(t, err)
	loud, _, err := env.module.Analyze(ctx, "loud", "samples", cfg, testutil.NewSamples(testutil.WithSurge(1200, 30, 4)))
	require.NoError(t, err)

	t.Run("list all", func(t *testing.T) {
		w := httptest.NewRecorder()
		env.module.handleListReports(w, httptest.NewRequest(http.MethodGet, "/reports", http.NoBody))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[[]Report](t, w), 2)
	})

	t.Run("list detected", func(t *testing.T) {
		w := httptest.NewRecorder()
		env.module.handleListReports(w, httptest.NewRequest(http.MethodGet, "/reports?detected=true", http.NoBody))
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[[]Report](t, w)
		require.Len(t, got, 1)
		assert.Equal(t, loud.ID, got[0].ID)
	})

	t.Run("list bad filters", func(t *testing.T) {
		for _, q := range []string{"?mode=live", "?detected=maybe"} {
			w := httptest.NewRecorder()
			env.module.handleListReports(w, httptest.NewRequest(http.MethodGet, "/reports"+q, http.NoBody))
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})

	t.Run("get", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/reports/"+loud.ID, http.NoBody)
		req.SetPathValue("id", loud.ID)
		w := httptest.NewRecorder()
		env.module.handleGetReport(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[Report](t, w)
		assert.Equal(t, "loud", got.Name)
		assert.NotEmpty(t, got.Episodes)
	})

	t.Run("get missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/reports/nope", http.NoBody)
		req.SetPathValue("id", "nope")
		w := httptest.NewRecorder()
		env.module.handleGetReport(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/reports/"+quiet.ID, http.NoBody)
		req.SetPathValue("id", quiet.ID)
		w := httptest.NewRecorder()
		env.module.handleDeleteReport(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = httptest.NewRecorder()
		env.module.handleDeleteReport(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleReports_NoStore(t *testing.T) {
	m := New()
	w := httptest.NewRecorder()
	m.handleListReports(w, httptest.NewRequest(http.MethodGet, "/reports", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleMonitors(t *testing.T) {
	env := newTestEnv(t, true, nil)

	body := jsonBody(t, MonitorRequest{
		Name:    "edge-1",
		Source:  "samples",
		Samples: testutil.NewSamples(testutil.WithSurge(1200, 30, 4)),
	})
	w := httptest.NewRecorder()
	env.module.handleStartMonitor(w, httptest.NewRequest(http.MethodPost, "/monitors", body))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	started := decode[MonitorStatus](t, w)
	require.NotEmpty(t, started.ID)

	mon, ok := env.module.Monitor(started.ID)
	require.True(t, ok)
	waitDone(t, mon)

	req := httptest.NewRequest(http.MethodGet, "/monitors/"+started.ID, http.NoBody)
	req.SetPathValue("id", started.ID)
	w = httptest.NewRecorder()
	env.module.handleGetMonitor(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[MonitorStatus](t, w)
	assert.Equal(t, StatusCompleted, st.Status)
	require.NotNil(t, st.FirstDetectionTick)
	assert.Equal(t, 1200, *st.FirstDetectionTick)

	w = httptest.NewRecorder()
	env.module.handleListMonitors(w, httptest.NewRequest(http.MethodGet, "/monitors", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]MonitorStatus](t, w), 1)
}

func TestHandleStartMonitor_Simulator(t *testing.T) {
	env := newTestEnv(t, true, nil)

	w := httptest.NewRecorder()
	env.module.handleStartMonitor(w, httptest.NewRequest(http.MethodPost, "/monitors",
		strings.NewReader(`{"name": "sim", "seed": 42}`)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	st := decode[MonitorStatus](t, w)
	assert.Equal(t, "simulator", st.Source)
	require.NotNil(t, st.SurgeStartTick)

	mon, ok := env.module.Monitor(st.ID)
	require.True(t, ok)
	waitDone(t, mon)
}

func TestHandleStartMonitor_Errors(t *testing.T) {
	env := newTestEnv(t, true, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown source", `{"source": "pcap"}`, http.StatusBadRequest},
		{"samples missing", `{"source": "samples"}`, http.StatusBadRequest},
		{"samples end during warm-up", `{"source": "samples", "samples": [1, 2, 3]}`, http.StatusUnprocessableEntity},
		{"unbounded simulation", `{"detector": {"run_length": "0s"}}`, http.StatusBadRequest},
		{"simulation ends before surge window", `{"detector": {"run_length": "8s"}}`, http.StatusBadRequest},
		{"bad detector", `{"detector": {"warmup": "-1s"}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.module.handleStartMonitor(w, httptest.NewRequest(http.MethodPost, "/monitors", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandleStartMonitor_NotStarted(t *testing.T) {
	env := newTestEnv(t, false, nil)

	w := httptest.NewRecorder()
	env.module.handleStartMonitor(w, httptest.NewRequest(http.MethodPost, "/monitors", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleCancelMonitor(t *testing.T) {
	env := newTestEnv(t, true, nil)

	mon, err := env.module.StartMonitor(MonitorSpec{Config: env.module.Config().Detector, Source: blockingSource{}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/monitors/"+mon.ID(), http.NoBody)
	req.SetPathValue("id", mon.ID())
	w := httptest.NewRecorder()
	env.module.handleCancelMonitor(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	waitDone(t, mon)
	assert.Equal(t, StatusCancelled, mon.Status().Status)

	req = httptest.NewRequest(http.MethodDelete, "/monitors/nope", http.NoBody)
	req.SetPathValue("id", "nope")
	w = httptest.NewRecorder()
	env.module.handleCancelMonitor(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
