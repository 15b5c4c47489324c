package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/floodwatch/internal/flood"
	"github.com/HerbHall/floodwatch/pkg/plugin"
	"github.com/HerbHall/floodwatch/pkg/plugin/plugintest"
	"go.uber.org/zap"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() })
}

func TestInfo_DependsOnFlood(t *testing.T) {
	info := New().Info()
	if len(info.Dependencies) != 1 || info.Dependencies[0] != "flood" {
		t.Errorf("Dependencies = %v, want [flood]", info.Dependencies)
	}
}

func TestSubscriptions_ReturnsExpectedTopics(t *testing.T) {
	m := New()
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop()}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	subs := m.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("Subscriptions() returned %d, want 2", len(subs))
	}

	topics := make(map[string]bool)
	for _, s := range subs {
		topics[s.Topic] = true
	}
	for _, topic := range []string{flood.TopicDetected, flood.TopicRunCompleted} {
		if !topics[topic] {
			t.Errorf("missing subscription for topic %q", topic)
		}
	}
}

func TestHandleEvent_DeliversWebhook(t *testing.T) {
	var mu sync.Mutex
	var received []WebhookPayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "floodwatch-webhook/") {
			t.Errorf("User-Agent = %q, want floodwatch-webhook/*", r.Header.Get("User-Agent"))
		}
		var p WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.Init(context.Background(), plugin.Dependencies{
		Logger: zap.NewNop(),
		Config: &testConfig{values: map[string]any{
			"url":     srv.URL,
			"timeout": 5 * time.Second,
			"enabled": true,
		}},
	})

	m.handleEvent(context.Background(), plugin.Event{
		Topic:     flood.TopicDetected,
		Source:    "flood",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload: flood.DetectionEvent{
			MonitorID: "mon-1", Name: "edge-1", Tick: 1200, Seconds: 20,
			Cumulative: 300, FixedThreshold: 2000,
		},
	})
	_ = m.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d webhooks, want 1", len(received))
	}
	got := received[0]
	if got.Event != flood.TopicDetected {
		t.Errorf("event = %q, want %q", got.Event, flood.TopicDetected)
	}
	if got.Source != "flood" {
		t.Errorf("source = %q, want flood", got.Source)
	}
	if got.Timestamp != "2026-01-01T00:00:00Z" {
		t.Errorf("timestamp = %q", got.Timestamp)
	}
	if !strings.Contains(got.Summary, "edge-1") || !strings.Contains(got.Summary, "tick 1200") {
		t.Errorf("summary = %q", got.Summary)
	}
	data, ok := got.Data.(map[string]any)
	if !ok || data["monitor_id"] != "mon-1" {
		t.Errorf("data = %#v, want detection event with monitor_id mon-1", got.Data)
	}
}

func TestHandleEvent_SkipsWhenDisabled(t *testing.T) {
	var mu sync.Mutex
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		called = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.Init(context.Background(), plugin.Dependencies{
		Logger: zap.NewNop(),
		Config: &testConfig{values: map[string]any{
			"url":     srv.URL,
			"enabled": false,
		}},
	})

	m.handleEvent(context.Background(), plugin.Event{
		Topic:     flood.TopicDetected,
		Source:    "flood",
		Timestamp: time.Now(),
	})
	_ = m.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if called {
		t.Error("expected webhook NOT to be called when disabled")
	}
}

func TestHandleEvent_SkipsWhenNoURL(t *testing.T) {
	m := New()
	m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop()})

	// Should not panic when URL is empty.
	m.handleEvent(context.Background(), plugin.Event{
		Topic:     flood.TopicDetected,
		Source:    "flood",
		Timestamp: time.Now(),
	})
	_ = m.Stop(context.Background())
}

func TestHandleEvent_LogsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New()
	m.Init(context.Background(), plugin.Dependencies{
		Logger: zap.NewNop(),
		Config: &testConfig{values: map[string]any{
			"url": srv.URL,
		}},
	})

	// Should not panic; warning is logged.
	m.handleEvent(context.Background(), plugin.Event{
		Topic:     flood.TopicRunCompleted,
		Source:    "flood",
		Timestamp: time.Now(),
		Payload:   &flood.Report{ID: "r-1", Mode: flood.ModeBatch, Status: flood.StatusCompleted},
	})
	_ = m.Stop(context.Background())
}

func TestHandleEvent_OutlivesCancelledPublisher(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(done)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := New()
	m.Init(context.Background(), plugin.Dependencies{
		Logger: zap.NewNop(),
		Config: &testConfig{values: map[string]any{"url": srv.URL}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.handleEvent(ctx, plugin.Event{Topic: flood.TopicDetected, Timestamp: time.Now()})
	_ = m.Stop(context.Background())

	select {
	case <-done:
	default:
		t.Error("delivery was dropped with the publisher's context")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"", false},
		{"https://hooks.example.com/flood", false},
		{"http://10.0.0.5:9000/alerts", false},
		{"ftp://example.com", true},
		{"/relative/path", true},
		{"://bad", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			m := New()
			m.Init(context.Background(), plugin.Dependencies{
				Logger: zap.NewNop(),
				Config: &testConfig{values: map[string]any{"url": tt.url}},
			})
			if err := m.ValidateConfig(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	first, delay := 1200, 0.25
	tests := []struct {
		name    string
		payload any
		want    []string
	}{
		{
			name:    "detection",
			payload: flood.DetectionEvent{Name: "edge-1", Tick: 1200, Seconds: 20, Cumulative: 2500, FixedThreshold: 2000},
			want:    []string{"edge-1", "tick 1200", "fixed threshold"},
		},
		{
			name:    "quiet run",
			payload: &flood.Report{ID: "r-1", Mode: flood.ModeStream, Status: flood.StatusCompleted, Ticks: 3600},
			want:    []string{"stream run r-1 completed", "no flood detected"},
		},
		{
			name: "detected run",
			payload: &flood.Report{
				Name: "sim", Mode: flood.ModeStream, Status: flood.StatusCompleted, Ticks: 3600,
				Detected: true, FirstDetectionTick: &first, DetectionDelay: &delay,
			},
			want: []string{"first detection at tick 1200", "0.25s after surge start"},
		},
		{
			name:    "unknown",
			payload: 42,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.payload)
			if len(tt.want) == 0 && got != "" {
				t.Errorf("Summarize() = %q, want empty", got)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Summarize() = %q, want it to contain %q", got, w)
				}
			}
		})
	}
}

// testConfig is a minimal plugin.Config for tests.
type testConfig struct {
	values map[string]any
}

func (c *testConfig) Unmarshal(_ any) error { return nil }
func (c *testConfig) Get(key string) any    { return c.values[key] }
func (c *testConfig) GetString(key string) string {
	v, _ := c.values[key].(string)
	return v
}
func (c *testConfig) GetInt(key string) int {
	v, _ := c.values[key].(int)
	return v
}
func (c *testConfig) GetBool(key string) bool {
	v, _ := c.values[key].(bool)
	return v
}
func (c *testConfig) GetDuration(key string) time.Duration {
	v, _ := c.values[key].(time.Duration)
	return v
}
func (c *testConfig) IsSet(key string) bool {
	_, ok := c.values[key]
	return ok
}
func (c *testConfig) Sub(_ string) plugin.Config {
	return &testConfig{values: map[string]any{}}
}
