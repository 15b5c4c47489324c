// Package webhook posts flood detections and run summaries to an HTTP
// endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/HerbHall/floodwatch/internal/flood"
	"github.com/HerbHall/floodwatch/internal/version"
	"github.com/HerbHall/floodwatch/pkg/plugin"
	"github.com/HerbHall/floodwatch/pkg/roles"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.Validator       = (*Module)(nil)
)

var deliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "floodwatch",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(deliveries)
}

// Config holds the webhook plugin configuration.
type Config struct {
	URL     string
	Timeout time.Duration
	Enabled bool
}

// Module implements the Webhook notifier plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	client *http.Client
	wg     sync.WaitGroup
}

// New creates a new Webhook plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "webhook",
		Version:      "0.1.0",
		Description:  "Sends HTTP POST notifications on flood detections and completed runs",
		Dependencies: []string{"flood"},
		Roles:        []string{roles.RoleNotification},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	// Defaults.
	m.cfg = Config{
		Timeout: 10 * time.Second,
		Enabled: true,
	}

	if deps.Config != nil {
		if u := deps.Config.GetString("url"); u != "" {
			m.cfg.URL = u
		}
		if d := deps.Config.GetDuration("timeout"); d > 0 {
			m.cfg.Timeout = d
		}
		if deps.Config.IsSet("enabled") {
			m.cfg.Enabled = deps.Config.GetBool("enabled")
		}
	}

	m.client = &http.Client{Timeout: m.cfg.Timeout}

	if m.cfg.Enabled && m.cfg.URL == "" {
		m.logger.Warn("webhook URL not configured; notifications will be dropped",
			zap.String("component", "webhook"),
		)
	}

	m.logger.Info("webhook module initialized",
		zap.String("url", m.cfg.URL),
		zap.Duration("timeout", m.cfg.Timeout),
		zap.Bool("enabled", m.cfg.Enabled),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	if m.cfg.URL == "" {
		return nil
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return fmt.Errorf("webhook url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook url %q must be an absolute http or https URL", m.cfg.URL)
	}
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("webhook module started")
	return nil
}

// Stop waits for in-flight deliveries.
func (m *Module) Stop(_ context.Context) error {
	m.wg.Wait()
	m.logger.Info("webhook module stopped")
	return nil
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: flood.TopicDetected, Handler: m.handleEvent},
		{Topic: flood.TopicRunCompleted, Handler: m.handleEvent},
	}
}

// WebhookPayload is the JSON body sent to the webhook URL.
type WebhookPayload struct {
	Event     string `json:"event"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	Summary   string `json:"summary"`
	Data      any    `json:"data"`
}

// Summarize renders a one-line human description of a flood event payload.
func Summarize(payload any) string {
	switch p := payload.(type) {
	case flood.DetectionEvent:
		return fmt.Sprintf("flood detected on %s at tick %d (%.2fs): S=%.1f over %s threshold",
			label(p.Name, p.MonitorID), p.Tick, p.Seconds, p.Cumulative, p.TripReason())
	case *flood.Report:
		if !p.Detected {
			return fmt.Sprintf("%s run %s %s after %d ticks, no flood detected",
				p.Mode, label(p.Name, p.ID), p.Status, p.Ticks)
		}
		s := fmt.Sprintf("%s run %s %s after %d ticks, first detection at tick %d",
			p.Mode, label(p.Name, p.ID), p.Status, p.Ticks, *p.FirstDetectionTick)
		if p.DetectionDelay != nil {
			s += fmt.Sprintf(", %.2fs after surge start", *p.DetectionDelay)
		}
		if p.FalseAlarm {
			s += ", before the known surge (false alarm)"
		}
		return s
	default:
		return ""
	}
}

func label(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

// handleEvent queues delivery on its own goroutine so slow endpoints never
// block the publishing monitor.
func (m *Module) handleEvent(ctx context.Context, event plugin.Event) {
	if !m.cfg.Enabled || m.cfg.URL == "" {
		return
	}

	payload := WebhookPayload{
		Event:     event.Topic,
		Source:    event.Source,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Summary:   Summarize(event.Payload),
		Data:      event.Payload,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to marshal webhook payload",
			zap.String("topic", event.Topic),
			zap.Error(err),
		)
		return
	}

	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.send(ctx, body, event.Topic)
	}()
}

func (m *Module) send(ctx context.Context, body []byte, topic string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		deliveries.WithLabelValues("error").Inc()
		m.logger.Error("failed to create webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "floodwatch-webhook/"+version.Short())

	resp, err := m.client.Do(req)
	if err != nil {
		deliveries.WithLabelValues("error").Inc()
		m.logger.Warn("webhook delivery failed",
			zap.String("url", m.cfg.URL),
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		deliveries.WithLabelValues("rejected").Inc()
		m.logger.Warn("webhook endpoint returned error",
			zap.String("url", m.cfg.URL),
			zap.String("topic", topic),
			zap.Int("status_code", resp.StatusCode),
		)
		return
	}

	deliveries.WithLabelValues("delivered").Inc()
	m.logger.Debug("webhook delivered",
		zap.String("topic", topic),
		zap.Int("status_code", resp.StatusCode),
	)
}
