// Package mqtt publishes flood detections and run summaries to an MQTT
// broker, with optional Home Assistant auto-discovery per stream.
package mqtt

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/HerbHall/floodwatch/internal/flood"
	"github.com/HerbHall/floodwatch/pkg/plugin"
	"github.com/HerbHall/floodwatch/pkg/roles"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
)

// publisher is the subset of pahomqtt.Client the module uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

var _ publisher = pahomqtt.Client(nil)

// Module implements the MQTT publisher plugin. It subscribes to flood events
// on the event bus and publishes them to an MQTT broker.
type Module struct {
	logger *zap.Logger
	cfg    Config
	client publisher
	mu     sync.RWMutex

	announced map[string]bool // Streams with published HA discovery configs
}

// New creates a new MQTT publisher plugin instance.
func New() *Module {
	return &Module{announced: make(map[string]bool)}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "mqtt",
		Version:      "0.1.0",
		Description:  "Publishes flood detections and run summaries to an MQTT broker",
		Dependencies: []string{"flood"},
		Roles:        []string{roles.RoleNotification, roles.RoleIntegration},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.cfg = DefaultConfig()

	if deps.Config != nil {
		if deps.Config.IsSet("enabled") {
			m.cfg.Enabled = deps.Config.GetBool("enabled")
		}
		if u := deps.Config.GetString("broker_url"); u != "" {
			m.cfg.BrokerURL = u
		}
		if u := deps.Config.GetString("username"); u != "" {
			m.cfg.Username = u
		}
		if p := deps.Config.GetString("password"); p != "" {
			m.cfg.Password = p
		}
		if c := deps.Config.GetString("client_id"); c != "" {
			m.cfg.ClientID = c
		}
		if t := deps.Config.GetString("topic_prefix"); t != "" {
			m.cfg.TopicPrefix = t
		}
		if deps.Config.IsSet("qos") {
			m.cfg.QoS = byte(deps.Config.GetInt("qos"))
		}
		if deps.Config.IsSet("retain") {
			m.cfg.Retain = deps.Config.GetBool("retain")
		}
		if d := deps.Config.GetDuration("timeout"); d > 0 {
			m.cfg.Timeout = d
		}
		if deps.Config.IsSet("ha_discovery") {
			m.cfg.HADiscovery = deps.Config.GetBool("ha_discovery")
		}
		if p := deps.Config.GetString("ha_discovery_prefix"); p != "" {
			m.cfg.HADiscoveryPrefix = p
		}
	}
	if m.cfg.QoS > 2 {
		m.cfg.QoS = 1
	}

	if m.cfg.Enabled && m.cfg.BrokerURL == "" {
		m.logger.Warn("MQTT broker URL not configured; events will be dropped",
			zap.String("component", "mqtt"),
		)
	}

	m.logger.Info("mqtt module initialized",
		zap.Bool("enabled", m.cfg.Enabled),
		zap.String("broker_url", m.cfg.BrokerURL),
		zap.String("client_id", m.cfg.ClientID),
		zap.String("topic_prefix", m.cfg.TopicPrefix),
		zap.Uint8("qos", m.cfg.QoS),
		zap.Bool("ha_discovery", m.cfg.HADiscovery),
	)
	return nil
}

// active reports whether the module should talk to a broker at all.
func (m *Module) active() bool {
	return m.cfg.Enabled && m.cfg.BrokerURL != ""
}

func (m *Module) Start(_ context.Context) error {
	if !m.active() {
		m.logger.Info("mqtt module started (no-op: no broker configured)")
		return nil
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(m.cfg.BrokerURL).
		SetClientID(m.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(m.cfg.Timeout).
		SetOnConnectHandler(func(pahomqtt.Client) {
			// Discovery configs are retained by the broker, but a broker
			// restart may lose them; announce again after every connect.
			m.mu.Lock()
			m.announced = make(map[string]bool)
			m.mu.Unlock()
		})

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password) //nolint:gosec // G101: config field
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()

	switch {
	case !token.WaitTimeout(m.cfg.Timeout):
		m.logger.Warn("mqtt connection timed out; will reconnect in background")
	case token.Error() != nil:
		m.logger.Warn("mqtt connection failed; will reconnect in background",
			zap.Error(token.Error()),
		)
	default:
		m.logger.Info("mqtt connected to broker",
			zap.String("broker_url", m.cfg.BrokerURL),
		)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.logger.Info("mqtt disconnected")
	}
	return nil
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: flood.TopicDetected, Handler: m.publishEvent},
		{Topic: flood.TopicRunCompleted, Handler: m.publishEvent},
	}
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if !m.active() {
		return plugin.HealthStatus{
			Status:  "healthy",
			Message: "no broker configured (no-op mode)",
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil || !m.client.IsConnected() {
		return plugin.HealthStatus{
			Status:  "degraded",
			Message: "not connected to MQTT broker",
		}
	}
	return plugin.HealthStatus{
		Status:  "healthy",
		Message: "connected to " + m.cfg.BrokerURL,
	}
}

// mqttTopicFromEvent maps an event bus topic to an MQTT topic path.
func (m *Module) mqttTopicFromEvent(eventTopic string) string {
	switch eventTopic {
	case flood.TopicDetected:
		return m.cfg.TopicPrefix + "/flood/detected"
	case flood.TopicRunCompleted:
		return m.cfg.TopicPrefix + "/flood/completed"
	default:
		return m.cfg.TopicPrefix + "/unknown"
	}
}

func (m *Module) publishEvent(_ context.Context, event plugin.Event) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		m.logger.Warn("failed to marshal MQTT payload",
			zap.String("topic", event.Topic),
			zap.Error(err),
		)
		return
	}

	mqttTopic := m.mqttTopicFromEvent(event.Topic)
	if !m.publish(client, mqttTopic, m.cfg.Retain, payload) {
		return
	}
	m.logger.Debug("mqtt event published",
		zap.String("mqtt_topic", mqttTopic),
		zap.String("event_topic", event.Topic),
	)

	if m.cfg.HADiscovery {
		m.publishHAForEvent(client, event)
	}
}

// publishHAForEvent announces the stream to Home Assistant on first sight and
// updates its state topics.
func (m *Module) publishHAForEvent(client publisher, event plugin.Event) {
	switch p := event.Payload.(type) {
	case flood.DetectionEvent:
		stream := streamKey(p.Name, p.MonitorID)
		m.announce(client, stream)
		m.publish(client, streamTopics(m.cfg.TopicPrefix, stream).Flood, true, []byte("ON"))

	case *flood.Report:
		stream := streamKey(p.Name, p.MonitorID)
		if stream == "" {
			stream = p.ID
		}
		m.announce(client, stream)
		topics := streamTopics(m.cfg.TopicPrefix, stream)
		state := "OFF"
		if p.Detected {
			state = "ON"
		}
		m.publish(client, topics.Flood, true, []byte(state))
		m.publish(client, topics.Peak, true, []byte(formatFloat(p.PeakCumulative)))
		if p.DetectionDelay != nil {
			m.publish(client, topics.Delay, true, []byte(formatFloat(*p.DetectionDelay)))
		}
	}
}

// announce publishes the HA discovery configs for stream once per connection.
func (m *Module) announce(client publisher, stream string) {
	m.mu.Lock()
	seen := m.announced[stream]
	m.announced[stream] = true
	m.mu.Unlock()
	if seen {
		return
	}

	for _, cfg := range BuildStreamDiscoveryConfigs(stream, m.cfg.TopicPrefix, m.cfg.HADiscoveryPrefix) {
		// Discovery configs are always retained so HA picks them up on restart.
		if m.publish(client, cfg.Topic, true, cfg.Payload) {
			m.logger.Debug("ha discovery published", zap.String("topic", cfg.Topic))
		}
	}
}

// publish sends one message and waits for the broker acknowledgement.
func (m *Module) publish(client publisher, topic string, retain bool, payload []byte) bool {
	token := client.Publish(topic, m.cfg.QoS, retain, payload)
	if !token.WaitTimeout(m.cfg.Timeout) {
		m.logger.Warn("mqtt publish timed out", zap.String("mqtt_topic", topic))
		return false
	}
	if token.Error() != nil {
		m.logger.Warn("mqtt publish failed",
			zap.String("mqtt_topic", topic),
			zap.Error(token.Error()),
		)
		return false
	}
	return true
}

func streamKey(name, monitorID string) string {
	if name != "" {
		return name
	}
	return monitorID
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
