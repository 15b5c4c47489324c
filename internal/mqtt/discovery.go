package mqtt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/HerbHall/floodwatch/internal/version"
)

// nonAlphanumeric matches any character that is not alphanumeric or underscore.
var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// DiscoveryConfig holds a single HA MQTT discovery payload.
type DiscoveryConfig struct {
	Topic   string // Full MQTT topic (homeassistant/...)
	Payload []byte // JSON-encoded config (empty = remove)
	Retain  bool   // Discovery configs should always be retained
}

// HADevice is the "device" block in HA discovery payloads.
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// BinarySensorConfig is the HA discovery payload for binary_sensor.
type BinarySensorConfig struct {
	Name        string   `json:"name"`
	ObjectID    string   `json:"object_id"`
	UniqueID    string   `json:"unique_id"`
	StateTopic  string   `json:"state_topic"`
	DeviceClass string   `json:"device_class,omitempty"`
	PayloadOn   string   `json:"payload_on"`
	PayloadOff  string   `json:"payload_off"`
	Device      HADevice `json:"device"`
	Icon        string   `json:"icon,omitempty"`
}

// SensorConfig is the HA discovery payload for sensor.
type SensorConfig struct {
	Name              string   `json:"name"`
	ObjectID          string   `json:"object_id"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            HADevice `json:"device"`
}

// SafeObjectID sanitizes a string for use as an HA object_id.
// Replaces any non-alphanumeric character (except underscore) with underscore,
// lowercases, and trims leading/trailing underscores.
func SafeObjectID(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumeric.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// StreamTopics are the state topics of one monitored stream.
type StreamTopics struct {
	Flood string // "ON" while the last run of the stream detected a flood
	Delay string // Detection delay in seconds against the known surge
	Peak  string // Peak cumulative sum of the last run
}

// streamTopics returns the state topics for a stream key.
func streamTopics(topicPrefix, stream string) StreamTopics {
	base := topicPrefix + "/stream/" + SafeObjectID(stream)
	return StreamTopics{
		Flood: base + "/flood",
		Delay: base + "/detection_delay",
		Peak:  base + "/peak_cumulative",
	}
}

// buildHADevice creates the HA device block for a monitored stream.
func buildHADevice(stream string) HADevice {
	return HADevice{
		Identifiers:  []string{"floodwatch_" + SafeObjectID(stream)},
		Name:         stream,
		Model:        "CUSUM flood detector",
		Manufacturer: "floodwatch",
		SWVersion:    version.Short(),
	}
}

// BuildStreamDiscoveryConfigs creates HA discovery config payloads for a
// stream: a flood binary_sensor, a detection delay sensor and a peak
// cumulative sum sensor.
func BuildStreamDiscoveryConfigs(stream, topicPrefix, haPrefix string) []DiscoveryConfig {
	if stream == "" {
		return nil
	}

	safeID := SafeObjectID(stream)
	haDevice := buildHADevice(stream)
	topics := streamTopics(topicPrefix, stream)

	entities := []struct {
		component string
		key       string
		cfg       any
	}{
		{"binary_sensor", "flood", BinarySensorConfig{
			Name:        stream + " Flood",
			ObjectID:    "floodwatch_" + safeID + "_flood",
			UniqueID:    "floodwatch_" + safeID + "_flood",
			StateTopic:  topics.Flood,
			DeviceClass: "problem",
			PayloadOn:   "ON",
			PayloadOff:  "OFF",
			Icon:        "mdi:waves-arrow-up",
			Device:      haDevice,
		}},
		{"sensor", "detection_delay", SensorConfig{
			Name:              stream + " Detection Delay",
			ObjectID:          "floodwatch_" + safeID + "_detection_delay",
			UniqueID:          "floodwatch_" + safeID + "_detection_delay",
			StateTopic:        topics.Delay,
			UnitOfMeasurement: "s",
			StateClass:        "measurement",
			Icon:              "mdi:timer-alert-outline",
			Device:            haDevice,
		}},
		{"sensor", "peak_cumulative", SensorConfig{
			Name:       stream + " Peak CUSUM",
			ObjectID:   "floodwatch_" + safeID + "_peak_cumulative",
			UniqueID:   "floodwatch_" + safeID + "_peak_cumulative",
			StateTopic: topics.Peak,
			StateClass: "measurement",
			Icon:       "mdi:chart-bell-curve-cumulative",
			Device:     haDevice,
		}},
	}

	configs := make([]DiscoveryConfig, 0, len(entities))
	for _, e := range entities {
		payload, err := json.Marshal(e.cfg)
		if err != nil {
			continue
		}
		configs = append(configs, DiscoveryConfig{
			Topic:   fmt.Sprintf("%s/%s/floodwatch_%s/%s/config", haPrefix, e.component, safeID, e.key),
			Payload: payload,
			Retain:  true,
		})
	}
	return configs
}
