package mqtt

import (
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"

	"sensormon/internal/sensor"
)

// DeviceInfo contains device information for grouping in Home Assistant
type DeviceInfo struct {
	Identifiers  []string
	Name         string
	Model        string
	Manufacturer string
}

// DiscoveryConfig describes one Home Assistant sensor entity (one measurement channel)
type DiscoveryConfig struct {
	EntityID          string
	Name              string
	Unit              string
	StateTopic        string
	ValueTemplate     string
	DeviceClass       string
	StateClass        string
	AvailabilityTopic string
	DeviceInfo        *DeviceInfo
}

// DiscoveryManager manages Home Assistant MQTT Discovery
type DiscoveryManager struct {
	mqttClient Transport
	publisher  *Publisher
	logger     *log.Logger

	// channel set last announced per sensor
	announced map[string]string
	mu        sync.Mutex
}

// NewDiscoveryManager creates a new DiscoveryManager instance
func NewDiscoveryManager(client Transport, publisher *Publisher, logger *log.Logger) *DiscoveryManager {
	return &DiscoveryManager{
		mqttClient: client,
		publisher:  publisher,
		logger:     logger,
		announced:  make(map[string]string),
	}
}

// ShouldAnnounce reports whether the channel set of a sensor changed since the last announcement
func (d *DiscoveryManager) ShouldAnnounce(sensorID string, channels []string) bool {
	key := channelKey(channels)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.announced[sensorID] == key {
		return false
	}
	d.announced[sensorID] = key
	return true
}

// Forget drops the announcement state of a sensor (after removal or reconfiguration)
func (d *DiscoveryManager) Forget(sensorID string) {
	d.mu.Lock()
	delete(d.announced, sensorID)
	d.mu.Unlock()
}

// AnnounceReading publishes discovery configs for every channel of a reading
// the first time a sensor's channel set is seen
func (d *DiscoveryManager) AnnounceReading(cfg sensor.Config, r sensor.Reading) {
	if !d.mqttClient.IsConnected() {
		return
	}

	channels := make([]string, 0, len(r.Values))
	for c := range r.Values {
		channels = append(channels, c)
	}
	sort.Strings(channels)

	if !d.ShouldAnnounce(cfg.ID, channels) {
		return
	}

	device := &DeviceInfo{
		Identifiers:  []string{"sensormon_" + SanitizeID(cfg.ID)},
		Name:         cfg.ID,
		Model:        string(cfg.Type),
		Manufacturer: "sensormon",
	}

	configs := make([]*DiscoveryConfig, 0, len(channels))
	for _, c := range channels {
		configs = append(configs, &DiscoveryConfig{
			EntityID:          SanitizeID(cfg.ID + "_" + c),
			Name:              cfg.ID + " " + c,
			Unit:              unitFor(c),
			StateTopic:        d.publisher.StateTopic(cfg.ID),
			ValueTemplate:     "{{ value_json.values['" + c + "'] }}",
			DeviceClass:       deviceClassFor(c),
			StateClass:        "measurement",
			AvailabilityTopic: d.publisher.AvailabilityTopic(cfg.ID),
			DeviceInfo:        device,
		})
	}

	d.PublishMultipleDiscoveryConfigs(configs)
}

// PublishDiscoveryConfig publishes discovery config for a single entity
func (d *DiscoveryManager) PublishDiscoveryConfig(cfg *DiscoveryConfig) error {
	if cfg == nil {
		return nil
	}

	configJSON, err := d.generateDiscoveryConfig(cfg)
	if err != nil {
		return err
	}

	// Topic: homeassistant/sensor/{node}/{entity_id}/config
	discoveryTopic := "homeassistant/sensor/sensormon/" + cfg.EntityID + "/config"
	return d.mqttClient.PublishRaw(discoveryTopic, configJSON, true)
}

// PublishMultipleDiscoveryConfigs publishes discovery configs for multiple entities
func (d *DiscoveryManager) PublishMultipleDiscoveryConfigs(configs []*DiscoveryConfig) {
	for _, cfg := range configs {
		if err := d.PublishDiscoveryConfig(cfg); err != nil && d.logger != nil {
			d.logger.Printf("[MQTT Discovery] Failed to publish discovery for %s: %v", cfg.EntityID, err)
		}
	}

	if d.logger != nil {
		d.logger.Printf("[MQTT Discovery] Published discovery config for %d entities", len(configs))
	}
}

// generateDiscoveryConfig builds the Home Assistant discovery payload
func (d *DiscoveryManager) generateDiscoveryConfig(cfg *DiscoveryConfig) ([]byte, error) {
	prefix := d.mqttClient.GetConfig().Prefix
	full := func(topic string) string {
		if prefix == "" {
			return topic
		}
		return prefix + "/" + topic
	}

	discoveryConfig := map[string]interface{}{
		"name":        cfg.Name,
		"unique_id":   "sensormon_" + cfg.EntityID,
		"state_topic": full(cfg.StateTopic),
	}

	if cfg.Unit != "" {
		discoveryConfig["unit_of_measurement"] = cfg.Unit
	}
	if cfg.ValueTemplate != "" {
		discoveryConfig["value_template"] = cfg.ValueTemplate
	}
	if cfg.DeviceClass != "" {
		discoveryConfig["device_class"] = cfg.DeviceClass
	}
	if cfg.StateClass != "" {
		discoveryConfig["state_class"] = cfg.StateClass
	}
	if cfg.AvailabilityTopic != "" {
		discoveryConfig["availability_topic"] = full(cfg.AvailabilityTopic)
		discoveryConfig["payload_available"] = "online"
		discoveryConfig["payload_not_available"] = "offline"
	}
	if cfg.DeviceInfo != nil {
		discoveryConfig["device"] = map[string]interface{}{
			"identifiers":  cfg.DeviceInfo.Identifiers,
			"name":         cfg.DeviceInfo.Name,
			"model":        cfg.DeviceInfo.Model,
			"manufacturer": cfg.DeviceInfo.Manufacturer,
		}
	}

	return json.Marshal(discoveryConfig)
}

func channelKey(channels []string) string {
	return strings.Join(channels, ",")
}

// deviceClassFor maps well-known channel names to Home Assistant device classes
func deviceClassFor(channel string) string {
	switch {
	case strings.Contains(channel, "temp"):
		return "temperature"
	case strings.Contains(channel, "humid"):
		return "humidity"
	case strings.Contains(channel, "pressure"):
		return "pressure"
	case strings.Contains(channel, "lux"), strings.Contains(channel, "light"), strings.Contains(channel, "optical"):
		return "illuminance"
	default:
		return ""
	}
}

func unitFor(channel string) string {
	switch deviceClassFor(channel) {
	case "temperature":
		return "°C"
	case "humidity":
		return "%"
	case "pressure":
		return "hPa"
	case "illuminance":
		return "lx"
	default:
		return ""
	}
}
