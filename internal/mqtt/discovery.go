// Home Assistant MQTT auto-discovery.
// See: https://www.home-assistant.io/integrations/mqtt/#mqtt-discovery
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tphakala/stallwatch/internal/logger"
)

const deviceIDPrefix = "stallwatch"

// idSanitizer replaces characters Home Assistant does not accept in ids.
var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeID maps id onto [a-zA-Z0-9_-], collapsing runs of underscores.
func SanitizeID(id string) string {
	sanitized := idSanitizer.ReplaceAllString(id, "_")
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "unknown"
	}
	return sanitized
}

// DiscoveryPayload represents a Home Assistant MQTT discovery message.
type DiscoveryPayload struct {
	Name        string          `json:"name"`
	UniqueID    string          `json:"unique_id"`
	StateTopic  string          `json:"state_topic"`
	PayloadOn   string          `json:"payload_on,omitempty"`
	PayloadOff  string          `json:"payload_off,omitempty"`
	DeviceClass string          `json:"device_class,omitempty"`
	Icon        string          `json:"icon,omitempty"`
	Device      DiscoveryDevice `json:"device"`
}

// DiscoveryDevice groups the stall sensors under one device.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// DiscoveryConfig holds configuration for generating discovery payloads.
type DiscoveryConfig struct {
	Prefix  string // discovery topic prefix, usually "homeassistant"
	NodeID  string
	Version string
}

// Discovery announces one occupancy binary_sensor per stall.
type Discovery struct {
	client    Client
	config    DiscoveryConfig
	publisher *Publisher
	announced int
}

// NewDiscovery creates the announcer. Attach it to a publisher with
// Publisher.SetDiscovery or pass it to NewPublisher.
func NewDiscovery(client Client, config DiscoveryConfig) *Discovery {
	if config.Prefix == "" {
		config.Prefix = "homeassistant"
	}
	return &Discovery{client: client, config: config}
}

// SetDiscovery attaches d to p so calibrations announce their stalls.
func (p *Publisher) SetDiscovery(d *Discovery) {
	p.discovery = d
	d.publisher = p
}

// Topic is the discovery config topic of stall i.
func (d *Discovery) Topic(i int) string {
	node := SanitizeID(d.config.NodeID)
	return fmt.Sprintf("%s/binary_sensor/%s/%s_stall_%d/config", d.config.Prefix, node, node, i)
}

// Publish announces stalls 0..n-1 and removes sensors of stalls that no
// longer exist after a recalibration.
func (d *Discovery) Publish(ctx context.Context, n int) error {
	log := GetLogger()
	node := SanitizeID(d.config.NodeID)
	device := DiscoveryDevice{
		Identifiers:  []string{fmt.Sprintf("%s_%s", deviceIDPrefix, node)},
		Name:         fmt.Sprintf("Stallwatch %s", d.config.NodeID),
		Manufacturer: "stallwatch",
		Model:        "Parking occupancy sensor",
		SWVersion:    d.config.Version,
	}

	var firstErr error
	for i := range n {
		payload := DiscoveryPayload{
			Name:        fmt.Sprintf("Stall %d", i+1),
			UniqueID:    fmt.Sprintf("%s_%s_stall_%d", deviceIDPrefix, node, i),
			StateTopic:  d.stateTopic(i),
			PayloadOn:   StateBusy,
			PayloadOff:  StateFree,
			DeviceClass: "occupancy",
			Icon:        "mdi:car",
			Device:      device,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery payload: %w", err)
		}
		if err := d.client.PublishWithRetain(ctx, d.Topic(i), string(data), true); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for i := n; i < d.announced; i++ {
		if err := d.client.PublishWithRetain(ctx, d.Topic(i), "", true); err != nil {
			log.Warn("failed to remove stall discovery", logger.Int("stall", i), logger.Error(err))
		}
	}
	d.announced = n

	if firstErr != nil {
		return fmt.Errorf("failed to publish discovery for one or more stalls: %w", firstErr)
	}
	log.Info("discovery published", logger.Int("stalls", n))
	return nil
}

func (d *Discovery) stateTopic(i int) string {
	if d.publisher != nil {
		return d.publisher.StallTopic(i)
	}
	return fmt.Sprintf("stallwatch/status/stall/%d", i)
}
