package conf

import (
	"fmt"
	"net"
	"strings"
)

// Camera source kinds.
const (
	SourceV4L2      = "v4l2"
	SourceSynthetic = "synthetic"
	SourceImage     = "image"
)

// minWorkingMarkers is how many marker widths the working raster must span
// in each direction for a stall to fit.
const minWorkingMarkers = 2

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks the whole configuration and reports all problems
// at once.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	checks := []error{
		validateCameraSettings(&settings.Camera),
		validateVisionSettings(&settings.Vision, &settings.Camera),
		validateThresholds(&settings.Vision.Thresholds),
		validateControlSettings(&settings.Control),
		validateMQTTSettings(&settings.MQTT),
		validateOutputSettings(&settings.Output),
		validateListen("webserver.listen", settings.WebServer.Enabled, settings.WebServer.Listen),
		validateListen("telemetry.listen", settings.Telemetry.Enabled, settings.Telemetry.Listen),
		validateSentrySettings(&settings.Sentry),
		validateNotificationSettings(&settings.Notification),
	}
	for _, err := range checks {
		if err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateCameraSettings(c *CameraSettings) error {
	if err := validateEnvSource(c.Source); err != nil {
		return fmt.Errorf("camera.source %q: %w", c.Source, err)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("camera size must be positive, got %dx%d", c.Width, c.Height)
	}
	switch c.Source {
	case SourceV4L2:
		if c.Device == "" {
			return fmt.Errorf("camera.device is required for the v4l2 source")
		}
		if c.Buffers < 2 {
			return fmt.Errorf("camera.buffers must be at least 2, got %d", c.Buffers)
		}
	case SourceImage:
		if c.ImagePath == "" {
			return fmt.Errorf("camera.imagepath is required for the image source")
		}
	}
	return nil
}

func validateVisionSettings(v *VisionSettings, c *CameraSettings) error {
	if v.Block < 1 {
		return fmt.Errorf("vision.block must be at least 1, got %d", v.Block)
	}
	if v.Marker < 1 {
		return fmt.Errorf("vision.marker must be positive, got %d", v.Marker)
	}
	if v.Tick <= 0 {
		return fmt.Errorf("vision.tick must be positive, got %s", v.Tick)
	}
	if v.Output.Width <= 0 || v.Output.Height <= 0 {
		return fmt.Errorf("vision output size must be positive, got %dx%d", v.Output.Width, v.Output.Height)
	}
	if c.Width > 0 && c.Height > 0 {
		ww, wh := c.Width/v.Block, c.Height/v.Block
		if ww < minWorkingMarkers*v.Marker || wh < minWorkingMarkers*v.Marker {
			return fmt.Errorf("working raster %dx%d too small for %d pixel markers", ww, wh, v.Marker)
		}
	}
	return nil
}

func validateThresholds(t *Thresholds) error {
	for name, val := range map[string]float64{
		"bump": t.Bump, "match": t.Match, "occupy": t.Occupy, "release": t.Release,
	} {
		if val < 0 || val > 1 {
			return fmt.Errorf("vision.thresholds.%s must be between 0 and 1, got %g", name, val)
		}
	}
	if t.Release > t.Occupy {
		return fmt.Errorf("vision.thresholds.release (%g) must not exceed occupy (%g)", t.Release, t.Occupy)
	}
	return nil
}

func validateControlSettings(c *ControlSettings) error {
	if !c.Enabled {
		return nil
	}
	if err := validateListen("control.listen", true, c.Listen); err != nil {
		return err
	}
	if c.RateLimit <= 0 || c.Burst < 1 {
		return fmt.Errorf("control rate limit must be positive with burst >= 1")
	}
	return nil
}

func validateMQTTSettings(m *MQTTSettings) error {
	if !m.Enabled {
		return nil
	}
	if err := validateEnvBrokerURL(m.Broker); err != nil {
		return fmt.Errorf("mqtt.broker %q: %w", m.Broker, err)
	}
	if m.Topic == "" {
		return fmt.Errorf("mqtt.topic is required")
	}
	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
	}
	return nil
}

func validateOutputSettings(o *OutputSettings) error {
	if o.SQLite.Enabled && o.MySQL.Enabled {
		return fmt.Errorf("enable either output.sqlite or output.mysql, not both")
	}
	if o.SQLite.Enabled && o.SQLite.Path == "" {
		return fmt.Errorf("output.sqlite.path is required")
	}
	if o.MySQL.Enabled && (o.MySQL.Host == "" || o.MySQL.Database == "") {
		return fmt.Errorf("output.mysql host and database are required")
	}
	return nil
}

func validateListen(key string, enabled bool, addr string) error {
	if !enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s %q: %w", key, addr, err)
	}
	return nil
}

func validateSentrySettings(s *SentrySettings) error {
	if s.Enabled && s.DSN == "" {
		return fmt.Errorf("sentry.dsn is required when sentry is enabled")
	}
	return nil
}

func validateNotificationSettings(n *NotificationSettings) error {
	if n.Enabled && len(n.URLs) == 0 {
		return fmt.Errorf("notification.urls must list at least one service URL")
	}
	return nil
}
