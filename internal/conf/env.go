package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "STALLWATCH_DEBUG", validateEnvBool},
		{"main.name", "STALLWATCH_NAME", nil},

		{"camera.source", "STALLWATCH_CAMERA_SOURCE", validateEnvSource},
		{"camera.device", "STALLWATCH_CAMERA_DEVICE", nil},
		{"camera.imagepath", "STALLWATCH_CAMERA_IMAGEPATH", nil},

		{"vision.thresholds.bump", "STALLWATCH_THRESHOLD_BUMP", validateEnvUnit},
		{"vision.thresholds.match", "STALLWATCH_THRESHOLD_MATCH", validateEnvUnit},
		{"vision.thresholds.occupy", "STALLWATCH_THRESHOLD_OCCUPY", validateEnvUnit},
		{"vision.thresholds.release", "STALLWATCH_THRESHOLD_RELEASE", validateEnvUnit},

		{"control.listen", "STALLWATCH_CONTROL_LISTEN", nil},

		{"mqtt.enabled", "STALLWATCH_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "STALLWATCH_MQTT_BROKER", validateEnvBrokerURL},
		{"mqtt.username", "STALLWATCH_MQTT_USERNAME", nil},
		{"mqtt.password", "STALLWATCH_MQTT_PASSWORD", nil},

		{"output.mysql.password", "STALLWATCH_MYSQL_PASSWORD", nil},
		{"sentry.dsn", "STALLWATCH_SENTRY_DSN", nil},
	}
}

// bindEnvVars binds STALLWATCH_* variables and reports malformed values. A
// bad value is still bound; ValidateSettings rejects it later.
func bindEnvVars() error {
	var warnings []string

	for _, b := range getEnvBindings() {
		if err := viper.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", b.EnvVar, err))
			continue
		}
		if b.Validate == nil {
			continue
		}
		if v := os.Getenv(b.EnvVar); v != "" {
			if err := b.Validate(v); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", b.EnvVar, v, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be a boolean")
	}
	return nil
}

func validateEnvUnit(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("must be a number: %w", err)
	}
	if f < 0 || f > 1 {
		return fmt.Errorf("must be between 0 and 1, got %g", f)
	}
	return nil
}

func validateEnvSource(value string) error {
	switch value {
	case SourceV4L2, SourceSynthetic, SourceImage:
		return nil
	}
	return fmt.Errorf("must be one of %s, %s, %s", SourceV4L2, SourceSynthetic, SourceImage)
}

func validateEnvBrokerURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must look like tcp://host:1883")
	}
	return nil
}
