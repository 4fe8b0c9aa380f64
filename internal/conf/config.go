// Package conf loads, validates and persists the stallwatch configuration.
package conf

import (
	"crypto/rand"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/secrets"
)

//go:embed config.yaml
var configFiles embed.FS

// Settings is the complete configuration tree.
type Settings struct {
	Debug bool `yaml:"debug"`

	Main struct {
		Name string `yaml:"name"` // node name, used in MQTT topics and notifications
	} `yaml:"main"`

	Logging logger.LoggingConfig `yaml:"logging"`

	Camera       CameraSettings       `yaml:"camera"`
	Vision       VisionSettings       `yaml:"vision"`
	Control      ControlSettings      `yaml:"control"`
	MQTT         MQTTSettings         `yaml:"mqtt"`
	Export       ExportSettings       `yaml:"export"`
	Output       OutputSettings       `yaml:"output"`
	WebServer    WebServerSettings    `yaml:"webserver"`
	Telemetry    TelemetrySettings    `yaml:"telemetry"`
	Sentry       SentrySettings       `yaml:"sentry"`
	Notification NotificationSettings `yaml:"notification"`
}

// CameraSettings selects and configures the frame source.
type CameraSettings struct {
	Source    string `yaml:"source"`    // v4l2, synthetic or image
	Device    string `yaml:"device"`    // V4L2 device node
	Width     int    `yaml:"width"`     // requested capture width
	Height    int    `yaml:"height"`    // requested capture height
	Buffers   int    `yaml:"buffers"`   // mmap buffers to request
	ImagePath string `yaml:"imagepath"` // still image for the image source
}

// Thresholds are the detector decision levels. All of them are change or
// correlation scores in [0, 1].
type Thresholds struct {
	Bump    float64 `yaml:"bump"`    // global change above which a calibration frame is discarded
	Match   float64 `yaml:"match"`   // minimum NCC for a marker match
	Occupy  float64 `yaml:"occupy"`  // stall change above which it turns busy
	Release float64 `yaml:"release"` // stall change at or below which it turns free
}

// VisionSettings configures the processing pipeline.
type VisionSettings struct {
	Block      int           `yaml:"block"`  // downsample factor from camera to working raster
	Marker     int           `yaml:"marker"` // marker template side in working pixels
	Tick       time.Duration `yaml:"tick"`   // pipeline tick period
	Output     OutputSize    `yaml:"output"`
	Thresholds Thresholds    `yaml:"thresholds"`
}

// OutputSize is the size of the annotated output raster.
type OutputSize struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// ControlSettings configures the TCP line-command server.
type ControlSettings struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"`
	RateLimit   float64       `yaml:"ratelimit"` // commands per second per connection
	Burst       int           `yaml:"burst"`
	IdleTimeout time.Duration `yaml:"idletimeout"`
}

// MQTTSettings configures snapshot publishing.
type MQTTSettings struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"clientid"`
	Topic        string `yaml:"topic"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`     // may reference ${ENV}
	PasswordFile string `yaml:"passwordfile"` // read instead of Password when set
	Retain       bool   `yaml:"retain"`
	QoS          int    `yaml:"qos"`

	// Home Assistant auto-discovery of one occupancy sensor per stall
	Discovery struct {
		Enabled bool   `yaml:"enabled"`
		Prefix  string `yaml:"prefix"`
	} `yaml:"discovery"`
}

// ExportSettings configures the status file exporter.
type ExportSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // output directory
	SVG     bool   `yaml:"svg"`
	JSON    bool   `yaml:"json"`
	PNG     bool   `yaml:"png"`
}

// OutputSettings selects the history database.
type OutputSettings struct {
	SQLite SQLiteSettings `yaml:"sqlite"`
	MySQL  MySQLSettings  `yaml:"mysql"`
}

type SQLiteSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type MySQLSettings struct {
	Enabled      bool   `yaml:"enabled"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"passwordfile"`
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	Database     string `yaml:"database"`
}

// WebServerSettings configures the HTTP status API.
type WebServerSettings struct {
	Enabled  bool          `yaml:"enabled"`
	Listen   string        `yaml:"listen"`
	CacheTTL time.Duration `yaml:"cachettl"` // lifetime of encoded frames
}

// TelemetrySettings configures the Prometheus endpoint.
type TelemetrySettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SentrySettings configures error reporting.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Debug   bool   `yaml:"debug"`
}

// NotificationSettings configures push notifications on stall transitions.
type NotificationSettings struct {
	Enabled bool          `yaml:"enabled"`
	URLs    []string      `yaml:"urls"`
	Timeout time.Duration `yaml:"timeout"`
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
	configFileFlag   string
)

// SetConfigFile forces Load to read path instead of searching the default
// locations. An empty path restores the search.
func SetConfigFile(path string) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	configFileFlag = path
}

// Load reads the configuration file and environment variables.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if settings.Main.Name == "" {
		settings.Main.Name = GenerateNodeID()
	}
	if err := resolveSecrets(afero.NewOsFs(), settings); err != nil {
		return nil, err
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

func initViper() error {
	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		GetLogger().Warn("environment configuration issues", logger.Error(err))
	}

	if configFileFlag != "" {
		viper.SetConfigFile(configFileFlag)
		if err := viper.ReadInConfig(); err != nil {
			return errors.New(err).
				Category(errors.CategoryConfiguration).
				Context("operation", "read-config").
				Context("path", configFileFlag).
				Build()
		}
		return nil
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// resolveSecrets replaces credentials with the content of their secret
// files or their expanded ${ENV} references.
func resolveSecrets(fs afero.Fs, s *Settings) error {
	fields := []struct {
		key   string
		file  string
		value *string
	}{
		{"mqtt.password", s.MQTT.PasswordFile, &s.MQTT.Password},
		{"output.mysql.password", s.Output.MySQL.PasswordFile, &s.Output.MySQL.Password},
		{"sentry.dsn", "", &s.Sentry.DSN},
	}
	for _, f := range fields {
		v, err := secrets.Resolve(fs, f.file, *f.value)
		if err != nil {
			return errors.New(err).
				Category(errors.CategoryConfiguration).
				Context("operation", "resolve-secret").
				Context("key", f.key).
				Build()
		}
		*f.value = v
	}
	return nil
}

// createDefaultConfig writes the embedded default config into dir and reads it.
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(getDefaultConfig()), 0o644); err != nil { //nolint:gosec // config is not secret by default
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	return viper.ReadInConfig()
}

func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		// the file is embedded at build time
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return string(data)
}

// GetSettings returns the loaded settings, nil before Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the settings, loading them on first use.
func Setting() *Settings {
	once.Do(func() {
		if GetSettings() == nil {
			if _, err := Load(); err != nil {
				GetLogger().Error("failed to load settings", logger.Error(err))
				os.Exit(1)
			}
		}
	})
	return GetSettings()
}

// WatchThresholds reloads vision.thresholds whenever the config file changes
// and passes every valid new set to apply. Invalid edits are logged and
// ignored so a typo never disables detection.
func WatchThresholds(apply func(Thresholds)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var th Thresholds
		if err := viper.UnmarshalKey("vision.thresholds", &th); err != nil {
			GetLogger().Warn("failed to reload thresholds", logger.Error(err), logger.String("file", e.Name))
			return
		}
		if err := validateThresholds(&th); err != nil {
			GetLogger().Warn("ignoring invalid thresholds", logger.Error(err), logger.String("file", e.Name))
			return
		}

		settingsMutex.Lock()
		if settingsInstance != nil {
			settingsInstance.Vision.Thresholds = th
		}
		settingsMutex.Unlock()

		GetLogger().Info("thresholds reloaded",
			logger.Float64("bump", th.Bump),
			logger.Float64("match", th.Match),
			logger.Float64("occupy", th.Occupy),
			logger.Float64("release", th.Release))
		apply(th)
	})
	viper.WatchConfig()
}

// SaveYAMLConfig writes settings to configPath through a temp file and rename.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}
	if err := os.Rename(tmpName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}

// GenerateNodeID returns a random hex identifier used when main.name is empty.
func GenerateNodeID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "stallwatch"
	}
	return "stallwatch-" + hex.EncodeToString(b)
}
