package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Capture and vision defaults. The working raster is the camera frame
// downsampled by Block; the marker templates are Marker pixels square in
// working coordinates.
const (
	DefaultCameraWidth  = 640
	DefaultCameraHeight = 480
	DefaultBuffers      = 4
	DefaultBlock        = 2
	DefaultMarker       = 15
	DefaultTick         = 16 * time.Millisecond

	DefaultBumpThreshold    = 0.5
	DefaultMatchThreshold   = 0.80
	DefaultOccupyThreshold  = 0.25
	DefaultReleaseThreshold = 0.25

	DefaultControlListen = ":12345"
)

// setDefaultConfig registers every default with viper.
func setDefaultConfig() {
	viper.SetDefault("debug", false)
	viper.SetDefault("main.name", "stallwatch")

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/stallwatch.log")
	viper.SetDefault("logging.file_output.max_size", 20)
	viper.SetDefault("logging.file_output.max_rotated_files", 5)
	viper.SetDefault("logging.file_output.level", "info")

	viper.SetDefault("camera.source", "v4l2")
	viper.SetDefault("camera.device", "/dev/video0")
	viper.SetDefault("camera.width", DefaultCameraWidth)
	viper.SetDefault("camera.height", DefaultCameraHeight)
	viper.SetDefault("camera.buffers", DefaultBuffers)
	viper.SetDefault("camera.imagepath", "")

	viper.SetDefault("vision.block", DefaultBlock)
	viper.SetDefault("vision.marker", DefaultMarker)
	viper.SetDefault("vision.tick", DefaultTick)
	viper.SetDefault("vision.output.width", DefaultCameraWidth)
	viper.SetDefault("vision.output.height", DefaultCameraHeight)
	viper.SetDefault("vision.thresholds.bump", DefaultBumpThreshold)
	viper.SetDefault("vision.thresholds.match", DefaultMatchThreshold)
	viper.SetDefault("vision.thresholds.occupy", DefaultOccupyThreshold)
	viper.SetDefault("vision.thresholds.release", DefaultReleaseThreshold)

	viper.SetDefault("control.enabled", true)
	viper.SetDefault("control.listen", DefaultControlListen)
	viper.SetDefault("control.ratelimit", 10.0)
	viper.SetDefault("control.burst", 5)
	viper.SetDefault("control.idletimeout", 5*time.Minute)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.clientid", "")
	viper.SetDefault("mqtt.topic", "stallwatch/status")
	viper.SetDefault("mqtt.retain", true)
	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.discovery.enabled", false)
	viper.SetDefault("mqtt.discovery.prefix", "homeassistant")

	viper.SetDefault("export.enabled", true)
	viper.SetDefault("export.path", "status")
	viper.SetDefault("export.svg", true)
	viper.SetDefault("export.json", true)
	viper.SetDefault("export.png", false)

	viper.SetDefault("output.sqlite.enabled", false)
	viper.SetDefault("output.sqlite.path", "stallwatch.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")
	viper.SetDefault("output.mysql.database", "stallwatch")

	viper.SetDefault("webserver.enabled", false)
	viper.SetDefault("webserver.listen", ":8080")
	viper.SetDefault("webserver.cachettl", time.Second)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", "0.0.0.0:9090")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
	viper.SetDefault("sentry.debug", false)

	viper.SetDefault("notification.enabled", false)
	viper.SetDefault("notification.urls", []string{})
	viper.SetDefault("notification.timeout", 10*time.Second)
}
