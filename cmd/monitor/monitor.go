package monitor

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/stallwatch/internal/buildinfo"
	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/monitor"
)

// Command creates the command that runs the sensor until interrupted or
// told to quit over the control protocol.
func Command(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the stall occupancy sensor",
		Long:  "Capture frames, calibrate on the stall markers and report occupancy over the control protocol, MQTT, HTTP and status files.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return monitor.Run(cmd.Context(), settings, monitor.Options{
				Version:   info.Version(),
				DiskWatch: true,
			})
		},
	}

	setupFlags(cmd)
	return cmd
}

// setupFlags declares flags overriding the config file.
func setupFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("source", "", "Frame source (v4l2, synthetic or image)")
	f.String("device", "", "V4L2 device node")
	f.String("image", "", "Still image or directory for the image source")
	f.Int("width", 0, "Requested capture width")
	f.Int("height", 0, "Requested capture height")
	f.Duration("tick", 0, "Pipeline tick period")
	f.String("control", "", "Listen address of the control protocol")
	f.String("listen", "", "Listen address of the HTTP API")
	f.String("export", "", "Status file output directory")

	for name, key := range map[string]string{
		"source":  "camera.source",
		"device":  "camera.device",
		"image":   "camera.imagepath",
		"width":   "camera.width",
		"height":  "camera.height",
		"tick":    "vision.tick",
		"control": "control.listen",
		"listen":  "webserver.listen",
		"export":  "export.path",
	} {
		conf.BindFlag(f, name, key)
	}
}
