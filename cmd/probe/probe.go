package probe

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/export"
	"github.com/tphakala/stallwatch/internal/monitor"
	"github.com/tphakala/stallwatch/internal/pipeline"
)

// Command creates the command that runs one calibration and prints the
// stalls it found.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		image  string
		ticks  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Calibrate once and print the stall list",
		Long: `Open the configured capture source, or a still image, look for marker
pairs and print the stalls found. Use it to check camera placement and
marker visibility before running the monitor.

Examples:
  stallwatch probe
  stallwatch probe --image lot.png --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if image != "" {
				settings.Camera.Source = conf.SourceImage
				settings.Camera.ImagePath = image
			}
			snap, err := monitor.Probe(cmd.Context(), settings, monitor.Options{Fs: afero.NewOsFs()}, ticks)
			if err != nil {
				return err
			}
			if len(snap.Stalls) == 0 {
				return fmt.Errorf("no marker pairs found after %d frames", ticks)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(export.NewStatus(snap))
			}
			return printStalls(cmd.OutOrStdout(), snap)
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "Calibrate on a still image instead of the camera")
	cmd.Flags().IntVar(&ticks, "frames", monitor.DefaultProbeTicks, "Frames to try before giving up")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status document as JSON")
	cmd.Flags().String("device", "", "V4L2 device node")
	conf.BindFlag(cmd.Flags(), "device", "camera.device")

	return cmd
}

func printStalls(w io.Writer, s pipeline.Snapshot) error {
	if _, err := fmt.Fprintf(w, "%d stalls on a %dx%d working frame\n", len(s.Stalls), s.Working.X, s.Working.Y); err != nil {
		return err
	}
	for i, st := range s.Stalls {
		a := st.Area
		if _, err := fmt.Fprintf(w, "  %2d  x=%-4d y=%-4d w=%-4d h=%d\n", i+1, a.Min.X, a.Min.Y, a.Dx(), a.Dy()); err != nil {
			return err
		}
	}
	return nil
}
