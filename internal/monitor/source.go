package monitor

import (
	"github.com/spf13/afero"

	"github.com/tphakala/stallwatch/internal/capture"
	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/raster"
)

// testPatternLevel is the flat gray served by the synthetic camera.
const testPatternLevel = 128

// NewSource builds the capture source selected by settings and returns it
// with the device argument its Open expects.
func NewSource(settings *conf.Settings, fs afero.Fs, opts ...capture.Option) (capture.Source, string, error) {
	cam := settings.Camera
	switch cam.Source {
	case conf.SourceV4L2, "":
		return capture.NewV4L2Source(cam.Width, cam.Height, cam.Buffers, opts...), cam.Device, nil
	case conf.SourceSynthetic:
		src := capture.NewSyntheticSource(cam.Width, cam.Height, opts...)
		pattern := raster.New(cam.Width, cam.Height)
		pattern.Fill(testPatternLevel)
		src.SetSteady(pattern)
		return src, conf.SourceSynthetic, nil
	case conf.SourceImage:
		return capture.NewImageSource(fs, opts...), cam.ImagePath, nil
	default:
		return nil, "", errors.Newf("unknown camera source %q", cam.Source).
			Component("monitor").
			Category(errors.CategoryConfiguration).
			Build()
	}
}
