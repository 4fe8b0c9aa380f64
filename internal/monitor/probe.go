package monitor

import (
	"context"
	"image"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/mailbox"
	"github.com/tphakala/stallwatch/internal/pipeline"
)

// DefaultProbeTicks bounds a probe when the caller passes no limit.
const DefaultProbeTicks = 100

// Probe opens the configured source, requests one calibration and ticks
// until stalls are found, ctx is done or ticks frames have been tried. The
// returned snapshot carries whatever was found, which may be no stalls.
func Probe(ctx context.Context, settings *conf.Settings, opts Options, ticks int) (pipeline.Snapshot, error) {
	if ticks <= 0 {
		ticks = DefaultProbeTicks
	}
	log := GetLogger().Module("probe")

	src, device := opts.Source, opts.Device
	if src == nil {
		var err error
		if src, device, err = NewSource(settings, opts.Fs); err != nil {
			return pipeline.Snapshot{}, err
		}
	}
	if err := src.Open(device); err != nil {
		return pipeline.Snapshot{}, errors.New(err).
			Component("monitor").
			Category(errors.CategoryCaptureDevice).
			Context("operation", "probe").
			Context("device", device).
			Build()
	}

	v := settings.Vision
	p, err := pipeline.New(src, nil, pipeline.Config{
		Block:      v.Block,
		Marker:     v.Marker,
		Output:     image.Pt(v.Output.Width, v.Output.Height),
		Thresholds: pipeline.Thresholds(v.Thresholds),
	}, pipeline.WithLogger(log))
	if err != nil {
		_ = src.Close()
		return pipeline.Snapshot{}, err
	}
	defer func() { _ = p.Stop() }()

	p.Apply(mailbox.Update)
	for i := range ticks {
		if err := ctx.Err(); err != nil {
			return p.Snapshot(), err
		}
		if err := p.Exec(); err != nil {
			log.Debug("probe tick failed", logger.Int("tick", i), logger.Error(err))
		}
		if len(p.Stalls()) > 0 {
			log.Info("probe calibrated",
				logger.Int("ticks", i+1),
				logger.Int("stalls", len(p.Stalls())))
			break
		}
	}
	return p.Snapshot(), nil
}
