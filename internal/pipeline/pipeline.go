// Package pipeline runs the per-tick vision state machine: it pulls a frame
// from the capture source, reduces it to the normalized working raster,
// calibrates stalls from corner markers or monitors their occupancy, and
// renders the annotated output raster.
//
// The pipeline performs no I/O of its own. State changes worth publishing
// are handed to a Notifier as Snapshots.
package pipeline

import (
	"image"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/stallwatch/internal/capture"
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/mailbox"
	"github.com/tphakala/stallwatch/internal/matcher"
	"github.com/tphakala/stallwatch/internal/raster"
)

const (
	matchIntensity = 255
	stallIntensity = 200
	busyIntensity  = 100
)

// Pipeline is the vision loop context. Exec must be called from a single
// goroutine; the accessors may be called from any goroutine.
type Pipeline struct {
	mu sync.RWMutex

	src     capture.Source
	matcher *matcher.Matcher
	cfg     Config
	mode    Mode

	working *raster.Raster
	echo    *raster.Raster
	output  *raster.Raster
	primed  bool // echo holds a real frame

	frozen  bool
	stalls  []Stall
	matches []matcher.Match
	seq     uint64

	notifier Notifier
	metrics  Metrics
	score    ChangeScorer
	now      func() time.Time
	log      logger.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNotifier sets the receiver of calibration and transition snapshots.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithMetrics records tick timings and detection counters.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithChangeScorer replaces raster.RegionChangeScore for monitoring.
func WithChangeScorer(s ChangeScorer) Option {
	return func(p *Pipeline) { p.score = s }
}

// WithClock overrides the snapshot time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger overrides the pipeline module logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New builds a pipeline in Idle mode. The working raster is the source frame
// size divided by cfg.Block. m may be nil, in which case a matcher is built
// from cfg.Marker; a matcher sized for another frame is re-initialized.
func New(src capture.Source, m *matcher.Matcher, cfg Config, opts ...Option) (*Pipeline, error) {
	if src == nil {
		return nil, errors.Newf("pipeline needs a capture source").
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Block < 1 {
		cfg.Block = 1
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}

	cw, ch := src.Size()
	working := image.Pt(cw/cfg.Block, ch/cfg.Block)
	if working.X < 1 || working.Y < 1 {
		return nil, errors.Newf("camera %dx%d with block %d leaves no working raster", cw, ch, cfg.Block).
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Output.X <= 0 || cfg.Output.Y <= 0 {
		cfg.Output = working
	}

	p := &Pipeline{
		src:   src,
		cfg:   cfg,
		mode:  Idle,
		score: raster.RegionChangeScore,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = GetLogger()
	}

	marker := image.Pt(cfg.Marker, cfg.Marker)
	switch {
	case m == nil:
		var err error
		if m, err = matcher.New(marker, working, matcher.WithLogger(p.log.Module("matcher"))); err != nil {
			return nil, err
		}
	case m.Frame() != working:
		if err := m.Init(marker, working); err != nil {
			return nil, err
		}
	}
	p.matcher = m

	p.working = raster.New(working.X, working.Y)
	p.echo = raster.New(working.X, working.Y)
	p.output = raster.New(cfg.Output.X, cfg.Output.Y)

	p.log.Info("pipeline ready",
		logger.Int("camera_w", cw),
		logger.Int("camera_h", ch),
		logger.Int("working_w", working.X),
		logger.Int("working_h", working.Y),
		logger.Int("glyph", m.Glyph()),
		logger.Int("output_w", cfg.Output.X),
		logger.Int("output_h", cfg.Output.Y))
	return p, nil
}

// Exec runs one tick. When the source has no frame nothing is touched and
// the mode does not advance. A capture error is returned after the same
// no-op.
func (p *Pipeline) Exec() error {
	start := time.Now()

	p.mu.Lock()
	if p.mode == Ready {
		p.mu.Unlock()
		return nil
	}

	state, err := p.src.Poll()
	if err != nil || state != capture.Ready {
		p.mu.Unlock()
		return err
	}

	raster.ResampleNearest(p.working, p.src.Gray())
	p.working.Normalize()

	mode := p.mode
	var snap *Snapshot
	switch mode {
	case Calibrating:
		snap = p.calibrate(false)
	case Recalibrate:
		snap = p.calibrate(true)
	case Monitoring:
		snap = p.monitor()
	}

	if mode != Idle {
		p.overlay(mode)
	}
	raster.ResampleNearest(p.output, p.working)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ObserveTick(mode.String(), time.Since(start))
	}
	if snap != nil && p.notifier != nil {
		p.notifier.Notify(*snap)
	}
	return nil
}

// calibrate runs one calibration attempt. force ignores a frozen stall
// list. It returns a snapshot when a new stall list was committed.
func (p *Pipeline) calibrate(force bool) *Snapshot {
	change := raster.ChangeScore(p.working, p.echo)
	primed := p.primed
	// CopyFrom cannot fail, both rasters have the working size
	_ = p.echo.CopyFrom(p.working)
	p.primed = true

	if primed && change > p.cfg.Thresholds.Bump {
		p.log.Debug("camera moved, calibration attempt skipped",
			logger.Float64("change", change),
			logger.Float64("threshold", p.cfg.Thresholds.Bump))
		if p.metrics != nil {
			p.metrics.RecordBump()
		}
		return nil
	}
	if p.frozen && !force {
		return nil
	}

	if err := p.matcher.Proc(p.working, p.cfg.Thresholds.Match); err != nil {
		p.log.Error("marker matching failed", logger.Error(err))
		return nil
	}
	p.matches = p.matcher.Matches()
	pairs := p.matcher.Pairs()

	if len(pairs) == 0 || len(p.matches) != 2*len(pairs) {
		p.log.Trace("marker set inconsistent",
			logger.Int("matches", len(p.matches)),
			logger.Int("pairs", len(pairs)))
		if p.metrics != nil {
			p.metrics.RecordCalibration(false, len(pairs))
		}
		return nil
	}

	stalls := make([]Stall, len(pairs))
	for i, r := range pairs {
		stalls[i] = Stall{Area: r}
	}
	p.stalls = stalls
	p.frozen = true
	if p.mode == Recalibrate {
		p.mode = Calibrating
	}

	p.log.Info("stalls calibrated",
		logger.Int("stalls", len(stalls)),
		logger.Bool("forced", force))
	if p.metrics != nil {
		p.metrics.RecordCalibration(true, len(pairs))
		p.metrics.SetStalls(len(stalls), 0)
	}
	snap := p.snapshotLocked(ReasonCalibrated)
	return &snap
}

// monitor updates the occupancy of every stall. Scores are computed for all
// stalls before any busy region is filled.
func (p *Pipeline) monitor() *Snapshot {
	if len(p.stalls) == 0 {
		return nil
	}

	occupy := p.cfg.Thresholds.Occupy
	release := p.cfg.Thresholds.release()
	var changed []int
	for i := range p.stalls {
		st := &p.stalls[i]
		st.Score = p.score(p.working, p.echo, p.region(st.Area))
		busy := st.Busy
		switch {
		case st.Score > occupy:
			busy = true
		case st.Score <= release:
			busy = false
		}
		if busy != st.Busy {
			st.Busy = busy
			changed = append(changed, i)
			if p.metrics != nil {
				p.metrics.RecordTransition(busy)
			}
		}
	}

	nbusy := 0
	for _, st := range p.stalls {
		if st.Busy {
			p.working.FillRect(p.region(st.Area), busyIntensity)
			nbusy++
		}
	}

	if len(changed) == 0 {
		return nil
	}
	p.log.Info("stall occupancy changed",
		logger.Int("changed", len(changed)),
		logger.Int("busy", nbusy),
		logger.Int("stalls", len(p.stalls)))
	if p.metrics != nil {
		p.metrics.SetStalls(len(p.stalls), nbusy)
	}
	snap := p.snapshotLocked(ReasonTransition)
	snap.Changed = changed
	return &snap
}

// region is a stall area grown by one marker at its far corner, clamped to
// the working raster.
func (p *Pipeline) region(area image.Rectangle) image.Rectangle {
	g := p.matcher.Glyph()
	area.Max = area.Max.Add(image.Pt(g, g))
	return area.Intersect(p.working.Bounds())
}

func (p *Pipeline) overlay(mode Mode) {
	if mode == Calibrating || mode == Recalibrate {
		for _, m := range p.matches {
			p.working.Outline(m.Area, matchIntensity)
		}
	}
	for _, st := range p.stalls {
		p.working.Outline(p.region(st.Area), stallIntensity)
	}
}

// Apply performs the mode change a control command asks for and reports
// whether the loop should stop.
func (p *Pipeline) Apply(cmd mailbox.Command) (quit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == Ready {
		return cmd == mailbox.Quit
	}

	prev := p.mode
	switch cmd {
	case mailbox.Update:
		if p.frozen {
			p.mode = Recalibrate
		} else {
			p.mode = Calibrating
		}
	case mailbox.Remap:
		p.mode = Recalibrate
	case mailbox.Check:
		p.mode = Monitoring
	case mailbox.Quit:
		quit = true
	}
	if p.mode != prev {
		p.log.Info("mode changed",
			logger.String("from", prev.String()),
			logger.String("to", p.mode.String()),
			logger.String("command", cmd.String()))
	}
	return quit
}

// Mode returns the current mode.
func (p *Pipeline) Mode() Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// SetMode forces a mode. Setting Ready does not release resources; use Stop.
func (p *Pipeline) SetMode(m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != Ready {
		p.mode = m
	}
}

// SetThresholds replaces the detection thresholds from the next tick on.
func (p *Pipeline) SetThresholds(t Thresholds) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Thresholds = t
	p.log.Info("thresholds updated",
		logger.Float64("bump", t.Bump),
		logger.Float64("match", t.Match),
		logger.Float64("occupy", t.Occupy),
		logger.Float64("release", t.release()))
}

// Thresholds returns the thresholds in use.
func (p *Pipeline) Thresholds() Thresholds {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Thresholds
}

// Stalls returns a copy of the stall list.
func (p *Pipeline) Stalls() []Stall {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.stalls)
}

// Matches returns a copy of the markers found by the last matcher run.
func (p *Pipeline) Matches() []Match {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.matches)
}

// Output returns a copy of the annotated output raster, nil after Stop.
func (p *Pipeline) Output() *raster.Raster {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.output == nil {
		return nil
	}
	return p.output.Clone()
}

// Working returns a copy of the working raster, nil after Stop.
func (p *Pipeline) Working() *raster.Raster {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.working == nil {
		return nil
	}
	return p.working.Clone()
}

// Resize replaces the output raster and refills it from the working raster.
func (p *Pipeline) Resize(width, height int) error {
	if width < 1 || height < 1 {
		return errors.Newf("invalid output size %dx%d", width, height).
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.output == nil {
		return errors.New(errors.ErrNotStreaming).
			Component("pipeline").
			Category(errors.CategoryState).
			Context("operation", "resize").
			Build()
	}
	p.output.Replace(width, height)
	p.cfg.Output = image.Pt(width, height)
	raster.ResampleNearest(p.output, p.working)
	return nil
}

// Snapshot returns the current state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(ReasonRequested)
}

func (p *Pipeline) snapshotLocked(reason Reason) Snapshot {
	p.seq++
	var size image.Point
	if p.working != nil {
		size = image.Pt(p.working.Width(), p.working.Height())
	}
	return Snapshot{
		Seq:     p.seq,
		Time:    p.now(),
		Reason:  reason,
		Mode:    p.mode,
		Working: size,
		Stalls:  slices.Clone(p.stalls),
	}
}

// Stop closes the capture source, releases the rasters and enters Ready.
// Calling it again does nothing.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == Ready && p.working == nil {
		return nil
	}
	err := p.src.Close()
	p.working.Release()
	p.echo.Release()
	p.output.Release()
	p.working, p.echo, p.output = nil, nil, nil
	p.mode = Ready
	p.log.Info("pipeline stopped", logger.Int("stalls", len(p.stalls)))
	return err
}

// GetLogger returns the pipeline module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("pipeline")
}
