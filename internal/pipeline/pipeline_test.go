package pipeline

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/stallwatch/internal/capture"
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/mailbox"
	"github.com/tphakala/stallwatch/internal/matcher"
	"github.com/tphakala/stallwatch/internal/raster"
	"github.com/tphakala/stallwatch/internal/testutil"
)

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) Notify(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

type metricsRecorder struct {
	ticks, bumps, commits, failures, transitions int
	total, busy                                  int
}

func (m *metricsRecorder) ObserveTick(string, time.Duration) { m.ticks++ }
func (m *metricsRecorder) RecordBump()                       { m.bumps++ }
func (m *metricsRecorder) RecordCalibration(ok bool, _ int) {
	if ok {
		m.commits++
	} else {
		m.failures++
	}
}
func (m *metricsRecorder) RecordTransition(bool) { m.transitions++ }
func (m *metricsRecorder) SetStalls(total, busy int) {
	m.total, m.busy = total, busy
}

var workingSize = image.Pt(320, 240)

const (
	block  = 2
	marker = 15
)

func twoStallScene() *testutil.Scene {
	sc := testutil.NewScene(workingSize, block, marker)
	sc.AddStall(image.Pt(20, 20), image.Pt(100, 100))
	sc.AddStall(image.Pt(160, 20), image.Pt(240, 100))
	return sc
}

type fixture struct {
	p   *Pipeline
	src *capture.SyntheticSource
	rec *recorder
	met *metricsRecorder
}

func newFixture(t *testing.T, th Thresholds, opts ...Option) *fixture {
	t.Helper()
	src := capture.NewSyntheticSource(workingSize.X*block, workingSize.Y*block)
	require.NoError(t, src.Open("synthetic"))

	f := &fixture{src: src, rec: &recorder{}, met: &metricsRecorder{}}
	opts = append([]Option{WithNotifier(f.rec), WithMetrics(f.met)}, opts...)
	p, err := New(src, nil, Config{
		Block:      block,
		Marker:     marker,
		Output:     image.Pt(160, 120),
		Thresholds: th,
	}, opts...)
	require.NoError(t, err)
	f.p = p
	return f
}

func (f *fixture) tick(t *testing.T, frame *raster.Raster) {
	t.Helper()
	f.src.Push(frame)
	require.NoError(t, f.p.Exec())
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	src := capture.NewSyntheticSource(640, 480)
	p, err := New(src, nil, Config{Block: 2, Marker: 15})
	require.NoError(t, err)

	assert.Equal(t, Idle, p.Mode())
	assert.Equal(t, DefaultThresholds(), p.Thresholds())
	assert.Equal(t, image.Pt(320, 240), p.Snapshot().Working)
	out := p.Output()
	assert.Equal(t, 320, out.Width(), "output defaults to working size")
	assert.Equal(t, 240, out.Height())
}

func TestNewReinitializesMatcher(t *testing.T) {
	t.Parallel()

	m, err := matcher.New(image.Pt(15, 15), image.Pt(64, 64))
	require.NoError(t, err)

	src := capture.NewSyntheticSource(640, 480)
	_, err = New(src, m, Config{Block: 2, Marker: 15})
	require.NoError(t, err)
	assert.Equal(t, image.Pt(320, 240), m.Frame())
}

func TestNewRejectsTinyCamera(t *testing.T) {
	t.Parallel()

	_, err := New(capture.NewSyntheticSource(1, 1), nil, Config{Block: 2, Marker: 15})
	require.Error(t, err)

	_, err = New(capture.NewSyntheticSource(20, 20), nil, Config{Block: 2, Marker: 15})
	require.Error(t, err, "working raster smaller than the marker")

	_, err = New(nil, nil, Config{})
	require.Error(t, err)
}

func TestCalibrateAndMonitor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())
	sc := twoStallScene()

	f.p.Apply(mailbox.Update)
	require.Equal(t, Calibrating, f.p.Mode())

	f.tick(t, sc.Camera())
	stalls := f.p.Stalls()
	require.Len(t, stalls, 2)
	assert.Equal(t, sc.StallArea(0), stalls[0].Area)
	assert.Equal(t, sc.StallArea(1), stalls[1].Area)
	assert.Len(t, f.p.Matches(), 4)

	snaps := f.rec.all()
	require.Len(t, snaps, 1)
	assert.Equal(t, ReasonCalibrated, snaps[0].Reason)
	assert.Equal(t, Calibrating, snaps[0].Mode)
	assert.Len(t, snaps[0].Stalls, 2)

	f.p.Apply(mailbox.Check)
	require.Equal(t, Monitoring, f.p.Mode())

	// unchanged lot
	f.tick(t, sc.Camera())
	for _, st := range f.p.Stalls() {
		assert.False(t, st.Busy)
		assert.InDelta(t, 0, st.Score, 1e-9)
	}
	assert.Len(t, f.rec.all(), 1)

	// a car in stall A
	sc.Occlude(0, 128)
	f.tick(t, sc.Camera())
	stalls = f.p.Stalls()
	assert.True(t, stalls[0].Busy)
	assert.InDelta(t, 1, stalls[0].Score, 1e-9)
	assert.False(t, stalls[1].Busy)

	snaps = f.rec.all()
	require.Len(t, snaps, 2)
	assert.Equal(t, ReasonTransition, snaps[1].Reason)
	assert.Equal(t, []int{0}, snaps[1].Changed)
	assert.Equal(t, 1, snaps[1].Busy())
	assert.Greater(t, snaps[1].Seq, snaps[0].Seq)

	// busy stalls are painted in the working and output rasters
	assert.Equal(t, uint8(busyIntensity), f.p.Working().At(50, 50))
	assert.Equal(t, uint8(busyIntensity), f.p.Output().At(25, 25))
	assert.Equal(t, uint8(stallIntensity), f.p.Working().At(19, 60), "stall outline")

	// the car leaves
	sc.Clear(0)
	f.tick(t, sc.Camera())
	assert.False(t, f.p.Stalls()[0].Busy)
	snaps = f.rec.all()
	require.Len(t, snaps, 3)
	assert.Equal(t, 0, snaps[2].Busy())

	assert.Equal(t, 2, f.met.transitions)
	assert.Equal(t, 1, f.met.commits)
	assert.Equal(t, 4, f.met.ticks)
}

func TestBusyPollTouchesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())
	sc := twoStallScene()
	f.p.Apply(mailbox.Update)
	f.tick(t, sc.Camera())
	f.p.Apply(mailbox.Check)
	sc.Occlude(1, 90)
	f.tick(t, sc.Camera())

	working := f.p.working.Clone()
	echo := f.p.echo.Clone()
	output := f.p.output.Clone()
	stalls := f.p.Stalls()
	ticks := f.met.ticks

	f.src.PushBusy(3)
	for range 3 {
		require.NoError(t, f.p.Exec())
	}

	assert.Equal(t, working.Bytes(), f.p.working.Bytes())
	assert.Equal(t, echo.Bytes(), f.p.echo.Bytes())
	assert.Equal(t, output.Bytes(), f.p.output.Bytes())
	assert.Equal(t, stalls, f.p.Stalls())
	assert.Equal(t, Monitoring, f.p.Mode())
	assert.Equal(t, ticks, f.met.ticks)
}

func TestCameraBumpSkipsCalibration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())
	blank := testutil.NewScene(workingSize, block, marker)
	sc := twoStallScene()
	f.p.Apply(mailbox.Update)

	// first frame primes the reference, nothing to pair
	f.tick(t, blank.Camera())
	assert.Empty(t, f.p.Stalls())
	assert.Equal(t, 1, f.met.failures)

	// the whole view changed
	f.tick(t, sc.Camera())
	assert.Empty(t, f.p.Stalls())
	assert.Equal(t, 1, f.met.bumps)

	// steady again
	f.tick(t, sc.Camera())
	assert.Len(t, f.p.Stalls(), 2)
	assert.Equal(t, Calibrating, f.p.Mode())
}

func TestFrozenCalibration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())
	sc := twoStallScene()
	f.p.Apply(mailbox.Update)
	f.tick(t, sc.Camera())
	require.Len(t, f.p.Stalls(), 2)

	three := twoStallScene()
	three.AddStall(image.Pt(20, 140), image.Pt(100, 200))

	// frozen: a third stall is ignored while calibrating
	f.tick(t, three.Camera())
	assert.Len(t, f.p.Stalls(), 2)

	// update on a frozen list asks for a recalibration
	f.p.Apply(mailbox.Update)
	assert.Equal(t, Recalibrate, f.p.Mode())
	f.tick(t, three.Camera())
	assert.Len(t, f.p.Stalls(), 3)
	assert.Equal(t, Calibrating, f.p.Mode())
	assert.Len(t, f.rec.all(), 2)
}

func TestRecalibrateKeepsStallsUntilConsistent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())
	sc := twoStallScene()
	f.p.Apply(mailbox.Update)
	f.tick(t, sc.Camera())
	before := f.p.Stalls()
	require.Len(t, before, 2)

	// three top-left markers but only two bottom-right ones
	odd := twoStallScene()
	odd.AddMarker(matcher.TopLeft, image.Pt(20, 140))

	f.p.Apply(mailbox.Remap)
	require.Equal(t, Recalibrate, f.p.Mode())
	f.tick(t, odd.Camera())
	assert.Len(t, f.p.Matches(), 5)
	assert.Equal(t, before, f.p.Stalls())
	assert.Equal(t, Recalibrate, f.p.Mode())
	assert.Len(t, f.rec.all(), 1)

	three := twoStallScene()
	three.AddStall(image.Pt(20, 140), image.Pt(100, 200))
	f.tick(t, three.Camera())
	assert.Len(t, f.p.Stalls(), 3)
	assert.Equal(t, Calibrating, f.p.Mode())

	snaps := f.rec.all()
	require.Len(t, snaps, 2)
	assert.Equal(t, ReasonCalibrated, snaps[1].Reason)
	assert.Equal(t, Calibrating, snaps[1].Mode)
}

// scripted returns a ChangeScorer yielding scores in order.
func scripted(scores ...float64) ChangeScorer {
	i := 0
	return func(_, _ *raster.Raster, _ image.Rectangle) float64 {
		s := scores[i]
		i++
		return s
	}
}

func TestHysteresis(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	th.Release = 0.15
	f := newFixture(t, th, WithChangeScorer(scripted(0.20, 0.30, 0.24, 0.20, 0.10, 0.20)))
	f.src.SetSteady(twoStallScene().Camera())

	f.p.stalls = []Stall{{Area: image.Rect(19, 19, 101, 101)}}
	f.p.SetMode(Monitoring)

	var busy []bool
	for range 6 {
		require.NoError(t, f.p.Exec())
		busy = append(busy, f.p.Stalls()[0].Busy)
	}
	assert.Equal(t, []bool{false, true, true, true, false, false}, busy)

	snaps := f.rec.all()
	require.Len(t, snaps, 2)
	assert.Equal(t, 1, snaps[0].Busy())
	assert.Equal(t, 0, snaps[1].Busy())
}

func TestReleaseDefaultsToOccupy(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	th.Release = 0
	f := newFixture(t, th, WithChangeScorer(scripted(0.26, 0.25)))
	f.src.SetSteady(twoStallScene().Camera())
	f.p.stalls = []Stall{{Area: image.Rect(19, 19, 101, 101)}}
	f.p.SetMode(Monitoring)

	require.NoError(t, f.p.Exec())
	assert.True(t, f.p.Stalls()[0].Busy)
	require.NoError(t, f.p.Exec())
	assert.False(t, f.p.Stalls()[0].Busy)
}

func TestOneNotificationPerTick(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())
	sc := twoStallScene()
	f.p.Apply(mailbox.Update)
	f.tick(t, sc.Camera())
	f.p.Apply(mailbox.Check)

	sc.Occlude(0, 128)
	sc.Occlude(1, 64)
	f.tick(t, sc.Camera())

	snaps := f.rec.all()
	require.Len(t, snaps, 2)
	assert.Equal(t, []int{0, 1}, snaps[1].Changed)
	assert.Equal(t, 2, snaps[1].Busy())
}

func TestIdleRelaysOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())
	sc := twoStallScene()
	f.tick(t, sc.Camera())

	assert.Equal(t, Idle, f.p.Mode())
	assert.Empty(t, f.p.Matches())
	assert.Empty(t, f.p.Stalls())
	assert.Empty(t, f.rec.all())

	want := raster.New(160, 120)
	raster.ResampleNearest(want, sc.Working())
	assert.Equal(t, want.Bytes(), f.p.Output().Bytes())
}

func TestDisabledSourceIsBusy(t *testing.T) {
	t.Parallel()

	src := capture.NewSyntheticSource(640, 480)
	src.SetSteady(twoStallScene().Camera())
	src.FailOpen(errors.ErrSourceDisabled)
	require.Error(t, src.Open("cam"))

	p, err := New(src, nil, Config{Block: 2, Marker: 15})
	require.NoError(t, err)
	p.Apply(mailbox.Update)
	for range 3 {
		require.NoError(t, p.Exec())
	}
	assert.Empty(t, p.Stalls())
	assert.Equal(t, make([]uint8, 320*240), p.Working().Bytes())
}

func TestApply(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())

	assert.False(t, f.p.Apply(mailbox.Get))
	assert.Equal(t, Idle, f.p.Mode())
	assert.False(t, f.p.Apply(mailbox.None))

	assert.False(t, f.p.Apply(mailbox.Check))
	assert.Equal(t, Monitoring, f.p.Mode())

	assert.False(t, f.p.Apply(mailbox.Update))
	assert.Equal(t, Calibrating, f.p.Mode(), "nothing frozen yet")

	assert.False(t, f.p.Apply(mailbox.Remap))
	assert.Equal(t, Recalibrate, f.p.Mode())

	assert.True(t, f.p.Apply(mailbox.Quit))
	assert.Equal(t, Recalibrate, f.p.Mode(), "quit leaves the mode to the runner")
}

func TestResize(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())
	f.tick(t, twoStallScene().Camera())

	require.NoError(t, f.p.Resize(640, 480))
	out := f.p.Output()
	assert.Equal(t, 640, out.Width())
	assert.Equal(t, f.p.Working().At(20, 20), out.At(40, 40))

	require.Error(t, f.p.Resize(0, 10))
}

func TestSetThresholds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())
	th := Thresholds{Bump: 0.4, Match: 0.9, Occupy: 0.3, Release: 0.2}
	f.p.SetThresholds(th)
	assert.Equal(t, th, f.p.Thresholds())
}

func TestStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultThresholds())
	f.tick(t, twoStallScene().Camera())

	require.NoError(t, f.p.Stop())
	require.NoError(t, f.p.Stop())
	assert.Equal(t, Ready, f.p.Mode())
	assert.Equal(t, capture.Closed, f.src.State())
	assert.Nil(t, f.p.Output())
	assert.Nil(t, f.p.Working())

	f.src.Push(twoStallScene().Camera())
	require.NoError(t, f.p.Exec())
	assert.Equal(t, 1, f.src.Pending(), "a stopped pipeline does not poll")

	f.p.SetMode(Monitoring)
	assert.Equal(t, Ready, f.p.Mode())
	assert.True(t, f.p.Apply(mailbox.Quit))
	require.Error(t, f.p.Resize(10, 10))
}

func TestModeStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "recalibrate", Recalibrate.String())
	assert.Equal(t, "unknown", Mode(99).String())
}
