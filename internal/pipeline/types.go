package pipeline

import (
	"image"
	"time"

	"github.com/tphakala/stallwatch/internal/matcher"
	"github.com/tphakala/stallwatch/internal/raster"
)

// Mode is the state of the vision loop.
type Mode int

const (
	// Idle relays the camera to the output raster without detection.
	Idle Mode = iota
	// Calibrating looks for marker pairs until a consistent set is found,
	// then freezes it.
	Calibrating
	// Monitoring compares every stall against the calibration reference.
	Monitoring
	// Recalibrate looks for marker pairs even when a set is frozen and
	// returns to Calibrating once a new set is committed.
	Recalibrate
	// Ready is terminal. The pipeline has been stopped.
	Ready
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Calibrating:
		return "calibrating"
	case Monitoring:
		return "monitoring"
	case Recalibrate:
		return "recalibrate"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Thresholds tune calibration and occupancy detection.
type Thresholds struct {
	// Bump is the whole-frame change score above which a calibration
	// attempt is abandoned for the tick.
	Bump float64
	// Match is the minimum marker correlation.
	Match float64
	// Occupy is the region change score above which a stall turns busy.
	Occupy float64
	// Release is the score at or below which a busy stall turns free.
	// Zero means Occupy.
	Release float64
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{Bump: 0.5, Match: 0.80, Occupy: 0.25, Release: 0.25}
}

func (t Thresholds) release() float64 {
	if t.Release <= 0 || t.Release > t.Occupy {
		return t.Occupy
	}
	return t.Release
}

// Config sizes the pipeline.
type Config struct {
	// Block is the camera to working raster downsample factor.
	Block int
	// Marker is the marker side in working pixels.
	Marker int
	// Output is the size of the annotated output raster. Zero means the
	// working size.
	Output     image.Point
	Thresholds Thresholds
}

// Stall is one calibrated parking stall. Area never changes after the
// calibration that created it; Busy and Score are updated while
// monitoring.
type Stall struct {
	Area  image.Rectangle `json:"area"`
	Busy  bool            `json:"busy"`
	Score float64         `json:"score"`
}

// Reason says why a snapshot was emitted.
type Reason string

const (
	ReasonCalibrated Reason = "calibrated"
	ReasonTransition Reason = "transition"
	ReasonRequested  Reason = "requested"
)

// Snapshot is a copy of the pipeline state handed to notifiers.
type Snapshot struct {
	Seq     uint64
	Time    time.Time
	Reason  Reason
	Mode    Mode
	Working image.Point
	Stalls  []Stall
	// Changed lists the indexes of stalls that flipped in this tick.
	Changed []int
}

// Busy counts occupied stalls.
func (s Snapshot) Busy() int {
	n := 0
	for _, st := range s.Stalls {
		if st.Busy {
			n++
		}
	}
	return n
}

// Notifier receives snapshots on calibration commits and occupancy
// transitions. Notify is called from the vision loop and must not block.
type Notifier interface {
	Notify(Snapshot)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Snapshot)

func (f NotifierFunc) Notify(s Snapshot) { f(s) }

// Metrics receives pipeline measurements. Implemented by the observability
// package.
type Metrics interface {
	ObserveTick(mode string, d time.Duration)
	RecordBump()
	RecordCalibration(committed bool, pairs int)
	RecordTransition(busy bool)
	SetStalls(total, busy int)
}

// ChangeScorer scores how much region of working differs from reference,
// 0 meaning identical.
type ChangeScorer func(working, reference *raster.Raster, region image.Rectangle) float64

// Match re-exports the matcher result type for callers of Matches.
type Match = matcher.Match
