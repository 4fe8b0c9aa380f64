// Package capture produces grayscale frames for the vision pipeline.
//
// A Source never blocks: Poll either converts one frame into the source's
// gray raster and reports Ready, or reports Busy when no frame is waiting.
// Sources that fail to negotiate with their device do not abort the
// process. They enter the Disabled state, keep the failure in Err and
// report Busy on every poll until Open succeeds again.
package capture

import (
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/raster"
)

// FrameState is the result of a Poll.
type FrameState int

const (
	// Busy means no new frame was available. Nothing was written.
	Busy FrameState = iota
	// Ready means Gray holds a new frame.
	Ready
)

func (s FrameState) String() string {
	if s == Ready {
		return "ready"
	}
	return "busy"
}

// State is the lifecycle state of a Source.
type State int

const (
	Closed State = iota
	Streaming
	Disabled
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case Disabled:
		return "disabled"
	default:
		return "closed"
	}
}

// Source is a non-blocking frame producer.
type Source interface {
	// Open starts streaming from device. A failed Open leaves the source
	// Disabled with the reason available from Err; Open may be retried.
	Open(device string) error
	// Poll fetches at most one frame.
	Poll() (FrameState, error)
	// Gray is the most recent frame. Valid after a Ready poll.
	Gray() *raster.Raster
	// Size is the frame size negotiated by Open.
	Size() (width, height int)
	State() State
	// Err is the reason the source is Disabled, nil otherwise.
	Err() error
	// Close releases the device. It is idempotent and safe after a failed
	// Open.
	Close() error
}

// Metrics receives capture counters. Implemented by the observability
// package; nil disables recording.
type Metrics interface {
	RecordFrame(source string)
	RecordBusy(source string)
	RecordDisabled(source string, reason string)
}

// Option configures the sources in this package.
type Option func(*options)

type options struct {
	log     logger.Logger
	metrics Metrics
}

// WithLogger overrides the capture module logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records capture counters.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = GetLogger()
	}
	return o
}

// GetLogger returns the capture module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("capture")
}

// disabled builds the error a source carries while Disabled.
func disabled(err error, category errors.ErrorCategory, device, op string) error {
	return errors.New(err).
		Component("capture").
		Category(category).
		Context("device", device).
		Context("operation", op).
		Build()
}
