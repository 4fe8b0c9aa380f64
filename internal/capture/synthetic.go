package capture

import (
	"sync"

	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/raster"
)

// SyntheticSource serves scripted frames from memory. Queued entries are
// consumed one per Poll; once the queue is empty the steady frame, if any,
// is served on every poll, otherwise polls report Busy.
type SyntheticSource struct {
	mu      sync.Mutex
	width   int
	height  int
	queue   []*raster.Raster // nil entry = scripted busy poll
	steady  *raster.Raster
	gray    *raster.Raster
	openErr error
	state   State
	err     error
	polls   int
	opts    options
}

// NewSyntheticSource returns a closed source producing width x height
// frames.
func NewSyntheticSource(width, height int, opts ...Option) *SyntheticSource {
	return &SyntheticSource{width: width, height: height, opts: buildOptions(opts)}
}

// Push queues a frame. Frames of another size are resampled.
func (s *SyntheticSource) Push(frames ...*raster.Raster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range frames {
		s.queue = append(s.queue, s.fit(f))
	}
}

// PushBusy queues n polls that report Busy.
func (s *SyntheticSource) PushBusy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.queue = append(s.queue, nil)
	}
}

// SetSteady sets the frame served when the queue is empty. nil makes an
// empty queue report Busy.
func (s *SyntheticSource) SetSteady(f *raster.Raster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == nil {
		s.steady = nil
		return
	}
	s.steady = s.fit(f)
}

// FailOpen makes the next Open calls fail with err until called with nil.
func (s *SyntheticSource) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Pending is the number of queued entries not yet polled.
func (s *SyntheticSource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Polls is the number of Poll calls since Open.
func (s *SyntheticSource) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func (s *SyntheticSource) fit(f *raster.Raster) *raster.Raster {
	out := raster.New(s.width, s.height)
	raster.ResampleNearest(out, f)
	return out
}

func (s *SyntheticSource) Open(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = 0
	if s.openErr != nil {
		s.state = Disabled
		s.err = s.openErr
		if s.opts.metrics != nil {
			s.opts.metrics.RecordDisabled("synthetic", "open")
		}
		return s.err
	}
	s.state = Streaming
	s.err = nil
	if s.gray == nil {
		s.gray = raster.New(s.width, s.height)
	}
	s.opts.log.Debug("synthetic source streaming",
		logger.String("device", device),
		logger.Int("queued", len(s.queue)))
	return nil
}

func (s *SyntheticSource) Poll() (FrameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.state != Streaming {
		return Busy, nil
	}

	var next *raster.Raster
	if len(s.queue) > 0 {
		next = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		next = s.steady
	}
	if next == nil {
		if s.opts.metrics != nil {
			s.opts.metrics.RecordBusy("synthetic")
		}
		return Busy, nil
	}

	if err := s.gray.CopyFrom(next); err != nil {
		return Busy, err
	}
	if s.opts.metrics != nil {
		s.opts.metrics.RecordFrame("synthetic")
	}
	return Ready, nil
}

func (s *SyntheticSource) Gray() *raster.Raster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gray
}

func (s *SyntheticSource) Size() (width, height int) { return s.width, s.height }

func (s *SyntheticSource) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SyntheticSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Closed
	s.err = nil
	return nil
}
