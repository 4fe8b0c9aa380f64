//go:build !linux

package capture

import (
	"fmt"
	"runtime"

	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/raster"
)

// V4L2Source is unavailable outside linux. Open always disables it.
type V4L2Source struct {
	width, height int
	state         State
	err           error
	opts          options
}

func NewV4L2Source(width, height, nbufs int, opts ...Option) *V4L2Source {
	return &V4L2Source{width: width, height: height, opts: buildOptions(opts)}
}

func (s *V4L2Source) Open(device string) error {
	s.state = Disabled
	s.err = disabled(fmt.Errorf("video4linux capture is not supported on %s", runtime.GOOS),
		errors.CategoryCaptureDevice, device, "open")
	return s.err
}

func (s *V4L2Source) Poll() (FrameState, error) { return Busy, nil }
func (s *V4L2Source) Gray() *raster.Raster      { return nil }
func (s *V4L2Source) Size() (int, int)          { return s.width, s.height }
func (s *V4L2Source) State() State              { return s.state }
func (s *V4L2Source) Err() error                { return s.err }

func (s *V4L2Source) Close() error {
	s.state = Closed
	s.err = nil
	return nil
}
