package capture

import (
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/raster"
)

// ImageSource replays still images as frames. Open accepts a single image
// or a directory; every PNG or JPEG in a directory is served in name order
// and the sequence repeats. All frames take the size of the first image.
type ImageSource struct {
	mu     sync.Mutex
	fs     afero.Fs
	frames []*raster.Raster
	next   int
	gray   *raster.Raster
	state  State
	err    error
	opts   options
}

// NewImageSource reads images from fs. A nil fs means the OS filesystem.
func NewImageSource(fs afero.Fs, opts ...Option) *ImageSource {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &ImageSource{fs: fs, opts: buildOptions(opts)}
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

func (s *ImageSource) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames, err := s.load(path)
	if err != nil {
		s.frames = nil
		s.state = Disabled
		s.err = disabled(err, errors.CategoryFileIO, path, "load")
		if s.opts.metrics != nil {
			s.opts.metrics.RecordDisabled("image", "open")
		}
		return s.err
	}

	s.frames = frames
	s.next = 0
	s.gray = raster.New(frames[0].Width(), frames[0].Height())
	s.state = Streaming
	s.err = nil
	s.opts.log.Info("image source loaded",
		logger.String("path", path),
		logger.Int("frames", len(frames)),
		logger.Int("width", s.gray.Width()),
		logger.Int("height", s.gray.Height()))
	return nil
}

func (s *ImageSource) load(path string) ([]*raster.Raster, error) {
	isDir, err := afero.IsDir(s.fs, path)
	if err != nil {
		return nil, err
	}

	names := []string{path}
	if isDir {
		entries, err := afero.ReadDir(s.fs, path)
		if err != nil {
			return nil, err
		}
		names = names[:0]
		for _, e := range entries {
			if !e.IsDir() && isImageFile(e.Name()) {
				names = append(names, filepath.Join(path, e.Name()))
			}
		}
		slices.Sort(names)
		if len(names) == 0 {
			return nil, fmt.Errorf("no png or jpeg images in %s", path)
		}
	}

	frames := make([]*raster.Raster, 0, len(names))
	for _, name := range names {
		r, err := s.decode(name)
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 && !r.SameSize(frames[0]) {
			fitted := raster.New(frames[0].Width(), frames[0].Height())
			raster.ResampleNearest(fitted, r)
			r = fitted
		}
		frames = append(frames, r)
	}
	return frames, nil
}

func (s *ImageSource) decode(name string) (*raster.Raster, error) {
	f, err := s.fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	r := raster.FromImage(img)
	if r.Empty() {
		return nil, fmt.Errorf("%s is empty", name)
	}
	return r, nil
}

func (s *ImageSource) Poll() (FrameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Streaming {
		return Busy, nil
	}
	if err := s.gray.CopyFrom(s.frames[s.next]); err != nil {
		return Busy, err
	}
	s.next = (s.next + 1) % len(s.frames)
	if s.opts.metrics != nil {
		s.opts.metrics.RecordFrame("image")
	}
	return Ready, nil
}

func (s *ImageSource) Gray() *raster.Raster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gray
}

func (s *ImageSource) Size() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gray == nil {
		return 0, 0
	}
	return s.gray.Width(), s.gray.Height()
}

func (s *ImageSource) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ImageSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ImageSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
	s.state = Closed
	s.err = nil
	return nil
}
