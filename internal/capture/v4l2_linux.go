//go:build linux

package capture

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/raster"
)

// Subset of linux/videodev2.h needed for single-planar mmap streaming.
const (
	v4l2BufTypeVideoCapture = 1
	v4l2MemoryMmap          = 1
	v4l2FieldInterlaced     = 4
	v4l2PixFmtYUYV          = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24

	v4l2CapVideoCapture = 0x00000001
	v4l2CapStreaming    = 0x04000000
	v4l2CapDeviceCaps   = 0x80000000
)

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2Format mirrors struct v4l2_format. The union is 200 bytes and 8-byte
// aligned because v4l2_window holds pointers.
type v4l2Format struct {
	typ uint32
	_   uint32
	pix v4l2PixFormat
	_   [200 - unsafe.Sizeof(v4l2PixFormat{})]byte
}

type v4l2Rect struct {
	left, top     int32
	width, height uint32
}

type v4l2CropCap struct {
	typ         uint32
	bounds      v4l2Rect
	defrect     v4l2Rect
	pixelaspect [2]uint32
}

type v4l2Crop struct {
	typ uint32
	c   v4l2Rect
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  [16]byte
	sequence  uint32
	memory    uint32
	offset    uint32 // union m, also userptr/planes/fd
	_         uint32
	length    uint32
	reserved2 uint32
	requestFD int32
	_         uint32
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | 'V'<<8 | nr
}

var (
	vidiocQueryCap  = ioc(iocRead, 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocSFmt      = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqBufs   = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQueryBuf  = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQBuf      = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDQBuf     = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamOn  = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
	vidiocCropCap   = ioc(iocRead|iocWrite, 58, unsafe.Sizeof(v4l2CropCap{}))
	vidiocSCrop     = ioc(iocWrite, 60, unsafe.Sizeof(v4l2Crop{}))
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// V4L2Source streams YUYV frames from a Video4Linux2 capture device through
// a small pool of memory-mapped buffers.
type V4L2Source struct {
	mu      sync.Mutex
	width   int
	height  int
	nbufs   int
	device  string
	fd      int
	stride  int
	buffers [][]byte
	gray    *raster.Raster
	state   State
	err     error
	opts    options
}

// NewV4L2Source returns a closed source that will request width x height
// frames and nbufs mapped buffers.
func NewV4L2Source(width, height, nbufs int, opts ...Option) *V4L2Source {
	return &V4L2Source{
		width:  width,
		height: height,
		nbufs:  nbufs,
		fd:     -1,
		opts:   buildOptions(opts),
	}
}

func (s *V4L2Source) Open(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Closed {
		s.closeLocked()
	}
	s.device = device
	s.err = nil

	if err := s.openLocked(device); err != nil {
		s.closeLocked()
		s.state = Disabled
		s.err = err
		s.opts.log.Error("capture device disabled",
			logger.String("device", device),
			logger.Error(err))
		if s.opts.metrics != nil {
			s.opts.metrics.RecordDisabled("v4l2", "open")
		}
		return err
	}

	s.state = Streaming
	s.opts.log.Info("capture streaming",
		logger.String("device", device),
		logger.Int("width", s.width),
		logger.Int("height", s.height),
		logger.Int("buffers", len(s.buffers)),
		logger.Int("stride", s.stride))
	return nil
}

func (s *V4L2Source) openLocked(device string) error {
	var st unix.Stat_t
	if err := unix.Stat(device, &st); err != nil {
		return disabled(err, errors.CategoryCaptureDevice, device, "stat")
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return disabled(fmt.Errorf("%s is not a character device", device),
			errors.CategoryCaptureDevice, device, "stat")
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return disabled(err, errors.CategoryCaptureDevice, device, "open")
	}
	s.fd = fd

	var cp v4l2Capability
	if err := ioctl(fd, vidiocQueryCap, unsafe.Pointer(&cp)); err != nil {
		return disabled(fmt.Errorf("VIDIOC_QUERYCAP: %w", err), errors.CategoryCaptureDevice, device, "querycap")
	}
	caps := cp.capabilities
	if caps&v4l2CapDeviceCaps != 0 {
		caps = cp.deviceCaps
	}
	if caps&v4l2CapVideoCapture == 0 {
		return disabled(fmt.Errorf("%s is not a video capture device", device),
			errors.CategoryCaptureDevice, device, "querycap")
	}
	if caps&v4l2CapStreaming == 0 {
		return disabled(fmt.Errorf("%s does not support streaming i/o", device),
			errors.CategoryCaptureDevice, device, "querycap")
	}

	s.resetCrop()

	f := v4l2Format{typ: v4l2BufTypeVideoCapture}
	f.pix.width = uint32(s.width)
	f.pix.height = uint32(s.height)
	f.pix.pixelformat = v4l2PixFmtYUYV
	f.pix.field = v4l2FieldInterlaced
	if err := ioctl(fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return disabled(fmt.Errorf("VIDIOC_S_FMT: %w", err), errors.CategoryCaptureFormat, device, "s_fmt")
	}
	if f.pix.pixelformat != v4l2PixFmtYUYV {
		return disabled(fmt.Errorf("driver refused YUYV, offered fourcc %#08x", f.pix.pixelformat),
			errors.CategoryCaptureFormat, device, "s_fmt")
	}
	// drivers may adjust the size
	s.width, s.height = int(f.pix.width), int(f.pix.height)
	s.stride = max(int(f.pix.bytesperline), 2*s.width)

	req := v4l2RequestBuffers{count: uint32(s.nbufs), typ: v4l2BufTypeVideoCapture, memory: v4l2MemoryMmap}
	if err := ioctl(fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return disabled(fmt.Errorf("VIDIOC_REQBUFS: %w", err), errors.CategoryCaptureStream, device, "reqbufs")
	}
	if req.count < 2 {
		return disabled(fmt.Errorf("insufficient buffer memory, driver granted %d buffers", req.count),
			errors.CategoryCaptureStream, device, "reqbufs")
	}

	for i := range req.count {
		b := v4l2Buffer{index: i, typ: v4l2BufTypeVideoCapture, memory: v4l2MemoryMmap}
		if err := ioctl(fd, vidiocQueryBuf, unsafe.Pointer(&b)); err != nil {
			return disabled(fmt.Errorf("VIDIOC_QUERYBUF %d: %w", i, err), errors.CategoryCaptureStream, device, "querybuf")
		}
		mem, err := unix.Mmap(fd, int64(b.offset), int(b.length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return disabled(fmt.Errorf("mmap buffer %d: %w", i, err), errors.CategoryCaptureStream, device, "mmap")
		}
		s.buffers = append(s.buffers, mem)
	}

	for i := range s.buffers {
		b := v4l2Buffer{index: uint32(i), typ: v4l2BufTypeVideoCapture, memory: v4l2MemoryMmap}
		if err := ioctl(fd, vidiocQBuf, unsafe.Pointer(&b)); err != nil {
			return disabled(fmt.Errorf("VIDIOC_QBUF %d: %w", i, err), errors.CategoryCaptureStream, device, "qbuf")
		}
	}

	typ := int32(v4l2BufTypeVideoCapture)
	if err := ioctl(fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return disabled(fmt.Errorf("VIDIOC_STREAMON: %w", err), errors.CategoryCaptureStream, device, "streamon")
	}

	if s.gray == nil {
		s.gray = raster.New(s.width, s.height)
	} else {
		s.gray.Replace(s.width, s.height)
	}
	return nil
}

// resetCrop selects the default crop rectangle. Errors are ignored; many
// drivers do not support cropping.
func (s *V4L2Source) resetCrop() {
	cc := v4l2CropCap{typ: v4l2BufTypeVideoCapture}
	if err := ioctl(s.fd, vidiocCropCap, unsafe.Pointer(&cc)); err != nil {
		return
	}
	c := v4l2Crop{typ: v4l2BufTypeVideoCapture, c: cc.defrect}
	if err := ioctl(s.fd, vidiocSCrop, unsafe.Pointer(&c)); err != nil {
		s.opts.log.Debug("crop reset not supported", logger.Error(err))
	}
}

// Poll dequeues one filled buffer, converts it and queues it back before
// returning.
func (s *V4L2Source) Poll() (FrameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Streaming {
		return Busy, nil
	}

	b := v4l2Buffer{typ: v4l2BufTypeVideoCapture, memory: v4l2MemoryMmap}
	if err := ioctl(s.fd, vidiocDQBuf, unsafe.Pointer(&b)); err != nil {
		if err == unix.EAGAIN {
			if s.opts.metrics != nil {
				s.opts.metrics.RecordBusy("v4l2")
			}
			return Busy, nil
		}
		return Busy, s.failLocked(fmt.Errorf("VIDIOC_DQBUF: %w", err), "dqbuf")
	}

	if int(b.index) >= len(s.buffers) {
		return Busy, s.failLocked(fmt.Errorf("driver returned unknown buffer %d", b.index), "dqbuf")
	}
	frame := s.buffers[b.index]
	if b.bytesused > 0 && int(b.bytesused) <= len(frame) {
		frame = frame[:b.bytesused]
	}
	convErr := YUYVToGray(s.gray, frame, s.stride)

	if err := ioctl(s.fd, vidiocQBuf, unsafe.Pointer(&b)); err != nil {
		return Busy, s.failLocked(fmt.Errorf("VIDIOC_QBUF %d: %w", b.index, err), "qbuf")
	}
	if convErr != nil {
		// short frame, the buffer is back in the queue
		return Busy, convErr
	}

	if s.opts.metrics != nil {
		s.opts.metrics.RecordFrame("v4l2")
	}
	return Ready, nil
}

// failLocked tears the stream down after an unrecoverable streaming error.
func (s *V4L2Source) failLocked(err error, op string) error {
	err = disabled(err, errors.CategoryCaptureStream, s.device, op)
	s.closeLocked()
	s.state = Disabled
	s.err = err
	s.opts.log.Error("capture stream failed", logger.String("device", s.device), logger.Error(err))
	if s.opts.metrics != nil {
		s.opts.metrics.RecordDisabled("v4l2", op)
	}
	return err
}

func (s *V4L2Source) Gray() *raster.Raster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gray
}

func (s *V4L2Source) Size() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *V4L2Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *V4L2Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *V4L2Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.closeLocked()
	s.state = Closed
	s.err = nil
	return err
}

func (s *V4L2Source) closeLocked() error {
	var errs []error
	if s.fd >= 0 && s.state == Streaming {
		typ := int32(v4l2BufTypeVideoCapture)
		if err := ioctl(s.fd, vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
			errs = append(errs, fmt.Errorf("VIDIOC_STREAMOFF: %w", err))
		}
	}
	for _, b := range s.buffers {
		if err := unix.Munmap(b); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
	}
	s.buffers = nil
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		s.fd = -1
	}
	return errors.Join(errs...)
}
