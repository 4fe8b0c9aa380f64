package matcher

import (
	"fmt"

	"github.com/tphakala/stallwatch/internal/raster"
)

// Class identifies which corner marker a template or match represents.
type Class int

const (
	// TopLeft is the "L" opening down and to the right.
	TopLeft Class = iota
	// BottomRight is the "L" opening up and to the left.
	BottomRight
)

func (c Class) String() string {
	switch c {
	case TopLeft:
		return "top-left"
	case BottomRight:
		return "bottom-right"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// KernelSize is the side of the base marker kernels.
const KernelSize = 5

const on = 0xFF

var kernels = [2][KernelSize * KernelSize]uint8{
	TopLeft: {
		0, 0, 0, 0, 0,
		0, on, on, on, on,
		0, on, 0, 0, 0,
		0, on, 0, 0, 0,
		0, on, 0, 0, 0,
	},
	BottomRight: {
		0, 0, 0, on, 0,
		0, 0, 0, on, 0,
		0, 0, 0, on, 0,
		on, on, on, on, 0,
		0, 0, 0, 0, 0,
	},
}

// Kernel returns the 5x5 base kernel for class c in row-major order.
func Kernel(c Class) [KernelSize * KernelSize]uint8 {
	return kernels[c]
}

// Template is a marker kernel scaled to the working marker size, with the
// sums the correlation needs precomputed.
type Template struct {
	class Class
	img   *raster.Raster
	n     int64
	sum   int64
	sumSq int64
	taps  []tap
}

// tap is one non-zero template pixel.
type tap struct {
	dx, dy int
	v      int64
}

// NewTemplate scales the kernel of class c to size x size with
// nearest-neighbour sampling.
func NewTemplate(c Class, size int) *Template {
	k := kernels[c]
	img := raster.New(size, size)
	for y := 0; y < size; y++ {
		ky := y * KernelSize / size
		for x := 0; x < size; x++ {
			img.Set(x, y, k[ky*KernelSize+x*KernelSize/size])
		}
	}

	t := &Template{class: c, img: img, n: int64(size * size)}
	for y := 0; y < size; y++ {
		for x, p := range img.Row(y) {
			v := int64(p)
			t.sum += v
			t.sumSq += v * v
			if v != 0 {
				t.taps = append(t.taps, tap{dx: x, dy: y, v: v})
			}
		}
	}
	return t
}

func (t *Template) Class() Class { return t.class }

// Size is the template side in pixels.
func (t *Template) Size() int { return t.img.Width() }

// Raster returns a copy of the template image.
func (t *Template) Raster() *raster.Raster { return t.img.Clone() }
