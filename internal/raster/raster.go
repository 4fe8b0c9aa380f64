// Package raster implements the 8-bit grayscale image buffer used by every
// stage of the vision pipeline.
//
// A Raster owns its pixels. Its size is fixed at construction; Replace is the
// only way to change it and always allocates fresh storage. Pixel access is
// bounds checked: reads outside the raster return 0 and writes are dropped.
package raster

import (
	"image"
	"image/color"
	"math"

	"github.com/tphakala/stallwatch/internal/errors"
)

// Raster is an 8-bit grayscale image with cached statistics.
type Raster struct {
	width, height int
	pix           []uint8

	mean     float64
	variance float64
	stdev    float64
}

// New allocates a zeroed width x height raster. Non-positive dimensions
// produce an empty raster.
func New(width, height int) *Raster {
	r := &Raster{}
	r.Replace(width, height)
	return r
}

// Replace discards the pixels and reallocates the raster at the new size.
func (r *Raster) Replace(width, height int) {
	if width <= 0 || height <= 0 {
		width, height = 0, 0
	}
	r.width, r.height = width, height
	r.pix = make([]uint8, width*height)
	r.mean, r.variance, r.stdev = 0, 0, 0
}

// Release drops the pixel storage; the raster becomes empty.
func (r *Raster) Release() {
	r.Replace(0, 0)
}

func (r *Raster) Width() int  { return r.width }
func (r *Raster) Height() int { return r.height }

// Size is always Width()*Height().
func (r *Raster) Size() int { return len(r.pix) }

// Bounds returns the raster rectangle with its origin at (0, 0).
func (r *Raster) Bounds() image.Rectangle {
	return image.Rect(0, 0, r.width, r.height)
}

// Empty reports whether the raster has no pixels.
func (r *Raster) Empty() bool { return len(r.pix) == 0 }

// SameSize reports whether r and o have identical dimensions.
func (r *Raster) SameSize(o *Raster) bool {
	return r.width == o.width && r.height == o.height
}

func (r *Raster) inside(x, y int) bool {
	return x >= 0 && y >= 0 && x < r.width && y < r.height
}

// At returns the pixel at (x, y), or 0 outside the raster.
func (r *Raster) At(x, y int) uint8 {
	if !r.inside(x, y) {
		return 0
	}
	return r.pix[y*r.width+x]
}

// Set writes the pixel at (x, y); writes outside the raster are ignored.
func (r *Raster) Set(x, y int, v uint8) {
	if !r.inside(x, y) {
		return
	}
	r.pix[y*r.width+x] = v
}

// Row returns row y as a slice sharing the raster storage, or nil when y is
// out of range. The slice is exactly Width() long.
func (r *Raster) Row(y int) []uint8 {
	if y < 0 || y >= r.height {
		return nil
	}
	off := y * r.width
	return r.pix[off : off+r.width : off+r.width]
}

// Bytes returns a copy of the pixels in row-major order.
func (r *Raster) Bytes() []uint8 {
	out := make([]uint8, len(r.pix))
	copy(out, r.pix)
	return out
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	c := &Raster{
		width:    r.width,
		height:   r.height,
		pix:      make([]uint8, len(r.pix)),
		mean:     r.mean,
		variance: r.variance,
		stdev:    r.stdev,
	}
	copy(c.pix, r.pix)
	return c
}

// CopyFrom copies src into r. Both rasters must have the same size.
func (r *Raster) CopyFrom(src *Raster) error {
	if !r.SameSize(src) {
		return errors.Newf("raster size mismatch: %dx%d vs %dx%d", r.width, r.height, src.width, src.height).
			Component("raster").
			Category(errors.CategoryValidation).
			Build()
	}
	copy(r.pix, src.pix)
	r.mean, r.variance, r.stdev = src.mean, src.variance, src.stdev
	return nil
}

// Fill sets every pixel to v.
func (r *Raster) Fill(v uint8) {
	for i := range r.pix {
		r.pix[i] = v
	}
}

// Stats recomputes and caches mean, variance and standard deviation
// (population variance).
func (r *Raster) Stats() (mean, variance, stdev float64) {
	if len(r.pix) == 0 {
		r.mean, r.variance, r.stdev = 0, 0, 0
		return 0, 0, 0
	}

	var sum, sumSq int64
	for _, p := range r.pix {
		v := int64(p)
		sum += v
		sumSq += v * v
	}
	n := int64(len(r.pix))
	mean = float64(sum) / float64(n)
	// n*Σx² - (Σx)² is exact in int64 for any realistic frame size
	variance = float64(n*sumSq-sum*sum) / float64(n*n)
	stdev = math.Sqrt(variance)

	r.mean, r.variance, r.stdev = mean, variance, stdev
	return mean, variance, stdev
}

// Mean returns the mean computed by the last Stats call.
func (r *Raster) Mean() float64 { return r.mean }

// Variance returns the variance computed by the last Stats call.
func (r *Raster) Variance() float64 { return r.variance }

// Stdev returns the standard deviation computed by the last Stats call.
func (r *Raster) Stdev() float64 { return r.stdev }

// Normalize stretches the pixel range linearly so the darkest pixel becomes
// 0 and the brightest 255. A flat raster is left unchanged, and normalizing
// an already normalized raster is a no-op.
func (r *Raster) Normalize() {
	if len(r.pix) == 0 {
		return
	}
	lo, hi := r.pix[0], r.pix[0]
	for _, p := range r.pix {
		lo = min(lo, p)
		hi = max(hi, p)
	}
	if lo == hi || (lo == 0 && hi == 255) {
		return
	}

	var lut [256]uint8
	span := int(hi) - int(lo)
	for v := int(lo); v <= int(hi); v++ {
		// round half up
		lut[v] = uint8(((v-int(lo))*255*2 + span) / (2 * span))
	}
	for i, p := range r.pix {
		r.pix[i] = lut[p]
	}
}

// ResampleNearest scales src into dst with nearest-neighbour sampling:
// dst(x, y) = src(x*src.W/dst.W, y*src.H/dst.H). Sizes may be anything;
// an empty source clears dst.
func ResampleNearest(dst, src *Raster) {
	if dst.Empty() {
		return
	}
	if src.Empty() {
		dst.Fill(0)
		return
	}
	if dst.SameSize(src) {
		copy(dst.pix, src.pix)
		return
	}

	xs := make([]int, dst.width)
	for x := range xs {
		xs[x] = x * src.width / dst.width
	}
	for y := 0; y < dst.height; y++ {
		srow := src.Row(y * src.height / dst.height)
		drow := dst.Row(y)
		for x, sx := range xs {
			drow[x] = srow[sx]
		}
	}
}

// ToGray returns the raster as an *image.Gray sharing no storage with r.
func (r *Raster) ToGray() *image.Gray {
	g := image.NewGray(r.Bounds())
	for y := 0; y < r.height; y++ {
		copy(g.Pix[y*g.Stride:y*g.Stride+r.width], r.Row(y))
	}
	return g
}

// FromImage converts any image to a raster using the standard luma model.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	r := New(b.Dx(), b.Dy())
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < r.height; y++ {
			off := (y+b.Min.Y-g.Rect.Min.Y)*g.Stride + (b.Min.X - g.Rect.Min.X)
			copy(r.Row(y), g.Pix[off:off+r.width])
		}
		return r
	}
	for y := 0; y < r.height; y++ {
		row := r.Row(y)
		for x := range row {
			row[x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
		}
	}
	return r
}
