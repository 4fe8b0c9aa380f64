package raster

import "image"

// FillRect sets every pixel of rect (clamped) to v.
func (r *Raster) FillRect(rect image.Rectangle, v uint8) {
	rect = rect.Intersect(r.Bounds())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := r.Row(y)[rect.Min.X:rect.Max.X]
		for i := range row {
			row[i] = v
		}
	}
}

// Outline draws the one pixel border of rect with intensity v. The parts of
// the border that fall outside the raster are skipped.
func (r *Raster) Outline(rect image.Rectangle, v uint8) {
	rect = rect.Canon()
	if rect.Empty() {
		return
	}
	x0, y0, x1, y1 := rect.Min.X, rect.Min.Y, rect.Max.X-1, rect.Max.Y-1
	for x := x0; x <= x1; x++ {
		r.Set(x, y0, v)
		r.Set(x, y1, v)
	}
	for y := y0; y <= y1; y++ {
		r.Set(x0, y, v)
		r.Set(x1, y, v)
	}
}

// Stamp copies src into r with its top-left corner at at. Pixels falling
// outside r are dropped.
func (r *Raster) Stamp(src *Raster, at image.Point) {
	for y := 0; y < src.height; y++ {
		for x, v := range src.Row(y) {
			r.Set(at.X+x, at.Y+y, v)
		}
	}
}
