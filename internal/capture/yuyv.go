package capture

import (
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/raster"
)

// YUYVToGray copies the luma samples of a packed YUYV 4:2:2 frame into dst.
// Each 4-byte macropixel Y0 U Y1 V holds two horizontally adjacent pixels,
// so the gray value of pixel x is byte 2*x of its row. stride is the length
// of one source row in bytes; values below 2*width mean tightly packed rows.
func YUYVToGray(dst *raster.Raster, src []byte, stride int) error {
	w, h := dst.Width(), dst.Height()
	if stride < 2*w {
		stride = 2 * w
	}
	if need := stride*(h-1) + 2*w; h > 0 && len(src) < need {
		return errors.Newf("yuyv frame holds %d bytes, need %d for %dx%d", len(src), need, w, h).
			Component("capture").
			Category(errors.CategoryCaptureFormat).
			Build()
	}
	for y := 0; y < h; y++ {
		line := src[y*stride : y*stride+2*w]
		row := dst.Row(y)
		for x := range row {
			row[x] = line[2*x]
		}
	}
	return nil
}
