package raster

import (
	"image"
	"math"
)

// NCC returns the normalized cross-correlation of two equally sized rasters,
// in [-1, 1]. Rasters of different size, empty rasters and rasters with zero
// variance yield 0.
func NCC(a, b *Raster) float64 {
	if !a.SameSize(b) || a.Empty() {
		return 0
	}
	return regionNCC(a, b, a.Bounds())
}

// RegionNCC is NCC restricted to rect, which is clamped to the raster
// bounds first. An empty intersection yields 0.
func RegionNCC(a, b *Raster, rect image.Rectangle) float64 {
	if !a.SameSize(b) {
		return 0
	}
	rect = rect.Intersect(a.Bounds())
	if rect.Empty() {
		return 0
	}
	return regionNCC(a, b, rect)
}

// ChangeScore is 1 - NCC: 0 for identical content, larger for more change.
func ChangeScore(a, b *Raster) float64 {
	return 1 - NCC(a, b)
}

// RegionChangeScore is 1 - RegionNCC.
func RegionChangeScore(a, b *Raster, rect image.Rectangle) float64 {
	return 1 - RegionNCC(a, b, rect)
}

func regionNCC(a, b *Raster, rect image.Rectangle) float64 {
	var sa, sb, saa, sbb, sab int64
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		ra := a.Row(y)[rect.Min.X:rect.Max.X]
		rb := b.Row(y)[rect.Min.X:rect.Max.X]
		for i, pa := range ra {
			va, vb := int64(pa), int64(rb[i])
			sa += va
			sb += vb
			saa += va * va
			sbb += vb * vb
			sab += va * vb
		}
	}
	n := int64(rect.Dx() * rect.Dy())
	return Correlate(n, sa, sb, saa, sbb, sab)
}

// Correlate evaluates NCC from raw sums over n samples:
//
//	(n·Σab − Σa·Σb) / sqrt((n·Σa² − (Σa)²)(n·Σb² − (Σb)²))
//
// The variance terms are exact integers, so a flat window is detected
// exactly and yields 0.
func Correlate(n, sa, sb, saa, sbb, sab int64) float64 {
	va := n*saa - sa*sa
	vb := n*sbb - sb*sb
	if va <= 0 || vb <= 0 {
		return 0
	}
	cov := n*sab - sa*sb
	score := float64(cov) / math.Sqrt(float64(va)*float64(vb))
	return max(-1, min(1, score))
}
