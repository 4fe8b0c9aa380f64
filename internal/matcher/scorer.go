package matcher

import (
	"github.com/tphakala/stallwatch/internal/raster"
)

// Scorer computes the normalized cross-correlation between a template and
// the window of the current raster whose top-left corner is (x, y). Reset is
// called once per raster before any Score call; the window is guaranteed to
// lie inside the raster.
type Scorer interface {
	Reset(r *raster.Raster)
	Score(t *Template, x, y int) float64
}

// DirectScorer sums every window pixel on each call.
type DirectScorer struct {
	r *raster.Raster
}

func (s *DirectScorer) Reset(r *raster.Raster) { s.r = r }

func (s *DirectScorer) Score(t *Template, x, y int) float64 {
	size := t.Size()
	var sw, sww, swt int64
	for dy := 0; dy < size; dy++ {
		row := s.r.Row(y + dy)[x : x+size]
		trow := t.img.Row(dy)
		for i, p := range row {
			w := int64(p)
			sw += w
			sww += w * w
			swt += w * int64(trow[i])
		}
	}
	return raster.Correlate(t.n, sw, t.sum, sww, t.sumSq, swt)
}

// IntegralScorer reads window sums from summed-area tables built in Reset
// and only visits the non-zero template pixels for the cross term. Its
// arithmetic is exact, so it returns the same scores as DirectScorer.
type IntegralScorer struct {
	w, h  int
	pix   []uint8
	sum   []int64
	sumSq []int64
}

func (s *IntegralScorer) Reset(r *raster.Raster) {
	s.w, s.h = r.Width(), r.Height()
	stride := s.w + 1
	need := stride * (s.h + 1)
	if cap(s.sum) < need {
		s.sum = make([]int64, need)
		s.sumSq = make([]int64, need)
	} else {
		s.sum = s.sum[:need]
		s.sumSq = s.sumSq[:need]
		clear(s.sum[:stride])
		clear(s.sumSq[:stride])
	}
	if cap(s.pix) < s.w*s.h {
		s.pix = make([]uint8, s.w*s.h)
	}
	s.pix = s.pix[:s.w*s.h]

	for y := 0; y < s.h; y++ {
		row := r.Row(y)
		copy(s.pix[y*s.w:], row)
		var rs, rss int64
		base := (y + 1) * stride
		prev := y * stride
		s.sum[base] = 0
		s.sumSq[base] = 0
		for x, p := range row {
			v := int64(p)
			rs += v
			rss += v * v
			s.sum[base+x+1] = s.sum[prev+x+1] + rs
			s.sumSq[base+x+1] = s.sumSq[prev+x+1] + rss
		}
	}
}

func (s *IntegralScorer) Score(t *Template, x, y int) float64 {
	size := t.Size()
	stride := s.w + 1
	a := y*stride + x
	b := a + size
	c := (y+size)*stride + x
	d := c + size
	sw := s.sum[d] - s.sum[b] - s.sum[c] + s.sum[a]
	sww := s.sumSq[d] - s.sumSq[b] - s.sumSq[c] + s.sumSq[a]

	var swt int64
	origin := y*s.w + x
	for _, tp := range t.taps {
		swt += int64(s.pix[origin+tp.dy*s.w+tp.dx]) * tp.v
	}
	return raster.Correlate(t.n, sw, t.sum, sww, t.sumSq, swt)
}
