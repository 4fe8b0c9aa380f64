// Package matcher locates the two corner markers of every parking stall in a
// working raster and pairs them into stall rectangles.
//
// Matching is normalized cross-correlation of two fixed "L" templates over
// every window position. A suppression mask keeps one match per marker: once
// a window scores at or above the threshold, every candidate position inside
// its footprint dilated by one pixel is skipped for the rest of the pass.
package matcher

import (
	"cmp"
	"image"
	"slices"

	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/raster"
)

// Match is one marker found by Proc. Area is the template window.
type Match struct {
	Class Class
	Score float64
	Area  image.Rectangle
}

// Matcher holds the templates, the suppression mask and the result of the
// last Proc call. It is not safe for concurrent use.
type Matcher struct {
	glyph     int
	frame     image.Point
	templates [2]*Template
	scorer    Scorer
	mask      []bool
	matches   []Match
	pairs     []image.Rectangle
	log       logger.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithScorer replaces the default IntegralScorer.
func WithScorer(s Scorer) Option {
	return func(m *Matcher) { m.scorer = s }
}

// WithLogger sets the logger used for match diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(m *Matcher) { m.log = l }
}

// New returns a matcher sized for markers of marker pixels in a frame of
// the given size. See Init for the size rules.
func New(marker, frame image.Point, opts ...Option) (*Matcher, error) {
	m := &Matcher{scorer: &IntegralScorer{}}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = GetLogger()
	}
	if err := m.Init(marker, frame); err != nil {
		return nil, err
	}
	return m, nil
}

// Init (re)builds the templates and the suppression mask. A marker size
// that is not square or not larger than the base kernel falls back to the
// 5x5 kernel. The frame must be at least one marker in each direction.
func (m *Matcher) Init(marker, frame image.Point) error {
	glyph := KernelSize
	if marker.X == marker.Y && marker.X > KernelSize {
		glyph = marker.X
	} else if marker != (image.Point{KernelSize, KernelSize}) {
		m.log.Debug("marker size not usable, falling back to base kernel",
			logger.Int("marker_w", marker.X),
			logger.Int("marker_h", marker.Y),
			logger.Int("glyph", glyph))
	}

	if frame.X < glyph || frame.Y < glyph {
		return errors.Newf("frame %dx%d smaller than %d pixel marker", frame.X, frame.Y, glyph).
			Component("matcher").
			Category(errors.CategoryValidation).
			Context("operation", "init").
			Build()
	}

	m.glyph = glyph
	m.frame = frame
	m.templates = [2]*Template{
		TopLeft:     NewTemplate(TopLeft, glyph),
		BottomRight: NewTemplate(BottomRight, glyph),
	}
	m.mask = make([]bool, frame.X*frame.Y)
	m.matches = nil
	m.pairs = nil
	return nil
}

// Glyph is the marker template size in use.
func (m *Matcher) Glyph() int { return m.glyph }

// Frame is the raster size Proc accepts.
func (m *Matcher) Frame() image.Point { return m.frame }

// Template returns the template of class c.
func (m *Matcher) Template(c Class) *Template { return m.templates[c] }

// Matches returns a copy of the matches found by the last Proc.
func (m *Matcher) Matches() []Match { return slices.Clone(m.matches) }

// Pairs returns a copy of the stall rectangles built by the last Proc.
func (m *Matcher) Pairs() []image.Rectangle { return slices.Clone(m.pairs) }

// Proc finds all markers scoring at least minScore in r and pairs them.
// Previous results are discarded first. It fails without touching the
// previous results when r does not have the Init frame size or minScore is
// outside [-1, 1].
func (m *Matcher) Proc(r *raster.Raster, minScore float64) error {
	if r.Width() != m.frame.X || r.Height() != m.frame.Y {
		return errors.Newf("raster %dx%d does not match matcher frame %dx%d",
			r.Width(), r.Height(), m.frame.X, m.frame.Y).
			Component("matcher").
			Category(errors.CategoryValidation).
			Context("operation", "proc").
			Build()
	}
	if minScore < -1 || minScore > 1 {
		return errors.Newf("match threshold %g outside [-1, 1]", minScore).
			Component("matcher").
			Category(errors.CategoryValidation).
			Context("operation", "proc").
			Build()
	}

	clear(m.mask)
	m.matches = m.matches[:0]
	m.pairs = m.pairs[:0]

	m.scorer.Reset(r)
	w, h, g := m.frame.X, m.frame.Y, m.glyph

	for _, c := range []Class{TopLeft, BottomRight} {
		t := m.templates[c]
		for y := 0; y+g <= h; y++ {
			for x := 0; x+g <= w; x++ {
				if m.mask[y*w+x] {
					continue
				}
				score := m.scorer.Score(t, x, y)
				if score < minScore {
					continue
				}
				m.matches = append(m.matches, Match{
					Class: c,
					Score: score,
					Area:  image.Rect(x, y, x+g, y+g),
				})
				m.suppress(x, y)
			}
		}
	}

	m.pair()

	m.log.Trace("markers matched",
		logger.Int("matches", len(m.matches)),
		logger.Int("pairs", len(m.pairs)),
		logger.Float64("threshold", minScore))
	return nil
}

// suppress marks the footprint of a match at (x, y) dilated by one pixel,
// clamped to the frame.
func (m *Matcher) suppress(x, y int) {
	w, h, g := m.frame.X, m.frame.Y, m.glyph
	x0, y0 := max(0, x-1), max(0, y-1)
	x1, y1 := min(w-1, x+g), min(h-1, y+g)
	for yy := y0; yy <= y1; yy++ {
		row := m.mask[yy*w : yy*w+w]
		for xx := x0; xx <= x1; xx++ {
			row[xx] = true
		}
	}
}

type candidate struct {
	tl, br int
	dist   int
}

// pair joins top-left and bottom-right matches. A bottom-right marker is a
// candidate for a top-left one only when it lies strictly right of and
// below it. Candidates are taken closest first; each marker is used at most
// once and top-left markers left without a partner produce no stall.
func (m *Matcher) pair() {
	var cands []candidate
	for i, tl := range m.matches {
		if tl.Class != TopLeft {
			continue
		}
		for j, br := range m.matches {
			if br.Class != BottomRight {
				continue
			}
			if br.Area.Min.X <= tl.Area.Min.X || br.Area.Min.Y <= tl.Area.Min.Y {
				continue
			}
			d := br.Area.Min.Sub(tl.Area.Min)
			cands = append(cands, candidate{tl: i, br: j, dist: d.X*d.X + d.Y*d.Y})
		}
	}

	slices.SortFunc(cands, func(a, b candidate) int {
		return cmp.Or(cmp.Compare(a.dist, b.dist), cmp.Compare(a.tl, b.tl), cmp.Compare(a.br, b.br))
	})

	type joined struct {
		tl   int
		rect image.Rectangle
	}
	var out []joined
	usedTL := make(map[int]bool)
	usedBR := make(map[int]bool)
	bounds := image.Rect(0, 0, m.frame.X, m.frame.Y)

	for _, c := range cands {
		if usedTL[c.tl] || usedBR[c.br] {
			continue
		}
		usedTL[c.tl], usedBR[c.br] = true, true
		tl, br := m.matches[c.tl].Area.Min, m.matches[c.br].Area.Min
		rect := image.Rect(tl.X-1, tl.Y-1, br.X+1, br.Y+1).Intersect(bounds)
		out = append(out, joined{tl: c.tl, rect: rect})
	}

	// report stalls in scan order of their top-left marker
	slices.SortFunc(out, func(a, b joined) int { return cmp.Compare(a.tl, b.tl) })
	for _, j := range out {
		m.pairs = append(m.pairs, j.rect)
	}
}

// GetLogger returns the matcher module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("matcher")
}
