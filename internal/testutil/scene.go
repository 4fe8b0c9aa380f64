package testutil

import (
	"image"

	"github.com/tphakala/stallwatch/internal/matcher"
	"github.com/tphakala/stallwatch/internal/raster"
)

// Scene draws synthetic parking lots: a dark background with marker pairs
// stamped at working-raster coordinates. Camera frames are the working
// image upscaled by Block, so a nearest-neighbour downsample by Block
// recovers the working image exactly.
type Scene struct {
	Size       image.Point // working raster size
	Block      int
	Marker     int
	Background uint8

	stalls   []stallSpec
	loose    []looseMarker
	occluded map[int]uint8
}

type stallSpec struct {
	tl, br image.Point
}

type looseMarker struct {
	class matcher.Class
	at    image.Point
}

// NewScene returns an empty scene.
func NewScene(size image.Point, block, marker int) *Scene {
	return &Scene{Size: size, Block: block, Marker: marker, occluded: make(map[int]uint8)}
}

// AddStall places a top-left marker window at tl and a bottom-right marker
// window at br and returns the stall index.
func (s *Scene) AddStall(tl, br image.Point) int {
	s.stalls = append(s.stalls, stallSpec{tl: tl, br: br})
	return len(s.stalls) - 1
}

// AddMarker places a marker that belongs to no stall.
func (s *Scene) AddMarker(c matcher.Class, at image.Point) {
	s.loose = append(s.loose, looseMarker{class: c, at: at})
}

// Occlude covers the monitored region of stall i with a flat value, as a
// parked car would.
func (s *Scene) Occlude(i int, v uint8) { s.occluded[i] = v }

// Clear removes the occlusion of stall i.
func (s *Scene) Clear(i int) { delete(s.occluded, i) }

// StallArea is the rectangle a correct calibration reports for stall i.
func (s *Scene) StallArea(i int) image.Rectangle {
	st := s.stalls[i]
	return image.Rect(st.tl.X-1, st.tl.Y-1, st.br.X+1, st.br.Y+1).Intersect(s.bounds())
}

// StallRegion is the stall area grown by one marker at its far corner, the
// region compared during monitoring.
func (s *Scene) StallRegion(i int) image.Rectangle {
	a := s.StallArea(i)
	a.Max = a.Max.Add(image.Pt(s.Marker, s.Marker))
	return a.Intersect(s.bounds())
}

func (s *Scene) bounds() image.Rectangle {
	return image.Rectangle{Max: s.Size}
}

// Working renders the scene at working resolution.
func (s *Scene) Working() *raster.Raster {
	r := raster.New(s.Size.X, s.Size.Y)
	r.Fill(s.Background)

	tl := matcher.NewTemplate(matcher.TopLeft, s.Marker).Raster()
	br := matcher.NewTemplate(matcher.BottomRight, s.Marker).Raster()
	for _, st := range s.stalls {
		r.Stamp(tl, st.tl)
		r.Stamp(br, st.br)
	}
	for _, m := range s.loose {
		if m.class == matcher.TopLeft {
			r.Stamp(tl, m.at)
		} else {
			r.Stamp(br, m.at)
		}
	}
	for i, v := range s.occluded {
		r.FillRect(s.StallRegion(i), v)
	}
	return r
}

// Camera renders the scene at camera resolution.
func (s *Scene) Camera() *raster.Raster {
	cam := raster.New(s.Size.X*s.Block, s.Size.Y*s.Block)
	raster.ResampleNearest(cam, s.Working())
	return cam
}
