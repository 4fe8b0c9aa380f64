package raster

import (
	"image"
	"image/color"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomRaster(w, h int, seed uint64) *Raster {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	r := New(w, h)
	for y := 0; y < h; y++ {
		row := r.Row(y)
		for x := range row {
			row[x] = uint8(rng.IntN(256))
		}
	}
	return r
}

func TestNewAndReplace(t *testing.T) {
	t.Parallel()

	r := New(8, 4)
	assert.Equal(t, 8, r.Width())
	assert.Equal(t, 4, r.Height())
	assert.Equal(t, 32, r.Size())
	assert.Equal(t, image.Rect(0, 0, 8, 4), r.Bounds())

	r.Set(1, 1, 9)
	r.Replace(3, 5)
	assert.Equal(t, 15, r.Size())
	assert.Equal(t, uint8(0), r.At(1, 1), "replace allocates fresh storage")

	r.Replace(-1, 5)
	assert.True(t, r.Empty())
	assert.Equal(t, 0, r.Width())
	assert.Equal(t, 0, r.Height())
}

func TestBoundsCheckedAccess(t *testing.T) {
	t.Parallel()

	r := New(4, 3)
	r.Set(3, 2, 200)
	r.Set(4, 0, 1)
	r.Set(-1, 0, 1)
	r.Set(0, 3, 1)

	assert.Equal(t, uint8(200), r.At(3, 2))
	assert.Equal(t, uint8(0), r.At(4, 0))
	assert.Equal(t, uint8(0), r.At(-1, -1))
	assert.Nil(t, r.Row(3))
	assert.Len(t, r.Row(2), 4)
	assert.Equal(t, 1, countNonZero(r))
}

func countNonZero(r *Raster) int {
	n := 0
	for _, p := range r.Bytes() {
		if p != 0 {
			n++
		}
	}
	return n
}

func TestStats(t *testing.T) {
	t.Parallel()

	r := New(2, 2)
	r.Set(0, 0, 0)
	r.Set(1, 0, 10)
	r.Set(0, 1, 20)
	r.Set(1, 1, 30)

	mean, variance, stdev := r.Stats()
	assert.InDelta(t, 15, mean, 1e-12)
	assert.InDelta(t, 125, variance, 1e-12)
	assert.InDelta(t, 11.180339887, stdev, 1e-9)
	assert.InDelta(t, mean, r.Mean(), 0)
	assert.InDelta(t, variance, r.Variance(), 0)
	assert.InDelta(t, stdev, r.Stdev(), 0)

	mean, variance, stdev = New(0, 0).Stats()
	assert.Zero(t, mean)
	assert.Zero(t, variance)
	assert.Zero(t, stdev)
}

func TestNormalizeStretchesRange(t *testing.T) {
	t.Parallel()

	r := New(3, 1)
	r.Set(0, 0, 50)
	r.Set(1, 0, 100)
	r.Set(2, 0, 150)
	r.Normalize()

	assert.Equal(t, uint8(0), r.At(0, 0))
	assert.Equal(t, uint8(128), r.At(1, 0))
	assert.Equal(t, uint8(255), r.At(2, 0))
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 20; seed++ {
		r := randomRaster(17, 11, seed)
		// squeeze into a narrow band so the first pass does real work
		for y := 0; y < r.Height(); y++ {
			row := r.Row(y)
			for x := range row {
				row[x] = 60 + row[x]/4
			}
		}

		r.Normalize()
		once := r.Bytes()
		r.Normalize()
		assert.Equal(t, once, r.Bytes(), "seed %d", seed)
	}
}

func TestNormalizeFlatUnchanged(t *testing.T) {
	t.Parallel()

	r := New(5, 5)
	r.Fill(77)
	r.Normalize()
	for _, p := range r.Bytes() {
		assert.Equal(t, uint8(77), p)
	}
}

func TestResampleIdentity(t *testing.T) {
	t.Parallel()

	src := randomRaster(31, 23, 7)
	dst := New(31, 23)
	ResampleNearest(dst, src)
	assert.Equal(t, src.Bytes(), dst.Bytes())
}

func TestResampleNearest(t *testing.T) {
	t.Parallel()

	src := New(4, 2)
	for x := 0; x < 4; x++ {
		src.Set(x, 0, uint8(10*(x+1)))
		src.Set(x, 1, uint8(100+x))
	}

	down := New(2, 1)
	ResampleNearest(down, src)
	assert.Equal(t, []uint8{10, 30}, down.Bytes())

	up := New(8, 4)
	ResampleNearest(up, src)
	assert.Equal(t, uint8(10), up.At(0, 0))
	assert.Equal(t, uint8(10), up.At(1, 1))
	assert.Equal(t, uint8(20), up.At(2, 0))
	assert.Equal(t, uint8(103), up.At(7, 3))

	empty := New(0, 0)
	ResampleNearest(up, empty)
	assert.Zero(t, countNonZero(up))
}

func TestCopyFrom(t *testing.T) {
	t.Parallel()

	src := randomRaster(6, 6, 3)
	dst := New(6, 6)
	require.NoError(t, dst.CopyFrom(src))
	assert.Equal(t, src.Bytes(), dst.Bytes())

	assert.Error(t, New(5, 6).CopyFrom(src))

	c := src.Clone()
	c.Set(0, 0, ^src.At(0, 0))
	assert.NotEqual(t, src.At(0, 0), c.At(0, 0))
}

func TestNCCSelfIsOne(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 10; seed++ {
		r := randomRaster(19, 13, seed)
		assert.InDelta(t, 1.0, NCC(r, r), 1e-12)
		assert.InDelta(t, 0.0, ChangeScore(r, r.Clone()), 1e-12)
	}
}

func TestNCCInvertedIsNegative(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 10; seed++ {
		r := randomRaster(19, 13, seed)
		inv := r.Clone()
		for y := 0; y < inv.Height(); y++ {
			row := inv.Row(y)
			for x := range row {
				row[x] = 255 - row[x]
			}
		}
		score := NCC(r, inv)
		assert.LessOrEqual(t, score, 0.0)
		assert.InDelta(t, -1.0, score, 1e-12)
	}
}

func TestNCCAffineInvariant(t *testing.T) {
	t.Parallel()

	r := New(10, 10)
	scaled := New(10, 10)
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			v := uint8((x*7 + y*3) % 50)
			r.Set(x, y, v)
			scaled.Set(x, y, 2*v+40)
		}
	}
	assert.InDelta(t, 1.0, NCC(r, scaled), 1e-12)
}

func TestNCCDegenerate(t *testing.T) {
	t.Parallel()

	flat := New(8, 8)
	flat.Fill(128)
	textured := randomRaster(8, 8, 1)

	assert.Zero(t, NCC(flat, textured))
	assert.InDelta(t, 1.0, ChangeScore(flat, textured), 0)
	assert.Zero(t, NCC(textured, New(8, 9)))
	assert.Zero(t, NCC(New(0, 0), New(0, 0)))
}

func TestRegionNCC(t *testing.T) {
	t.Parallel()

	a := randomRaster(20, 20, 5)
	b := a.Clone()
	b.FillRect(image.Rect(10, 0, 20, 20), 128)

	assert.InDelta(t, 1.0, RegionNCC(a, b, image.Rect(0, 0, 10, 20)), 1e-12)
	assert.InDelta(t, 1.0, RegionChangeScore(a, b, image.Rect(10, 0, 20, 20)), 0)

	// clamped to bounds
	assert.InDelta(t, 1.0, RegionNCC(a, b, image.Rect(-5, -5, 10, 40)), 1e-12)
	assert.Zero(t, RegionNCC(a, b, image.Rect(30, 30, 40, 40)))
}

func TestOutlineAndFillRect(t *testing.T) {
	t.Parallel()

	r := New(6, 6)
	r.Outline(image.Rect(1, 1, 5, 4), 255)
	assert.Equal(t, uint8(255), r.At(1, 1))
	assert.Equal(t, uint8(255), r.At(4, 1))
	assert.Equal(t, uint8(255), r.At(1, 3))
	assert.Equal(t, uint8(255), r.At(4, 3))
	assert.Equal(t, uint8(0), r.At(2, 2))
	assert.Equal(t, uint8(0), r.At(5, 4))

	r.Outline(image.Rect(-2, -2, 100, 100), 9)
	assert.Equal(t, uint8(255), r.At(1, 1), "off-raster border is skipped")

	r.FillRect(image.Rect(4, 4, 10, 10), 100)
	assert.Equal(t, uint8(100), r.At(5, 5))
	assert.Equal(t, uint8(0), r.At(3, 5))
}

func TestStamp(t *testing.T) {
	t.Parallel()

	tile := New(2, 2)
	tile.Fill(7)
	r := New(4, 4)
	r.Stamp(tile, image.Pt(3, 3))
	assert.Equal(t, uint8(7), r.At(3, 3))
	assert.Equal(t, 1, countNonZero(r))
}

func TestGrayConversion(t *testing.T) {
	t.Parallel()

	src := randomRaster(9, 7, 11)
	g := src.ToGray()
	assert.Equal(t, src.Bytes(), FromImage(g).Bytes())

	rgba := image.NewRGBA(image.Rect(0, 0, 2, 1))
	rgba.Set(0, 0, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	rgba.Set(1, 0, color.RGBA{A: 255})
	r := FromImage(rgba)
	assert.Equal(t, uint8(255), r.At(0, 0))
	assert.Equal(t, uint8(0), r.At(1, 0))

	sub := g.SubImage(image.Rect(2, 2, 5, 4)).(*image.Gray)
	part := FromImage(sub)
	assert.Equal(t, 3, part.Width())
	assert.Equal(t, src.At(2, 2), part.At(0, 0))
	assert.Equal(t, src.At(4, 3), part.At(2, 1))
}
