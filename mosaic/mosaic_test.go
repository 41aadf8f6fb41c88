package mosaic

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akhenakh/orthomosaic/bbox"
	"github.com/akhenakh/orthomosaic/catalog"
	"github.com/akhenakh/orthomosaic/internal/rastertest"
)

var (
	red    = color.RGBA{R: 0xff, A: 0xff}
	green  = color.RGBA{G: 0xff, A: 0xff}
	blue   = color.RGBA{B: 0xff, A: 0xff}
	yellow = color.RGBA{R: 0xff, G: 0xff, A: 0xff}
)

// readAt builds a read whose upper-left pixel sits at (left, top).
func readAt(img *image.RGBA, left, top, res float64) PartialRead {
	b := img.Bounds()
	return PartialRead{
		Pixels:    img,
		Bounds:    bbox.New(left, top-float64(b.Dy()-1)*res, left+float64(b.Dx()-1)*res, top),
		PixelSize: res,
	}
}

func entry(e, n int) catalog.Entry {
	id := catalog.TileID{Easting: e, Northing: n}
	return catalog.Entry{ID: id, Key: id.String(), Year: 2022, Bounds: id.Bounds()}
}

func requireAll(t *testing.T, img *image.RGBA, r image.Rectangle, c color.RGBA) {
	t.Helper()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			require.Equal(t, c, img.RGBAAt(x, y), "pixel (%d,%d)", x, y)
		}
	}
}

func TestNewCanvas(t *testing.T) {
	c := NewCanvas(bbox.New(0, 0, 200, 100), 1)
	require.Equal(t, image.Rect(0, 0, 201, 101), c.Image.Bounds())
	requireAll(t, c.Image, c.Image.Bounds(), black)

	c = NewCanvas(bbox.New(468400, 5772400, 468600, 5772600), 10)
	require.Equal(t, image.Rect(0, 0, 21, 21), c.Image.Bounds())
}

func TestPlaceClipsToCanvas(t *testing.T) {
	c := NewCanvas(bbox.New(100, 100, 200, 200), 10)
	require.Equal(t, 11, c.Image.Bounds().Dx())

	// 5x5 read starting at column 7 and three rows above the canvas
	read := readAt(rastertest.Gradient(5, 5), 170, 230, 10)
	require.Equal(t, image.Pt(7, -3), c.Origin(read))
	require.True(t, c.Place(read))

	written := image.Rect(7, 0, 11, 2)
	for y := 0; y < 11; y++ {
		for x := 0; x < 11; x++ {
			got := c.Image.RGBAAt(x, y)
			if !image.Pt(x, y).In(written) {
				require.Equal(t, black, got, "pixel (%d,%d) outside the read", x, y)
				continue
			}
			// source offsets are clip - start
			sx, sy := x-7, y+3
			require.Equal(t, uint8(sx), got.R, "pixel (%d,%d)", x, y)
			require.Equal(t, uint8(sy), got.G, "pixel (%d,%d)", x, y)
		}
	}
}

func TestPlaceOutsideCanvas(t *testing.T) {
	c := NewCanvas(bbox.New(100, 100, 200, 200), 10)
	require.False(t, c.Place(readAt(rastertest.Solid(5, 5, red), 300, 150, 10)))
	require.False(t, c.Place(readAt(rastertest.Solid(5, 5, red), 120, 500, 10)))
	require.False(t, c.Place(PartialRead{}))
	requireAll(t, c.Image, c.Image.Bounds(), black)
}

func TestPlaceRescalesOtherResolutions(t *testing.T) {
	c := NewCanvas(bbox.New(0, 0, 100, 100), 10)
	// 4x4 pixels of 5 m cover two canvas cells per side
	require.True(t, c.Place(readAt(rastertest.Solid(4, 4, green), 0, 100, 5)))
	requireAll(t, c.Image, image.Rect(0, 0, 2, 2), green)
	require.Equal(t, black, c.Image.RGBAAt(2, 2))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		entries []catalog.Entry
		layout  Layout
		order   []catalog.TileID
		count   int // unsupported tile count, 0 when supported
	}{
		{name: "none", layout: Empty},
		{name: "single", entries: []catalog.Entry{entry(468, 5772)}, layout: Single, order: []catalog.TileID{{Easting: 468, Northing: 5772}}},
		{
			name:    "horizontal pair",
			entries: []catalog.Entry{entry(469, 5772), entry(468, 5772)},
			layout:  PairHorizontal,
			order:   []catalog.TileID{{Easting: 468, Northing: 5772}, {Easting: 469, Northing: 5772}},
		},
		{
			name:    "vertical pair north first",
			entries: []catalog.Entry{entry(468, 5772), entry(468, 5773)},
			layout:  PairVertical,
			order:   []catalog.TileID{{Easting: 468, Northing: 5773}, {Easting: 468, Northing: 5772}},
		},
		{
			name:    "quad",
			entries: []catalog.Entry{entry(469, 5773), entry(468, 5772), entry(469, 5772), entry(468, 5773)},
			layout:  Quad,
			order:   []catalog.TileID{{Easting: 468, Northing: 5773}, {Easting: 469, Northing: 5773}, {Easting: 468, Northing: 5772}, {Easting: 469, Northing: 5772}},
		},
		{name: "three tiles", entries: []catalog.Entry{entry(468, 5772), entry(469, 5772), entry(468, 5773)}, count: 3},
		{
			name:    "diagonal pair",
			entries: []catalog.Entry{entry(469, 5773), entry(468, 5772)},
			layout:  Scattered,
			order:   []catalog.TileID{{Easting: 468, Northing: 5772}, {Easting: 469, Northing: 5773}},
		},
		{
			name:    "pair with a gap",
			entries: []catalog.Entry{entry(470, 5772), entry(468, 5772)},
			layout:  Scattered,
			order:   []catalog.TileID{{Easting: 468, Northing: 5772}, {Easting: 470, Northing: 5772}},
		},
		{
			name:    "same cell twice",
			entries: []catalog.Entry{entry(468, 5772), entry(468, 5772)},
			layout:  Scattered,
			order:   []catalog.TileID{{Easting: 468, Northing: 5772}, {Easting: 468, Northing: 5772}},
		},
		{
			name:    "four in a row",
			entries: []catalog.Entry{entry(471, 5772), entry(469, 5772), entry(470, 5772), entry(468, 5772)},
			layout:  Scattered,
			order:   []catalog.TileID{{Easting: 468, Northing: 5772}, {Easting: 469, Northing: 5772}, {Easting: 470, Northing: 5772}, {Easting: 471, Northing: 5772}},
		},
		{
			name: "five tiles",
			entries: []catalog.Entry{
				entry(468, 5772), entry(469, 5772), entry(468, 5773), entry(469, 5773), entry(470, 5772),
			},
			count: 5,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := Classify(tc.entries)
			if tc.count > 0 {
				require.ErrorIs(t, err, ErrUnimplemented)
				var lErr *UnsupportedLayoutError
				require.ErrorAs(t, err, &lErr)
				require.Equal(t, tc.count, lErr.Count)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.layout, plan.Layout)
			var ids []catalog.TileID
			for _, e := range plan.Tiles {
				ids = append(ids, e.ID)
			}
			require.Equal(t, tc.order, ids)
		})
	}
}

// cornerReads returns the four windows a 100 m radius around the corner
// (469000, 5773000) cuts out of 1000 m tiles with 10 m pixels, in
// NW, NE, SW, SE order.
func cornerReads() (bbox.BoundingBox, []PartialRead) {
	footprint := bbox.Around(469000, 5773000, 100)
	return footprint, []PartialRead{
		readAt(rastertest.Solid(10, 10, red), 468900, 5773100, 10),
		readAt(rastertest.Solid(11, 10, green), 469000, 5773100, 10),
		readAt(rastertest.Solid(10, 11, blue), 468900, 5773000, 10),
		readAt(rastertest.Solid(11, 11, yellow), 469000, 5773000, 10),
	}
}

func TestAssembleQuadrants(t *testing.T) {
	footprint, reads := cornerReads()
	plan, err := Classify([]catalog.Entry{entry(468, 5772), entry(469, 5772), entry(468, 5773), entry(469, 5773)})
	require.NoError(t, err)
	require.Equal(t, Quad, plan.Layout)

	c, err := Assemble(plan, footprint, reads, 1)
	require.NoError(t, err)
	require.True(t, c.FastPath)
	require.Equal(t, 10.0, c.Resolution)
	require.Equal(t, image.Rect(0, 0, 21, 21), c.Image.Bounds())

	requireAll(t, c.Image, image.Rect(0, 0, 10, 10), red)
	requireAll(t, c.Image, image.Rect(10, 0, 21, 10), green)
	requireAll(t, c.Image, image.Rect(0, 10, 10, 21), blue)
	requireAll(t, c.Image, image.Rect(10, 10, 21, 21), yellow)

	general, err := Compose(footprint, reads, 1)
	require.NoError(t, err)
	require.False(t, general.FastPath)
	require.Equal(t, general.Image.Pix, c.Image.Pix)
}

func TestAssembleFallsBackOnMissingRead(t *testing.T) {
	footprint, reads := cornerReads()
	plan, err := Classify([]catalog.Entry{entry(468, 5772), entry(469, 5772), entry(468, 5773), entry(469, 5773)})
	require.NoError(t, err)

	reads[1] = PartialRead{} // NE failed
	c, err := Assemble(plan, footprint, reads, 1)
	require.NoError(t, err)
	require.False(t, c.FastPath)

	requireAll(t, c.Image, image.Rect(0, 0, 10, 10), red)
	requireAll(t, c.Image, image.Rect(10, 0, 21, 10), black)
	requireAll(t, c.Image, image.Rect(10, 10, 21, 21), yellow)
}

func TestAssembleScatteredPair(t *testing.T) {
	footprint, corner := cornerReads()
	// only the SW and NE cells of the corner exist
	plan, err := Classify([]catalog.Entry{entry(469, 5773), entry(468, 5772)})
	require.NoError(t, err)
	require.Equal(t, Scattered, plan.Layout)

	c, err := Assemble(plan, footprint, []PartialRead{corner[2], corner[1]}, 1)
	require.NoError(t, err)
	require.False(t, c.FastPath)
	require.Equal(t, image.Rect(0, 0, 21, 21), c.Image.Bounds())

	requireAll(t, c.Image, image.Rect(0, 0, 10, 10), black)
	requireAll(t, c.Image, image.Rect(10, 0, 21, 10), green)
	requireAll(t, c.Image, image.Rect(0, 10, 10, 21), blue)
	requireAll(t, c.Image, image.Rect(10, 10, 21, 21), black)
}

func TestAssemblePairsMatchCompose(t *testing.T) {
	tests := []struct {
		name      string
		entries   []catalog.Entry
		footprint bbox.BoundingBox
		reads     []PartialRead
	}{
		{
			name:      "horizontal",
			entries:   []catalog.Entry{entry(468, 5772), entry(469, 5772)},
			footprint: bbox.Around(469000, 5772500, 100),
			reads: []PartialRead{
				readAt(rastertest.Gradient(10, 21), 468900, 5772600, 10),
				readAt(rastertest.Gradient(11, 21), 469000, 5772600, 10),
			},
		},
		{
			name:      "vertical",
			entries:   []catalog.Entry{entry(468, 5772), entry(468, 5773)},
			footprint: bbox.Around(468500, 5773000, 100),
			reads: []PartialRead{
				readAt(rastertest.Gradient(21, 10), 468400, 5773100, 10),
				readAt(rastertest.Gradient(21, 11), 468400, 5773000, 10),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := Classify(tc.entries)
			require.NoError(t, err)

			fast, err := Assemble(plan, tc.footprint, tc.reads, 1)
			require.NoError(t, err)
			require.True(t, fast.FastPath)

			general, err := Compose(tc.footprint, tc.reads, 1)
			require.NoError(t, err)
			require.Equal(t, general.Image.Pix, fast.Image.Pix)
		})
	}
}

func TestAssembleEmpty(t *testing.T) {
	c, err := Assemble(Plan{Layout: Empty}, bbox.Around(100000, 100000, 100), nil, 1)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 201, 201), c.Image.Bounds())
	requireAll(t, c.Image, c.Image.Bounds(), black)

	_, err = Assemble(Plan{Layout: Single, Tiles: []catalog.Entry{entry(1, 1)}}, bbox.Around(0, 0, 1), nil, 1)
	require.Error(t, err)
}

func TestCanvasPixels(t *testing.T) {
	require.Equal(t, 201.0*201.0, CanvasPixels(bbox.Around(0, 0, 100), 1))
	require.Equal(t, 21.0*21.0, CanvasPixels(bbox.Around(0, 0, 100), 10))
	require.Equal(t, 1.0, CanvasPixels(bbox.Around(0, 0, 0), 0.1))
	require.Greater(t, CanvasPixels(bbox.Around(0, 0, 1e300), 0.1), 1e300)
}

func TestBlank(t *testing.T) {
	img := Blank(16, 8)
	require.Equal(t, image.Rect(0, 0, 16, 8), img.Bounds())
	requireAll(t, img, img.Bounds(), black)
}

func TestResample(t *testing.T) {
	c := NewCanvas(bbox.Around(0, 0, 100), 1)
	out := Resample(c.Image, DefaultSize, DefaultSize)
	require.Equal(t, image.Rect(0, 0, 256, 256), out.Bounds())
	requireAll(t, out, out.Bounds(), black)

	solid := Resample(rastertest.Solid(21, 21, blue), 64, 32)
	require.Equal(t, image.Rect(0, 0, 64, 32), solid.Bounds())
	requireAll(t, solid, solid.Bounds(), blue)
}

func TestLayoutString(t *testing.T) {
	require.Equal(t, "quad", Quad.String())
	require.Equal(t, "pair_vertical", PairVertical.String())
	require.Equal(t, "scattered", Scattered.String())
	require.Equal(t, "layout(9)", Layout(9).String())
}
