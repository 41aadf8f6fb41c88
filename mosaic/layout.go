package mosaic

import (
	"cmp"
	"errors"
	"fmt"
	"image"
	"math"
	"slices"

	xdraw "golang.org/x/image/draw"

	"github.com/akhenakh/orthomosaic/bbox"
	"github.com/akhenakh/orthomosaic/catalog"
)

// ErrUnimplemented matches tile sets no placement strategy handles.
var ErrUnimplemented = errors.New("unimplemented tile layout")

// UnsupportedLayoutError carries the tile set that could not be assembled.
type UnsupportedLayoutError struct {
	Count int
	Tiles []catalog.TileID
}

func (e *UnsupportedLayoutError) Error() string {
	return fmt.Sprintf("assembling %d intersecting tiles %v is not implemented", e.Count, e.Tiles)
}

func (e *UnsupportedLayoutError) Unwrap() error { return ErrUnimplemented }

// Layout is the placement strategy chosen for a tile set.
type Layout int

const (
	Empty Layout = iota
	Single
	PairHorizontal
	PairVertical
	Quad
	// Scattered is two or four tiles that do not form an edge-adjacent
	// pair or a 2x2 block, e.g. a footprint over a dataset corner with
	// missing cells. Only Compose places it.
	Scattered
)

func (l Layout) String() string {
	switch l {
	case Empty:
		return "empty"
	case Single:
		return "single"
	case PairHorizontal:
		return "pair_horizontal"
	case PairVertical:
		return "pair_vertical"
	case Quad:
		return "quad"
	case Scattered:
		return "scattered"
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

// Plan is a classified tile set. Tiles are in placement order:
// west then east, north then south, or NW, NE, SW, SE. Scattered tiles are
// sorted by (easting, northing).
type Plan struct {
	Layout Layout
	Tiles  []catalog.Entry
}

// Classify picks the placement strategy for the intersecting tiles. Only
// three tiles or more than four are unsupported.
func Classify(entries []catalog.Entry) (Plan, error) {
	s := slices.Clone(entries)
	slices.SortFunc(s, func(a, b catalog.Entry) int {
		return cmp.Or(cmp.Compare(a.ID.Easting, b.ID.Easting), cmp.Compare(a.ID.Northing, b.ID.Northing))
	})

	switch len(s) {
	case 0:
		return Plan{Layout: Empty}, nil
	case 1:
		return Plan{Layout: Single, Tiles: s}, nil
	case 2:
		a, b := s[0].ID, s[1].ID
		if a.Northing == b.Northing && b.Easting == a.Easting+1 {
			return Plan{Layout: PairHorizontal, Tiles: []catalog.Entry{s[0], s[1]}}, nil
		}
		if a.Easting == b.Easting && b.Northing == a.Northing+1 {
			return Plan{Layout: PairVertical, Tiles: []catalog.Entry{s[1], s[0]}}, nil
		}
	case 4:
		// sorted: west-south, west-north, east-south, east-north
		ws, wn, es, en := s[0].ID, s[1].ID, s[2].ID, s[3].ID
		if ws.Easting == wn.Easting && es.Easting == en.Easting && es.Easting == ws.Easting+1 &&
			ws.Northing == es.Northing && wn.Northing == en.Northing && wn.Northing == ws.Northing+1 {
			return Plan{Layout: Quad, Tiles: []catalog.Entry{s[1], s[3], s[0], s[2]}}, nil
		}
	}
	if len(s) == 2 || len(s) == 4 {
		return Plan{Layout: Scattered, Tiles: s}, nil
	}

	ids := make([]catalog.TileID, len(s))
	for i, e := range s {
		ids[i] = e.ID
	}
	return Plan{}, &UnsupportedLayoutError{Count: len(s), Tiles: ids}
}

// Assemble builds the canvas for a plan, reads are indexed like plan.Tiles.
// Complete aligned reads are concatenated whole, anything else goes through
// Compose.
func Assemble(plan Plan, footprint bbox.BoundingBox, reads []PartialRead, defaultResolution float64) (*Canvas, error) {
	if len(reads) != len(plan.Tiles) {
		return nil, fmt.Errorf("plan has %d tiles but %d reads", len(plan.Tiles), len(reads))
	}
	res := Resolution(reads, defaultResolution)
	if res <= 0 {
		return nil, fmt.Errorf("invalid canvas resolution %f", res)
	}

	var stitched *PartialRead
	if aligned(reads, res) {
		switch plan.Layout {
		case Single:
			stitched = &reads[0]
		case PairHorizontal:
			stitched = joinEast(reads[0], reads[1], res)
		case PairVertical:
			stitched = joinSouth(reads[0], reads[1], res)
		case Quad:
			west := joinSouth(reads[0], reads[2], res)
			east := joinSouth(reads[1], reads[3], res)
			if west != nil && east != nil {
				stitched = joinEast(*west, *east, res)
			}
		}
	}

	if stitched == nil {
		return Compose(footprint, reads, defaultResolution)
	}
	c := NewCanvas(footprint, res)
	c.Place(*stitched)
	c.FastPath = true
	return c, nil
}

// aligned reports whether every read succeeded at the canvas resolution.
func aligned(reads []PartialRead, res float64) bool {
	for _, r := range reads {
		if !r.OK() || !sameResolution(r.PixelSize, res) {
			return false
		}
	}
	return len(reads) > 0
}

func near(a, b, res float64) bool {
	return math.Abs(a-b) < res*1e-6
}

// joinEast concatenates two reads side by side when b starts one pixel east
// of a on the same rows.
func joinEast(a, b PartialRead, res float64) *PartialRead {
	aw, ah := a.size()
	bw, bh := b.size()
	if ah != bh || !near(a.Bounds.Top(), b.Bounds.Top(), res) || !near(b.Bounds.Left(), a.Bounds.Right()+res, res) {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, aw+bw, ah))
	xdraw.Draw(img, image.Rect(0, 0, aw, ah), a.Pixels, a.Pixels.Bounds().Min, xdraw.Src)
	xdraw.Draw(img, image.Rect(aw, 0, aw+bw, ah), b.Pixels, b.Pixels.Bounds().Min, xdraw.Src)
	return &PartialRead{
		Pixels:    img,
		Bounds:    bbox.New(a.Bounds.Left(), a.Bounds.Bottom(), b.Bounds.Right(), a.Bounds.Top()),
		PixelSize: res,
	}
}

// joinSouth stacks two reads when b starts one pixel south of a on the same
// columns.
func joinSouth(a, b PartialRead, res float64) *PartialRead {
	aw, ah := a.size()
	bw, bh := b.size()
	if aw != bw || !near(a.Bounds.Left(), b.Bounds.Left(), res) || !near(b.Bounds.Top(), a.Bounds.Bottom()-res, res) {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, aw, ah+bh))
	xdraw.Draw(img, image.Rect(0, 0, aw, ah), a.Pixels, a.Pixels.Bounds().Min, xdraw.Src)
	xdraw.Draw(img, image.Rect(0, ah, aw, ah+bh), b.Pixels, b.Pixels.Bounds().Min, xdraw.Src)
	return &PartialRead{
		Pixels:    img,
		Bounds:    bbox.New(a.Bounds.Left(), b.Bounds.Bottom(), a.Bounds.Right(), a.Bounds.Top()),
		PixelSize: res,
	}
}
