// Package bbox holds the axis-aligned rectangles used to describe query
// footprints, tile extents and windowed read bounds. All boxes of a request
// share one projected coordinate system (meters).
package bbox

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// BoundingBox is an immutable rectangle with Left <= Right and Bottom <= Top.
type BoundingBox struct {
	b orb.Bound
}

// New builds a box from its four edges. Swapped edges are normalised so the
// invariant always holds.
func New(left, bottom, right, top float64) BoundingBox {
	return BoundingBox{b: orb.Bound{
		Min: orb.Point{math.Min(left, right), math.Min(bottom, top)},
		Max: orb.Point{math.Max(left, right), math.Max(bottom, top)},
	}}
}

// Around returns the square footprint of side 2*radius centered on (x, y).
func Around(x, y, radius float64) BoundingBox {
	r := math.Abs(radius)
	return New(x-r, y-r, x+r, y+r)
}

func (b BoundingBox) Left() float64   { return b.b.Left() }
func (b BoundingBox) Bottom() float64 { return b.b.Bottom() }
func (b BoundingBox) Right() float64  { return b.b.Right() }
func (b BoundingBox) Top() float64    { return b.b.Top() }

// Width is Right - Left.
func (b BoundingBox) Width() float64 { return b.b.Right() - b.b.Left() }

// Height is Top - Bottom.
func (b BoundingBox) Height() float64 { return b.b.Top() - b.b.Bottom() }

// Intersects reports whether the boxes overlap. Touching edges count.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return Intersects(b, o)
}

// Intersects is false only when one box lies strictly beyond an edge of the other.
func Intersects(a, b BoundingBox) bool {
	return a.b.Intersects(b.b)
}

// Intersection returns the overlapping part of the two boxes. The second
// return value is false when they do not intersect.
func (b BoundingBox) Intersection(o BoundingBox) (BoundingBox, bool) {
	if !b.Intersects(o) {
		return BoundingBox{}, false
	}
	return New(
		math.Max(b.Left(), o.Left()),
		math.Max(b.Bottom(), o.Bottom()),
		math.Min(b.Right(), o.Right()),
		math.Min(b.Top(), o.Top()),
	), true
}

// Equal reports whether both boxes have the same edges.
func (b BoundingBox) Equal(o BoundingBox) bool {
	return b.b.Equal(o.b)
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(left: %f, bottom: %f, right: %f, top: %f)", b.Left(), b.Bottom(), b.Right(), b.Top())
}
