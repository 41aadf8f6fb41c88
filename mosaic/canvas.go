// Package mosaic composites partial tile reads into one canvas covering a
// query footprint and resamples it to the output size.
package mosaic

import (
	"fmt"
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/akhenakh/orthomosaic/bbox"
)

// PartialRead is the pixel data of one tile window. Bounds are the snapped
// ground positions of the first and last pixel, PixelSize is meters per pixel.
// A read with nil Pixels stands for a tile that could not be read.
type PartialRead struct {
	Pixels    *image.RGBA
	Bounds    bbox.BoundingBox
	PixelSize float64
}

// OK reports whether the read carries pixels.
func (p PartialRead) OK() bool {
	return p.Pixels != nil && !p.Pixels.Bounds().Empty()
}

func (p PartialRead) size() (w, h int) {
	b := p.Pixels.Bounds()
	return b.Dx(), b.Dy()
}

// Canvas is the mosaic being assembled. Row 0 is the footprint top and
// column 0 its left edge, one pixel every Resolution meters.
type Canvas struct {
	Image      *image.RGBA
	Footprint  bbox.BoundingBox
	Resolution float64

	// FastPath is set when the canvas was built by concatenating whole reads.
	FastPath bool
}

var black = color.RGBA{A: 0xff}

// NewCanvas allocates an opaque black canvas covering the footprint.
// Check the size with CanvasPixels first, it is not bounded here.
func NewCanvas(footprint bbox.BoundingBox, resolution float64) *Canvas {
	w := int(math.Floor(footprint.Width()/resolution)) + 1
	h := int(math.Floor(footprint.Height()/resolution)) + 1
	return &Canvas{Image: Blank(w, h), Footprint: footprint, Resolution: resolution}
}

// CanvasPixels is the number of pixels NewCanvas allocates for the
// footprint. It is computed in floating point so it cannot overflow, and is
// NaN for a NaN footprint.
func CanvasPixels(footprint bbox.BoundingBox, resolution float64) float64 {
	w := math.Floor(footprint.Width()/resolution) + 1
	h := math.Floor(footprint.Height()/resolution) + 1
	return w * h
}

// Blank returns an opaque black w x h image.
func Blank(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(img, img.Bounds(), image.NewUniform(black), image.Point{}, xdraw.Src)
	return img
}

// Origin returns the canvas cell of the read's upper-left pixel.
func (c *Canvas) Origin(read PartialRead) image.Point {
	return image.Pt(
		int(math.Round((read.Bounds.Left()-c.Footprint.Left())/c.Resolution)),
		int(math.Round((c.Footprint.Top()-read.Bounds.Top())/c.Resolution)),
	)
}

// Place copies the part of the read that falls on the canvas and reports
// whether anything was written. Pixels outside the canvas are dropped, canvas
// pixels outside the read are left untouched. Later writes win on overlap.
func (c *Canvas) Place(read PartialRead) bool {
	if !read.OK() {
		return false
	}
	read = c.match(read)

	start := c.Origin(read)
	src := read.Pixels.Bounds()
	placed := image.Rectangle{Min: start, Max: start.Add(src.Size())}
	clip := placed.Intersect(c.Image.Bounds())
	if clip.Empty() {
		return false
	}

	// source offset of the clipped region
	sp := src.Min.Add(clip.Min.Sub(start))
	xdraw.Draw(c.Image, clip, read.Pixels, sp, xdraw.Src)
	return true
}

// match rescales a read whose pixel size differs from the canvas resolution.
func (c *Canvas) match(read PartialRead) PartialRead {
	if read.PixelSize <= 0 || sameResolution(read.PixelSize, c.Resolution) {
		return read
	}
	w, h := read.size()
	nw := max(1, int(math.Round(float64(w)*read.PixelSize/c.Resolution)))
	nh := max(1, int(math.Round(float64(h)*read.PixelSize/c.Resolution)))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), read.Pixels, read.Pixels.Bounds(), xdraw.Src, nil)
	return PartialRead{Pixels: dst, Bounds: read.Bounds, PixelSize: c.Resolution}
}

func sameResolution(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(a, b)
}

// Resolution picks the canvas resolution: the pixel size of the first read
// that succeeded, def otherwise.
func Resolution(reads []PartialRead, def float64) float64 {
	for _, r := range reads {
		if r.OK() && r.PixelSize > 0 {
			return r.PixelSize
		}
	}
	return def
}

// Compose is the general placement algorithm: every read is placed in
// order at the position of its actual bounds, clipped to the canvas.
func Compose(footprint bbox.BoundingBox, reads []PartialRead, defaultResolution float64) (*Canvas, error) {
	res := Resolution(reads, defaultResolution)
	if res <= 0 {
		return nil, fmt.Errorf("invalid canvas resolution %f", res)
	}
	c := NewCanvas(footprint, res)
	for _, r := range reads {
		c.Place(r)
	}
	return c, nil
}
