package mosaic

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// DefaultSize is the output edge length in pixels.
const DefaultSize = 256

// Resample scales img to w x h with bilinear interpolation.
func Resample(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}
