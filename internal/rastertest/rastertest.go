// Package rastertest builds small synthetic orthophoto rasters for tests:
// stripped TIFFs with world files through x/image/tiff, and tiled GeoTIFFs
// carrying geotags.
package rastertest

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"sort"

	"gocloud.dev/blob"
	"golang.org/x/image/tiff"
)

// Gradient returns an opaque image where red follows x, green follows y and
// blue their sum, so every pixel of a small raster is distinguishable.
func Gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 0xff})
		}
	}
	return img
}

// Solid returns an opaque image filled with c.
func Solid(w, h int, c color.RGBA) *image.RGBA {
	c.A = 0xff
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// WorldFile renders a north-up world file for a raster whose upper-left
// corner is (originX, originY).
func WorldFile(originX, originY, pixelSize float64) []byte {
	return []byte(fmt.Sprintf("%g\n0\n0\n%g\n%g\n%g\n",
		pixelSize, -pixelSize, originX+pixelSize/2, originY-pixelSize/2))
}

// EncodeTIFF writes a stripped TIFF without geotags.
func EncodeTIFF(img image.Image, opts *tiff.Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PutTile stores img as key in the bucket with a world file sidecar placing
// its upper-left corner at (originX, originY).
func PutTile(ctx context.Context, b *blob.Bucket, key string, img image.Image, originX, originY, pixelSize float64) error {
	data, err := EncodeTIFF(img, nil)
	if err != nil {
		return err
	}
	if err := b.WriteAll(ctx, key, data, nil); err != nil {
		return err
	}
	return b.WriteAll(ctx, trimExt(key)+".tfw", WorldFile(originX, originY, pixelSize), nil)
}

func trimExt(key string) string {
	for i := len(key) - 1; i >= 0 && key[i] != '/'; i-- {
		if key[i] == '.' {
			return key[:i]
		}
	}
	return key
}

// GeoTIFFOptions describes a tiled GeoTIFF fixture.
type GeoTIFFOptions struct {
	TileSize  int
	Deflate   bool
	Planar    bool
	OriginX   float64
	OriginY   float64
	PixelSize float64
	EPSG      uint16

	// PixelIsPoint anchors the tiepoint on the center of the first pixel.
	PixelIsPoint bool
	// NoGeoTags leaves out the georeferencing tags.
	NoGeoTags bool
}

type ifdEntry struct {
	tag     uint16
	typ     uint16
	count   uint32
	payload []byte
}

const (
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

// EncodeGeoTIFF writes img as a little-endian tiled RGB GeoTIFF.
func EncodeGeoTIFF(img *image.RGBA, o GeoTIFFOptions) ([]byte, error) {
	ts := o.TileSize
	if ts <= 0 {
		ts = 16
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	across, down := (w+ts-1)/ts, (h+ts-1)/ts

	planes, spc := 1, 3
	if o.Planar {
		planes, spc = 3, 1
	}

	var data bytes.Buffer
	var offsets, counts []uint32
	for p := 0; p < planes; p++ {
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				raw := make([]byte, ts*ts*spc)
				for y := 0; y < ts; y++ {
					for x := 0; x < ts; x++ {
						px, py := tx*ts+x, ty*ts+y
						if px >= w || py >= h {
							continue
						}
						c := img.RGBAAt(b.Min.X+px, b.Min.Y+py)
						s := [3]byte{c.R, c.G, c.B}
						if o.Planar {
							raw[y*ts+x] = s[p]
						} else {
							copy(raw[(y*ts+x)*3:], s[:])
						}
					}
				}

				chunk := raw
				if o.Deflate {
					var zb bytes.Buffer
					zw := zlib.NewWriter(&zb)
					if _, err := zw.Write(raw); err != nil {
						return nil, err
					}
					if err := zw.Close(); err != nil {
						return nil, err
					}
					chunk = zb.Bytes()
				}
				offsets = append(offsets, uint32(8+data.Len()))
				counts = append(counts, uint32(len(chunk)))
				data.Write(chunk)
			}
		}
	}

	compression, planar := uint16(1), uint16(1)
	if o.Deflate {
		compression = 8
	}
	if o.Planar {
		planar = 2
	}

	entries := []ifdEntry{
		{256, typeLong, 1, longs(uint32(w))},
		{257, typeLong, 1, longs(uint32(h))},
		{258, typeShort, 3, shorts(8, 8, 8)},
		{259, typeShort, 1, shorts(compression)},
		{262, typeShort, 1, shorts(2)},
		{277, typeShort, 1, shorts(3)},
		{284, typeShort, 1, shorts(planar)},
		{322, typeShort, 1, shorts(uint16(ts))},
		{323, typeShort, 1, shorts(uint16(ts))},
		{324, typeLong, uint32(len(offsets)), longs(offsets...)},
		{325, typeLong, uint32(len(counts)), longs(counts...)},
	}

	if !o.NoGeoTags {
		rasterType := uint16(1)
		tieX, tieY := o.OriginX, o.OriginY
		if o.PixelIsPoint {
			rasterType = 2
			tieX += o.PixelSize / 2
			tieY -= o.PixelSize / 2
		}
		entries = append(entries,
			ifdEntry{33550, typeDouble, 3, doubles(o.PixelSize, o.PixelSize, 0)},
			ifdEntry{33922, typeDouble, 6, doubles(0, 0, 0, tieX, tieY, 0)},
			ifdEntry{34735, typeShort, 16, shorts(
				1, 1, 0, 3,
				1024, 0, 1, 1,
				1025, 0, 1, rasterType,
				3072, 0, 1, o.EPSG,
			)},
		)
	}

	return writeTIFF(data.Bytes(), entries), nil
}

func writeTIFF(data []byte, entries []ifdEntry) []byte {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	if len(data)%2 == 1 {
		data = append(data, 0)
	}
	ifdOff := 8 + len(data)
	extraOff := ifdOff + 2 + 12*len(entries) + 4

	le := binary.LittleEndian
	var buf, extra bytes.Buffer
	buf.WriteString("II")
	binary.Write(&buf, le, uint16(42))
	binary.Write(&buf, le, uint32(ifdOff))
	buf.Write(data)

	binary.Write(&buf, le, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&buf, le, e.tag)
		binary.Write(&buf, le, e.typ)
		binary.Write(&buf, le, e.count)
		if len(e.payload) <= 4 {
			inline := make([]byte, 4)
			copy(inline, e.payload)
			buf.Write(inline)
			continue
		}
		binary.Write(&buf, le, uint32(extraOff+extra.Len()))
		extra.Write(e.payload)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	binary.Write(&buf, le, uint32(0))
	buf.Write(extra.Bytes())
	return buf.Bytes()
}

func shorts(v ...uint16) []byte {
	out := make([]byte, 2*len(v))
	for i, s := range v {
		binary.LittleEndian.PutUint16(out[2*i:], s)
	}
	return out
}

func longs(v ...uint32) []byte {
	out := make([]byte, 4*len(v))
	for i, l := range v {
		binary.LittleEndian.PutUint32(out[4*i:], l)
	}
	return out
}

func doubles(v ...float64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}
