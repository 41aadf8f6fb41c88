// Package encode serializes produced images for transport or storage.
package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gen2brain/webp"
)

// DefaultQuality applies to the lossy formats when none is given.
const DefaultQuality = 85

// Encoder turns an image into bytes of a single format.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
	// Format returns the canonical format name.
	Format() string
	ContentType() string
	FileExtension() string
}

// NewEncoder returns the encoder for a format name. quality is ignored by
// lossless formats.
func NewEncoder(format string, quality int) (Encoder, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	switch strings.ToLower(format) {
	case "png", "":
		return PNGEncoder{}, nil
	case "jpeg", "jpg":
		return JPEGEncoder{Quality: quality}, nil
	case "webp":
		return WebPEncoder{Quality: quality}, nil
	default:
		return nil, fmt.Errorf("unsupported image format %q (supported: png, jpeg, webp)", format)
	}
}

// ForPath picks the encoder matching the extension of an output path.
func ForPath(path string, quality int) (Encoder, error) {
	return NewEncoder(strings.TrimPrefix(filepath.Ext(path), "."), quality)
}

// PNGEncoder is lossless and the default.
type PNGEncoder struct{}

func (PNGEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := &png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (PNGEncoder) Format() string        { return "png" }
func (PNGEncoder) ContentType() string   { return "image/png" }
func (PNGEncoder) FileExtension() string { return ".png" }

type JPEGEncoder struct {
	Quality int
}

func (e JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (JPEGEncoder) Format() string        { return "jpeg" }
func (JPEGEncoder) ContentType() string   { return "image/jpeg" }
func (JPEGEncoder) FileExtension() string { return ".jpg" }

// WebPEncoder uses libwebp through purego when the system provides it and
// its WASM build otherwise.
type WebPEncoder struct {
	Quality int
}

func (e WebPEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Quality: e.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (WebPEncoder) Format() string        { return "webp" }
func (WebPEncoder) ContentType() string   { return "image/webp" }
func (WebPEncoder) FileExtension() string { return ".webp" }
