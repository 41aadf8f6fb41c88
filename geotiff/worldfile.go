package geotiff

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// WorldFile holds the six parameters of an ESRI world file (.tfw).
// The origin is the center of the upper-left pixel.
type WorldFile struct {
	PixelSizeX float64 // line 1
	RotationY  float64 // line 2
	RotationX  float64 // line 3
	PixelSizeY float64 // line 4, negative for north-up rasters
	OriginX    float64 // line 5
	OriginY    float64 // line 6
}

// WorldFileExts are the sidecar extensions probed next to a raster.
var WorldFileExts = []string{".tfw", ".TFW", ".tifw", ".TIFW", ".wld"}

// WorldFileCandidates returns the sidecar keys to probe for a raster key.
func WorldFileCandidates(key string) []string {
	base := strings.TrimSuffix(key, path.Ext(key))
	out := make([]string, len(WorldFileExts))
	for i, ext := range WorldFileExts {
		out[i] = base + ext
	}
	return out
}

// ParseWorldFile reads the six world file lines. Blank lines are ignored.
func ParseWorldFile(r io.Reader) (*WorldFile, error) {
	var vals []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() && len(vals) < 6 {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("world file line %d: %w", len(vals)+1, err)
		}
		vals = append(vals, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading world file: %w", err)
	}
	if len(vals) < 6 {
		return nil, fmt.Errorf("world file: expected 6 values, got %d", len(vals))
	}

	return &WorldFile{
		PixelSizeX: vals[0],
		RotationY:  vals[1],
		RotationX:  vals[2],
		PixelSizeY: vals[3],
		OriginX:    vals[4],
		OriginY:    vals[5],
	}, nil
}

// Georef converts the pixel-center origin to the corner convention.
func (w *WorldFile) Georef() (Georef, error) {
	if w.RotationX != 0 || w.RotationY != 0 {
		return Georef{}, fmt.Errorf("rotated world files are not supported (rotation: %f, %f)", w.RotationX, w.RotationY)
	}
	if w.PixelSizeX <= 0 || w.PixelSizeY == 0 {
		return Georef{}, fmt.Errorf("invalid world file pixel size %f x %f", w.PixelSizeX, w.PixelSizeY)
	}
	sy := -w.PixelSizeY
	if sy < 0 {
		// south-up rasters are stored with a positive y size
		return Georef{}, fmt.Errorf("south-up world files are not supported")
	}
	return Georef{
		OriginX:    w.OriginX - w.PixelSizeX/2,
		OriginY:    w.OriginY + sy/2,
		PixelSizeX: w.PixelSizeX,
		PixelSizeY: sy,
	}, nil
}

func (w *WorldFile) String() string {
	return fmt.Sprintf("%g\n%g\n%g\n%g\n%g\n%g\n",
		w.PixelSizeX, w.RotationY, w.RotationX, w.PixelSizeY, w.OriginX, w.OriginY)
}
