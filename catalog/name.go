package catalog

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/akhenakh/orthomosaic/bbox"
)

// TileSize is the ground footprint of one tile in meters.
const TileSize = 1000

// TileID identifies a 1000x1000 m grid cell.
type TileID struct {
	Easting  int
	Northing int
}

// Bounds derives the tile footprint from its grid indices.
func (id TileID) Bounds() bbox.BoundingBox {
	left := float64(id.Easting * TileSize)
	bottom := float64(id.Northing * TileSize)
	return bbox.New(left, bottom, left+TileSize-1, bottom+TileSize-1)
}

func (id TileID) String() string {
	return fmt.Sprintf("%d_%d", id.Easting, id.Northing)
}

// Entry is one raster file of the dataset.
type Entry struct {
	ID     TileID
	Key    string // object key inside the dataset bucket
	Year   int
	Bounds bbox.BoundingBox
}

// Name returns the file name of the entry.
func (e Entry) Name() string {
	return path.Base(e.Key)
}

// MalformedNameError is returned when a raster file does not follow the
// tile naming contract.
type MalformedNameError struct {
	Name    string
	Pattern string
}

func (e *MalformedNameError) Error() string {
	return fmt.Sprintf("incorrect tile file name %q, expected '%s'", e.Name, e.Pattern)
}

// NamePattern parses tile file names of the form
// <prefix>_<easting>_<northing>_1_nw_<year>.<ext>.
type NamePattern struct {
	prefix string
	ext    string
	re     *regexp.Regexp
}

// NewNamePattern compiles the naming contract for the given dataset prefix
// (e.g. "dop10rgbi_32") and file extension (e.g. "tif").
func NewNamePattern(prefix, ext string) (*NamePattern, error) {
	ext = strings.TrimPrefix(ext, ".")
	if prefix == "" || ext == "" {
		return nil, fmt.Errorf("tile name prefix and extension must not be empty")
	}
	re, err := regexp.Compile(`^` + regexp.QuoteMeta(prefix) + `_(\d+)_(\d+)_1_nw_(\d{4})\.` + regexp.QuoteMeta(ext) + `$`)
	if err != nil {
		return nil, fmt.Errorf("compiling tile name pattern: %w", err)
	}
	return &NamePattern{prefix: prefix, ext: ext, re: re}, nil
}

// Ext returns the raster extension without the dot.
func (p *NamePattern) Ext() string { return p.ext }

// HasExt reports whether name carries the raster extension, i.e. whether the
// file takes part in discovery at all. The match is case-sensitive like the
// name pattern itself.
func (p *NamePattern) HasExt(name string) bool {
	return strings.TrimPrefix(path.Ext(name), ".") == p.ext
}

func (p *NamePattern) String() string {
	return fmt.Sprintf("%s_<easting>_<northing>_1_nw_<year>.%s", p.prefix, p.ext)
}

// Parse turns an object key into a catalog entry.
func (p *NamePattern) Parse(key string) (Entry, error) {
	name := path.Base(key)
	m := p.re.FindStringSubmatch(name)
	if m == nil {
		return Entry{}, &MalformedNameError{Name: name, Pattern: p.String()}
	}
	easting, err := strconv.Atoi(m[1])
	if err != nil {
		return Entry{}, &MalformedNameError{Name: name, Pattern: p.String()}
	}
	northing, err := strconv.Atoi(m[2])
	if err != nil {
		return Entry{}, &MalformedNameError{Name: name, Pattern: p.String()}
	}
	year, _ := strconv.Atoi(m[3])

	id := TileID{Easting: easting, Northing: northing}
	return Entry{ID: id, Key: key, Year: year, Bounds: id.Bounds()}, nil
}

// Name builds the file name for a tile.
func (p *NamePattern) Name(id TileID, year int) string {
	return fmt.Sprintf("%s_%d_%d_1_nw_%04d.%s", p.prefix, id.Easting, id.Northing, year, p.ext)
}
