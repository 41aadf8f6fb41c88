// Package coord converts query points between the geographic (degrees) and
// projected (meters) reference systems of the orthophoto dataset.
//
// Coordinates are always passed in X/Y order to the underlying transforms.
// In this package latitude/longitude only ever name degree values, x/y only
// ever name projected easting/northing.
package coord

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ctessum/geom/proj"
	"github.com/karlseguin/ccache/v3"
)

// transformTTL is long since a transform never changes for a CRS pair;
// expiry only lets rarely used pairs fall out of the cache.
const transformTTL = 24 * time.Hour

// ErrOutOfDomain is returned when a transform yields a non finite coordinate.
var ErrOutOfDomain = errors.New("coordinate outside the transform domain")

// Transformer converts points between a geographic and a projected CRS.
// Transform objects are built lazily and memoized per (source, target) pair.
// It is safe for concurrent use.
type Transformer struct {
	geographic string
	projected  string
	cache      *ccache.Cache[proj.Transformer]
}

// NewTransformer returns a Transformer between the geographic CRS and the
// projected CRS, e.g. NewTransformer("EPSG:4326", "EPSG:25832", 16).
// Both identifiers are validated up front.
func NewTransformer(geographic, projected string, cacheSize int64) (*Transformer, error) {
	for _, id := range []string{geographic, projected} {
		if _, err := lookupSR(id); err != nil {
			return nil, err
		}
	}
	if cacheSize <= 0 {
		cacheSize = 16
	}
	return &Transformer{
		geographic: geographic,
		projected:  projected,
		cache:      ccache.New(ccache.Configure[proj.Transformer]().MaxSize(cacheSize).ItemsToPrune(1)),
	}, nil
}

// Geographic returns the geographic CRS identifier.
func (t *Transformer) Geographic() string { return t.geographic }

// Projected returns the projected CRS identifier.
func (t *Transformer) Projected() string { return t.projected }

// ToProjected converts latitude/longitude in degrees to projected x/y meters.
func (t *Transformer) ToProjected(lat, lon float64) (x, y float64, err error) {
	fn, err := t.transform(t.geographic, t.projected)
	if err != nil {
		return 0, 0, err
	}
	x, y, err = fn(lon, lat)
	if err != nil {
		return 0, 0, fmt.Errorf("transforming (lat: %f, lon: %f) to %s: %w", lat, lon, t.projected, err)
	}
	if !finite(x, y) {
		return 0, 0, fmt.Errorf("transforming (lat: %f, lon: %f) to %s: %w", lat, lon, t.projected, ErrOutOfDomain)
	}
	return x, y, nil
}

// ToGeographic converts projected x/y meters to latitude/longitude in degrees.
func (t *Transformer) ToGeographic(x, y float64) (lat, lon float64, err error) {
	fn, err := t.transform(t.projected, t.geographic)
	if err != nil {
		return 0, 0, err
	}
	lon, lat, err = fn(x, y)
	if err != nil {
		return 0, 0, fmt.Errorf("transforming (x: %f, y: %f) to %s: %w", x, y, t.geographic, err)
	}
	if !finite(lat, lon) {
		return 0, 0, fmt.Errorf("transforming (x: %f, y: %f) to %s: %w", x, y, t.geographic, ErrOutOfDomain)
	}
	return lat, lon, nil
}

// transform returns the memoized transform for the CRS pair. The key
// depends only on the pair, never on the coordinates.
func (t *Transformer) transform(src, dst string) (proj.Transformer, error) {
	item, err := t.cache.Fetch(src+"->"+dst, transformTTL, func() (proj.Transformer, error) {
		return newTransform(src, dst)
	})
	if err != nil {
		return nil, err
	}
	return item.Value(), nil
}

func newTransform(src, dst string) (proj.Transformer, error) {
	srcSR, err := lookupSR(src)
	if err != nil {
		return nil, err
	}
	dstSR, err := lookupSR(dst)
	if err != nil {
		return nil, err
	}
	fn, err := srcSR.NewTransform(dstSR)
	if err != nil {
		return nil, fmt.Errorf("creating transform %s -> %s: %w", src, dst, err)
	}
	return fn, nil
}

func finite(a, b float64) bool {
	return !math.IsNaN(a) && !math.IsInf(a, 0) && !math.IsNaN(b) && !math.IsInf(b, 0)
}

// CachedPairs returns how many CRS pairs currently have a memoized transform.
func (t *Transformer) CachedPairs() int {
	return t.cache.ItemCount()
}

// Close stops the cache's background worker.
func (t *Transformer) Close() {
	t.cache.Stop()
}
