// Package catalog discovers the orthophoto tiles of a dataset directory and
// selects the ones intersecting a query footprint.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"gocloud.dev/blob"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/orthomosaic/bbox"
)

// Options configures a Catalog.
type Options struct {
	Prefix string // dataset file prefix, e.g. "dop10rgbi_32"
	Ext    string // raster extension, e.g. "tif"

	// Lenient skips malformed file names instead of aborting the scan.
	Lenient bool

	// TTL is how long a directory scan is reused. Zero disables caching.
	TTL          time.Duration
	CacheMaxSize int64
}

// Catalog lists the tiles stored in a bucket. It is safe for concurrent use.
type Catalog struct {
	bucket  *blob.Bucket
	pattern *NamePattern
	lenient bool
	ttl     time.Duration
	logger  *slog.Logger

	// scans holds the parsed entries per directory.
	scans *ccache.Cache[[]Entry]
	// inflight makes concurrent requests for the same directory share one scan.
	inflight singleflight.Group
}

// New returns a Catalog over the bucket.
func New(bucket *blob.Bucket, opts Options, logger *slog.Logger) (*Catalog, error) {
	pattern, err := NewNamePattern(opts.Prefix, opts.Ext)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.CacheMaxSize
	if size <= 0 {
		size = 64
	}
	return &Catalog{
		bucket:  bucket,
		pattern: pattern,
		lenient: opts.Lenient,
		ttl:     opts.TTL,
		logger:  logger,
		scans:   ccache.New(ccache.Configure[[]Entry]().MaxSize(size).ItemsToPrune(uint32(max(1, size/10)))),
	}, nil
}

// Pattern returns the naming contract used by the catalog.
func (c *Catalog) Pattern() *NamePattern { return c.pattern }

// List returns every tile directly under dir, in listing order.
// In strict mode the first malformed raster file name aborts the listing
// with a *MalformedNameError.
func (c *Catalog) List(ctx context.Context, dir string) ([]Entry, error) {
	key := dirPrefix(dir)
	if c.ttl > 0 {
		if item := c.scans.Get(key); item != nil && !item.Expired() {
			return slices.Clone(item.Value()), nil
		}
	}

	// the scan is shared, a caller going away must not fail the others
	ch := c.inflight.DoChan(key, func() (interface{}, error) {
		entries, err := c.scan(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		if c.ttl > 0 {
			c.scans.Set(key, entries, c.ttl)
		}
		return entries, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]Entry)), nil
	}
}

func (c *Catalog) scan(ctx context.Context, prefix string) ([]Entry, error) {
	start := time.Now()
	var entries []Entry

	iter := c.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing dataset %q: %w", prefix, err)
		}
		if obj.IsDir || !c.pattern.HasExt(obj.Key) {
			continue
		}

		entry, err := c.pattern.Parse(obj.Key)
		if err != nil {
			if c.lenient {
				c.logger.Warn("skipping tile with malformed name", "key", obj.Key, "error", err)
				continue
			}
			c.logger.Error("malformed tile name aborts discovery", "key", obj.Key, "error", err)
			return nil, err
		}
		entries = append(entries, entry)
	}

	c.logger.Debug("scanned dataset", "prefix", prefix, "tiles", len(entries), "duration", time.Since(start))
	return entries, nil
}

// Find lists dir and returns the tiles intersecting the footprint.
func (c *Catalog) Find(ctx context.Context, dir string, footprint bbox.BoundingBox) ([]Entry, error) {
	entries, err := c.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	found := FindIntersecting(entries, footprint)
	c.logger.Info("found tiles intersecting the required area", "count", len(found), "footprint", footprint.String())
	return found, nil
}

// FindIntersecting keeps the entries whose bounds intersect the footprint,
// sorted by key. With the fixed-width naming contract this orders the tiles
// by (easting, northing).
func FindIntersecting(entries []Entry, footprint bbox.BoundingBox) []Entry {
	var found []Entry
	for _, e := range entries {
		if bbox.Intersects(e.Bounds, footprint) {
			found = append(found, e)
		}
	}
	slices.SortFunc(found, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return found
}

// Invalidate drops the cached scan of dir.
func (c *Catalog) Invalidate(dir string) {
	c.scans.Delete(dirPrefix(dir))
}

// Close stops the scan cache.
func (c *Catalog) Close() {
	c.scans.Stop()
}

// dirPrefix turns a directory into a bucket listing prefix.
func dirPrefix(dir string) string {
	dir = strings.Trim(strings.TrimSpace(dir), "/")
	if dir == "" || dir == "." {
		return ""
	}
	return dir + "/"
}
