// Package tilereader reads the window of a dataset tile covering a footprint.
package tilereader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karlseguin/ccache/v3"
	"gocloud.dev/blob"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/orthomosaic/bbox"
	"github.com/akhenakh/orthomosaic/catalog"
	"github.com/akhenakh/orthomosaic/geotiff"
	"github.com/akhenakh/orthomosaic/mosaic"
)

// Options configures a Reader.
type Options struct {
	// CacheMaxSize bounds the number of decoded blocks kept across tiles.
	CacheMaxSize int64
	ItemsToPrune uint32
	CacheTTL     time.Duration

	// EPSG is the projected CRS the dataset is expected in, 0 skips the check.
	EPSG int

	// OpenFiles bounds the parsed tiles kept between requests, FileTTL is
	// how long one is reused before the object is opened again.
	OpenFiles int64
	FileTTL   time.Duration
}

// Reader opens tiles from the dataset bucket. It is safe for concurrent use.
type Reader struct {
	bucket   *blob.Bucket
	cache    *ccache.Cache[[]byte]
	cacheTTL time.Duration
	epsg     int
	logger   *slog.Logger

	files   *ccache.Cache[*geotiff.GeoTIFF]
	fileTTL time.Duration
	opening singleflight.Group
}

// New returns a Reader sharing one block cache between all tiles.
func New(bucket *blob.Bucket, opts Options, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.CacheMaxSize
	if size <= 0 {
		size = 1024
	}
	prune := opts.ItemsToPrune
	if prune == 0 {
		prune = uint32(max(1, size/10))
	}
	files := opts.OpenFiles
	if files <= 0 {
		files = 256
	}
	fileTTL := opts.FileTTL
	if fileTTL <= 0 {
		fileTTL = 5 * time.Minute
	}
	return &Reader{
		bucket:   bucket,
		cache:    ccache.New(ccache.Configure[[]byte]().MaxSize(size).ItemsToPrune(prune)),
		cacheTTL: opts.CacheTTL,
		epsg:     opts.EPSG,
		logger:   logger,
		files:    ccache.New(ccache.Configure[*geotiff.GeoTIFF]().MaxSize(files).ItemsToPrune(uint32(max(1, files/10)))),
		fileTTL:  fileTTL,
	}
}

// file returns the parsed tile at key, opening it once for all concurrent
// callers. The tile stays readable after ctx ends since it is shared.
func (r *Reader) file(ctx context.Context, key string) (*geotiff.GeoTIFF, error) {
	if item := r.files.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}
	ch := r.opening.DoChan(key, func() (interface{}, error) {
		g, err := r.Open(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		r.files.Set(key, g, r.fileTTL)
		return g, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*geotiff.GeoTIFF), nil
	}
}

// Open parses the tile at key, bypassing the open file cache. Rasters
// without geotags are located through their world file sidecar.
func (r *Reader) Open(ctx context.Context, key string) (*geotiff.GeoTIFF, error) {
	src, err := geotiff.NewBlobReader(ctx, r.bucket, key)
	if err != nil {
		return nil, err
	}
	opts := geotiff.Options{
		Cache:    r.cache,
		CacheKey: key,
		CacheTTL: r.cacheTTL,
		Logger:   r.logger,
	}

	g, err := geotiff.Open(src, opts)
	if errors.Is(err, geotiff.ErrNoGeoreference) {
		wf, wfErr := r.worldFile(ctx, key)
		if wfErr != nil {
			return nil, fmt.Errorf("%s: %w", key, wfErr)
		}
		if wf == nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		opts.WorldFile = wf
		g, err = geotiff.Open(src, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("opening tile %s: %w", key, err)
	}
	reqs, fetched := src.Fetched()
	r.logger.Debug("opened tile", "key", key, "size", src.Size(), "range_requests", reqs, "bytes_fetched", fetched)

	if r.epsg != 0 && g.EPSG() != 0 && g.EPSG() != r.epsg {
		r.logger.Warn("tile CRS differs from the dataset CRS, pixels are not reprojected",
			"key", key, "tile_epsg", g.EPSG(), "dataset_epsg", r.epsg)
	}
	return g, nil
}

// worldFile returns the first sidecar found next to key, nil when none exists.
func (r *Reader) worldFile(ctx context.Context, key string) (*geotiff.WorldFile, error) {
	for _, candidate := range geotiff.WorldFileCandidates(key) {
		ok, err := r.bucket.Exists(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("probing world file %s: %w", candidate, err)
		}
		if !ok {
			continue
		}
		data, err := r.bucket.ReadAll(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("reading world file %s: %w", candidate, err)
		}
		wf, err := geotiff.ParseWorldFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", candidate, err)
		}
		return wf, nil
	}
	return nil, nil
}

// ReadWindow reads the part of the tile covered by the footprint. The
// returned bounds are the pixel-snapped ones.
func (r *Reader) ReadWindow(ctx context.Context, entry catalog.Entry, footprint bbox.BoundingBox) (mosaic.PartialRead, error) {
	start := time.Now()
	g, err := r.file(ctx, entry.Key)
	if err != nil {
		return mosaic.PartialRead{}, err
	}

	img, w, err := g.ReadFootprint(footprint)
	if err != nil {
		return mosaic.PartialRead{}, fmt.Errorf("reading window of %s: %w", entry.Name(), err)
	}

	r.logger.Debug("read tile window",
		"tile", entry.Name(),
		"window", w.String(),
		"bounds", w.Bounds.String(),
		"duration", time.Since(start),
	)
	return mosaic.PartialRead{
		Pixels:    img,
		Bounds:    w.Bounds,
		PixelSize: g.Georef().PixelSizeX,
	}, nil
}

// CachedBlocks returns the number of decoded blocks held.
func (r *Reader) CachedBlocks() int {
	return r.cache.ItemCount()
}

// OpenTiles returns the number of parsed tiles held.
func (r *Reader) OpenTiles() int {
	return r.files.ItemCount()
}

// Close stops the caches.
func (r *Reader) Close() {
	r.files.Stop()
	r.cache.Stop()
}
