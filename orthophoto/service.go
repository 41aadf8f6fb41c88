// Package orthophoto turns a point and a radius into an image mosaicked from
// the orthophoto tiles of a dataset.
package orthophoto

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akhenakh/orthomosaic/bbox"
	"github.com/akhenakh/orthomosaic/catalog"
	"github.com/akhenakh/orthomosaic/coord"
	"github.com/akhenakh/orthomosaic/geotiff"
	"github.com/akhenakh/orthomosaic/mosaic"
)

// ErrUnimplemented is returned for tile layouts the compositor cannot place.
var ErrUnimplemented = mosaic.ErrUnimplemented

// TileFinder lists the tiles of a dataset intersecting a footprint.
type TileFinder interface {
	Find(ctx context.Context, dir string, footprint bbox.BoundingBox) ([]catalog.Entry, error)
}

// WindowReader reads the window of a tile covering a footprint.
type WindowReader interface {
	ReadWindow(ctx context.Context, entry catalog.Entry, footprint bbox.BoundingBox) (mosaic.PartialRead, error)
}

// Config holds the service defaults.
type Config struct {
	// Dataset is the directory used when a query names none.
	Dataset string
	// OutputSize is the default image edge in pixels.
	OutputSize int
	// DefaultResolution is the canvas pixel size in meters when no tile
	// could be read.
	DefaultResolution float64
	// ReadConcurrency bounds the tiles read in parallel for one request.
	ReadConcurrency int
	// MaxCanvasPixels bounds the canvas assembled before resampling. Larger
	// footprints are rejected with ErrInvalidQuery.
	MaxCanvasPixels int
}

// DefaultMaxCanvasPixels allows a 5792x5792 canvas, about 128 MiB of RGBA.
const DefaultMaxCanvasPixels = 1 << 25

// Service produces images. It is safe for concurrent use.
type Service struct {
	tiles       TileFinder
	reader      WindowReader
	transformer *coord.Transformer
	metrics     *Metrics
	cfg         Config
	logger      *slog.Logger
}

// New wires a Service. metrics may be nil.
func New(tiles TileFinder, reader WindowReader, transformer *coord.Transformer, metrics *Metrics, cfg Config, logger *slog.Logger) *Service {
	if cfg.OutputSize <= 0 {
		cfg.OutputSize = mosaic.DefaultSize
	}
	if cfg.DefaultResolution <= 0 {
		cfg.DefaultResolution = 1
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 4
	}
	if cfg.MaxCanvasPixels <= 0 {
		cfg.MaxCanvasPixels = DefaultMaxCanvasPixels
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tiles:       tiles,
		reader:      reader,
		transformer: transformer,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
	}
}

// Location is where a query lands in the dataset.
type Location struct {
	Footprint bbox.BoundingBox
	Tiles     []catalog.Entry
	Plan      mosaic.Plan
}

// Result is a produced image with the details of how it was assembled.
// Canvas is nil when no tile intersected the footprint.
type Result struct {
	Location
	Image       *image.RGBA
	Canvas      *mosaic.Canvas
	FailedReads int
}

func (s *Service) withDefaults(q Query) Query {
	if q.Width == 0 {
		q.Width = s.cfg.OutputSize
	}
	if q.Height == 0 {
		q.Height = s.cfg.OutputSize
	}
	if q.Dataset == "" {
		q.Dataset = s.cfg.Dataset
	}
	return q
}

// Footprint converts the query to a projected bounding box. Suspicious
// coordinates or radius only produce warnings.
func (s *Service) Footprint(q Query) (bbox.BoundingBox, error) {
	if q.Radius < 0 || q.Radius > MaxRadius {
		s.logger.Warn("radius outside the supported range, continuing",
			"radius", q.Radius, "min", 0, "max", MaxRadius)
	}

	if q.Projected {
		return bbox.Around(q.Longitude, q.Latitude, q.Radius), nil
	}

	if !q.geographicInRange() {
		s.logger.Warn("coordinates look projected but the query is geographic, continuing",
			"latitude", q.Latitude, "longitude", q.Longitude)
	}
	x, y, err := s.transformer.ToProjected(q.Latitude, q.Longitude)
	if err != nil {
		return bbox.BoundingBox{}, fmt.Errorf("projecting (%f, %f): %w", q.Latitude, q.Longitude, err)
	}
	s.logger.Debug("projected query point", "latitude", q.Latitude, "longitude", q.Longitude, "x", x, "y", y)
	return bbox.Around(x, y, q.Radius), nil
}

// Locate finds the tiles under the query and classifies them. On an
// unsupported layout the returned location still lists the tiles.
func (s *Service) Locate(ctx context.Context, q Query) (Location, error) {
	q = s.withDefaults(q)
	if err := q.validate(); err != nil {
		return Location{}, err
	}

	fp, err := s.Footprint(q)
	if err != nil {
		return Location{}, err
	}
	loc := Location{Footprint: fp}

	loc.Tiles, err = s.tiles.Find(ctx, q.Dataset, fp)
	if err != nil {
		return loc, err
	}

	loc.Plan, err = mosaic.Classify(loc.Tiles)
	if err != nil {
		return loc, err
	}
	return loc, nil
}

// ProduceImage returns the image for the query.
func (s *Service) ProduceImage(ctx context.Context, q Query) (image.Image, error) {
	res, err := s.Produce(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Image, nil
}

// Produce runs the whole pipeline: footprint, tile discovery, windowed
// reads, placement and resampling. A tile that cannot be read leaves a
// black gap, the request still succeeds.
func (s *Service) Produce(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	q = s.withDefaults(q)

	loc, err := s.Locate(ctx, q)
	if err != nil {
		if errors.Is(err, mosaic.ErrUnimplemented) {
			s.metrics.requests.WithLabelValues("unsupported").Inc()
			s.logger.Error("tile layout not supported", "footprint", loc.Footprint.String(), "error", err)
		}
		return nil, err
	}
	s.logger.Info("found tiles intersecting the required area",
		"count", len(loc.Tiles), "layout", loc.Plan.Layout.String(), "footprint", loc.Footprint.String())

	if loc.Plan.Layout == mosaic.Empty {
		s.metrics.requests.WithLabelValues(loc.Plan.Layout.String()).Inc()
		s.metrics.duration.Observe(time.Since(start).Seconds())
		s.logger.Info("no tile intersects the footprint, returning a black image",
			"width", q.Width, "height", q.Height, "duration", time.Since(start))
		return &Result{Location: loc, Image: mosaic.Blank(q.Width, q.Height)}, nil
	}

	reads, failed, err := s.readAll(ctx, loc)
	if err != nil {
		return nil, err
	}

	res := mosaic.Resolution(reads, s.cfg.DefaultResolution)
	if px := mosaic.CanvasPixels(loc.Footprint, res); !(px <= float64(s.cfg.MaxCanvasPixels)) {
		s.metrics.requests.WithLabelValues("rejected").Inc()
		s.logger.Warn("footprint too large for the canvas, rejecting",
			"footprint", loc.Footprint.String(), "resolution", res, "pixels", px, "max_pixels", s.cfg.MaxCanvasPixels)
		return nil, fmt.Errorf("%w: footprint %s needs %.0f canvas pixels at %g m, the limit is %d",
			ErrInvalidQuery, loc.Footprint, px, res, s.cfg.MaxCanvasPixels)
	}

	canvas, err := mosaic.Assemble(loc.Plan, loc.Footprint, reads, s.cfg.DefaultResolution)
	if err != nil {
		return nil, err
	}
	img := mosaic.Resample(canvas.Image, q.Width, q.Height)

	s.metrics.requests.WithLabelValues(loc.Plan.Layout.String()).Inc()
	s.metrics.duration.Observe(time.Since(start).Seconds())
	s.logger.Info("produced image",
		"layout", loc.Plan.Layout.String(),
		"canvas", canvas.Image.Bounds().Size().String(),
		"resolution", canvas.Resolution,
		"fast_path", canvas.FastPath,
		"failed_reads", failed,
		"duration", time.Since(start),
	)

	return &Result{Location: loc, Image: img, Canvas: canvas, FailedReads: failed}, nil
}

// readAll reads the plan tiles concurrently. Results keep the plan order so
// placement is deterministic whatever order the reads finish in.
func (s *Service) readAll(ctx context.Context, loc Location) ([]mosaic.PartialRead, int, error) {
	reads := make([]mosaic.PartialRead, len(loc.Plan.Tiles))
	failures := make([]bool, len(loc.Plan.Tiles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ReadConcurrency)
	for i, entry := range loc.Plan.Tiles {
		g.Go(func() error {
			read, err := s.reader.ReadWindow(gctx, entry, loc.Footprint)
			if err != nil {
				failures[i] = true
				if errors.Is(err, geotiff.ErrEmptyWindow) {
					s.logger.Debug("tile window is empty", "tile", entry.Name(), "error", err)
					return nil
				}
				s.metrics.readFailures.Inc()
				s.logger.Warn("failed to read tile, leaving a gap", "tile", entry.Name(), "error", err)
				return nil
			}
			s.metrics.tilesRead.Inc()
			reads[i] = read
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	failed := 0
	for _, f := range failures {
		if f {
			failed++
		}
	}
	return reads, failed, nil
}
