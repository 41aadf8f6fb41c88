// Command orthoclip writes the orthophoto image around a point to a file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/urfave/cli/v2"

	"github.com/akhenakh/orthomosaic/catalog"
	"github.com/akhenakh/orthomosaic/coord"
	"github.com/akhenakh/orthomosaic/encode"
	"github.com/akhenakh/orthomosaic/orthophoto"
	"github.com/akhenakh/orthomosaic/tilereader"
)

const (
	DATASET   string = `dataset`
	DIR       string = `dir`
	PREFIX    string = `prefix`
	EXT       string = `ext`
	LAT       string = `lat`
	LON       string = `lon`
	RADIUS    string = `radius`
	PROJECTED string = `projected`
	SIZE      string = `size`
	FORMAT    string = `format`
	QUALITY   string = `quality`
	OUTPUT    string = `output`
	LENIENT   string = `lenient`
	CRS       string = `crs`
	VERBOSE   string = `verbose`
)

func envVars(name string) []string {
	return []string{"ORTHOCLIP_" + strcase.ToScreamingSnake(name)}
}

//nolint:funlen
func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "orthoclip"
	app.Usage = "Clip a square image around a point from a tiled orthophoto dataset"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     DATASET,
			Aliases:  []string{"d"},
			Usage:    "Dataset location, a directory or a bucket URL (file://, s3://...)",
			Required: true,
			EnvVars:  envVars(DATASET),
		},
		&cli.StringFlag{
			Name:    DIR,
			Usage:   "Directory of the tiles inside the dataset",
			Value:   "nw",
			EnvVars: envVars(DIR),
		},
		&cli.StringFlag{
			Name:    PREFIX,
			Usage:   "Tile file name prefix",
			Value:   "dop10rgbi_32",
			EnvVars: envVars(PREFIX),
		},
		&cli.StringFlag{
			Name:    EXT,
			Usage:   "Tile file extension",
			Value:   "tif",
			EnvVars: envVars(EXT),
		},
		&cli.Float64Flag{
			Name:     LAT,
			Usage:    "Latitude in degrees, or the northing with --projected",
			Required: true,
			EnvVars:  envVars(LAT),
		},
		&cli.Float64Flag{
			Name:     LON,
			Usage:    "Longitude in degrees, or the easting with --projected",
			Required: true,
			EnvVars:  envVars(LON),
		},
		&cli.Float64Flag{
			Name:    RADIUS,
			Aliases: []string{"r"},
			Usage:   "Half the edge of the square footprint in meters",
			Value:   orthophoto.MaxRadius,
			EnvVars: envVars(RADIUS),
		},
		&cli.BoolFlag{
			Name:    PROJECTED,
			Aliases: []string{"p"},
			Usage:   "Coordinates are already in the dataset CRS",
			EnvVars: envVars(PROJECTED),
		},
		&cli.IntFlag{
			Name:    SIZE,
			Aliases: []string{"s"},
			Usage:   "Output edge in pixels",
			Value:   256,
			EnvVars: envVars(SIZE),
		},
		&cli.StringFlag{
			Name:    FORMAT,
			Aliases: []string{"f"},
			Usage:   "Output format: png, jpeg or webp. Defaults to the output extension",
			EnvVars: envVars(FORMAT),
		},
		&cli.IntFlag{
			Name:    QUALITY,
			Usage:   "Quality of the lossy formats",
			Value:   encode.DefaultQuality,
			EnvVars: envVars(QUALITY),
		},
		&cli.StringFlag{
			Name:     OUTPUT,
			Aliases:  []string{"o"},
			Usage:    "Output image file",
			Required: true,
			EnvVars:  envVars(OUTPUT),
		},
		&cli.BoolFlag{
			Name:    LENIENT,
			Usage:   "Skip tiles with malformed names instead of failing",
			EnvVars: envVars(LENIENT),
		},
		&cli.StringFlag{
			Name:    CRS,
			Usage:   "Projected CRS of the dataset",
			Value:   coord.ETRS89UTM,
			EnvVars: envVars(CRS),
		},
		&cli.BoolFlag{
			Name:    VERBOSE,
			Aliases: []string{"v"},
			Usage:   "Log at debug level",
			EnvVars: envVars(VERBOSE),
		},
	}

	app.Action = clip
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func clip(c *cli.Context) error {
	level := slog.LevelInfo
	if c.Bool(VERBOSE) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: level}))

	format := c.String(FORMAT)
	var enc encode.Encoder
	var err error
	if format == "" {
		enc, err = encode.ForPath(c.String(OUTPUT), c.Int(QUALITY))
	} else {
		enc, err = encode.NewEncoder(format, c.Int(QUALITY))
	}
	if err != nil {
		return err
	}

	svc, closeAll, err := newService(c.Context, c, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	q := orthophoto.Query{
		Latitude:  c.Float64(LAT),
		Longitude: c.Float64(LON),
		Radius:    c.Float64(RADIUS),
		Projected: c.Bool(PROJECTED),
		Width:     c.Int(SIZE),
		Height:    c.Int(SIZE),
	}
	res, err := svc.Produce(c.Context, q)
	if err != nil {
		return err
	}

	data, err := enc.Encode(res.Image)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", enc.Format(), err)
	}
	if err := os.WriteFile(c.String(OUTPUT), data, 0o644); err != nil {
		return err
	}

	names := make([]string, len(res.Tiles))
	for i, t := range res.Tiles {
		names[i] = t.Name()
	}
	logger.Info("image written",
		"output", c.String(OUTPUT),
		"format", enc.Format(),
		"layout", res.Plan.Layout.String(),
		"tiles", strings.Join(names, ","),
		"failed_reads", res.FailedReads,
	)
	return nil
}

func newService(ctx context.Context, c *cli.Context, logger *slog.Logger) (*orthophoto.Service, func(), error) {
	bucket, err := catalog.OpenBucket(ctx, c.String(DATASET))
	if err != nil {
		return nil, nil, err
	}
	epsg, err := coord.ParseEPSG(c.String(CRS))
	if err != nil {
		bucket.Close()
		return nil, nil, err
	}
	tr, err := coord.NewTransformer(coord.WGS84, c.String(CRS), 0)
	if err != nil {
		bucket.Close()
		return nil, nil, err
	}
	cat, err := catalog.New(bucket, catalog.Options{
		Prefix:  c.String(PREFIX),
		Ext:     c.String(EXT),
		Lenient: c.Bool(LENIENT),
	}, logger)
	if err != nil {
		tr.Close()
		bucket.Close()
		return nil, nil, err
	}
	reader := tilereader.New(bucket, tilereader.Options{EPSG: epsg}, logger)

	svc := orthophoto.New(cat, reader, tr, nil, orthophoto.Config{Dataset: c.String(DIR)}, logger)
	return svc, func() {
		reader.Close()
		cat.Close()
		tr.Close()
		bucket.Close()
	}, nil
}
