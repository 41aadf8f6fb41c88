// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/akhenakh/orthomosaic/catalog"
	"github.com/akhenakh/orthomosaic/coord"
	"github.com/akhenakh/orthomosaic/orthophoto"
	"github.com/akhenakh/orthomosaic/tilereader"
)

const appName = "orthomosaic"

var grpcMetrics = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
	grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
))

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel        string `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort        int    `env:"HTTP_PORT" envDefault:"8080"`
	APIPort         int    `env:"API_PORT" envDefault:"9200"`
	HealthPort      int    `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort int    `env:"METRICS_PORT" envDefault:"8888"`

	// DatasetURL is a local directory or a gocloud bucket URL.
	DatasetURL   string `env:"DATASET_URL" envDefault:"./data"`
	DatasetDir   string `env:"DATASET_DIR" envDefault:"nw"`
	TilePrefix   string `env:"TILE_PREFIX" envDefault:"dop10rgbi_32"`
	TileExt      string `env:"TILE_EXT" envDefault:"tif"`
	LenientNames bool   `env:"LENIENT_NAMES" envDefault:"false"`

	SourceCRS string `env:"SOURCE_CRS" envDefault:"EPSG:4326"`
	TargetCRS string `env:"TARGET_CRS" envDefault:"EPSG:25832"`

	OutputSize        int     `env:"OUTPUT_SIZE" envDefault:"256"`
	DefaultResolution float64 `env:"DEFAULT_RESOLUTION" envDefault:"0.1"`
	ImageQuality      int     `env:"IMAGE_QUALITY" envDefault:"85"`
	ReadConcurrency   int     `env:"READ_CONCURRENCY" envDefault:"4"`
	MaxCanvasPixels   int     `env:"MAX_CANVAS_PIXELS" envDefault:"33554432"`

	CatalogTTL         time.Duration `env:"CATALOG_TTL" envDefault:"5m"`
	CacheMaxSize       int64         `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune  uint32        `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	TransformCacheSize int64         `env:"TRANSFORM_CACHE_SIZE" envDefault:"64"`
}

// app owns the listeners so they can be stopped from the signal handler.
type app struct {
	logger *slog.Logger
	api    *Server
	health *health.Server

	grpcAPI     *grpc.Server
	grpcHealth  *grpc.Server
	httpMetrics *http.Server
	httpRest    *http.Server
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeService, err := setupService(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize the orthophoto service, shutting down", "error", err)
		os.Exit(1)
	}
	defer closeService()

	a := &app{logger: logger, health: health.NewServer()}
	a.api = &Server{svc: svc, quality: cfg.ImageQuality, logger: logger}
	a.grpcAPI = newGRPCAPIServer(logger, a.api)
	a.grpcHealth = grpc.NewServer()
	healthpb.RegisterHealthServer(a.grpcHealth, a.health)
	a.httpMetrics = &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPMetricsPort), Handler: metricsMux()}
	a.httpRest = &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: a.api.routes()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serveGRPC("health", a.grpcHealth, cfg.HealthPort) })
	g.Go(func() error { return a.serveHTTP("metrics", a.httpMetrics) })
	g.Go(func() error {
		grpcMetrics.InitializeMetrics(a.grpcAPI)
		a.health.SetServingStatus(orthophotoServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
		return a.serveGRPC("API", a.grpcAPI, cfg.APIPort)
	})
	g.Go(func() error { return a.serveHTTP("REST", a.httpRest) })

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Warn("received termination signal, starting graceful shutdown")
	} else {
		logger.Warn("a server stopped, starting graceful shutdown")
	}
	a.shutdown()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func (a *app) serveGRPC(name string, srv *grpc.Server, port int) error {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC %s server failed to listen: %w", name, err)
	}
	a.logger.Info("gRPC server listening", "server", name, "address", addr)
	return srv.Serve(lis)
}

func (a *app) serveHTTP(name string, srv *http.Server) error {
	a.logger.Info("HTTP server listening", "server", name, "address", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP %s server failed: %w", name, err)
	}
	return nil
}

func (a *app) shutdown() {
	a.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for name, srv := range map[string]*http.Server{"metrics": a.httpMetrics, "REST": a.httpRest} {
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("HTTP server shutdown error", "server", name, "error", err)
		}
	}
	a.grpcHealth.GracefulStop()
	a.grpcAPI.GracefulStop()
}

func metricsMux() *http.ServeMux {
	prometheus.MustRegister(grpcMetrics)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func newGRPCAPIServer(logger *slog.Logger, s *Server) *grpc.Server {
	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(InterceptorLogger(logger), lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	srv.RegisterService(&orthophotoServiceDesc, s)
	return srv
}

// setupService wires the dataset bucket, the catalog, the tile reader and
// the transformer. The returned func releases them.
func setupService(ctx context.Context, cfg Config, logger *slog.Logger) (*orthophoto.Service, func(), error) {
	logger.Info("opening dataset", "url", cfg.DatasetURL, "dir", cfg.DatasetDir,
		"prefix", cfg.TilePrefix, "ext", cfg.TileExt, "lenient", cfg.LenientNames)
	bucket, err := catalog.OpenBucket(ctx, cfg.DatasetURL)
	if err != nil {
		return nil, nil, err
	}

	epsg, err := coord.ParseEPSG(cfg.TargetCRS)
	if err != nil {
		bucket.Close()
		return nil, nil, err
	}

	tr, err := coord.NewTransformer(cfg.SourceCRS, cfg.TargetCRS, cfg.TransformCacheSize)
	if err != nil {
		bucket.Close()
		return nil, nil, err
	}

	cat, err := catalog.New(bucket, catalog.Options{
		Prefix:       cfg.TilePrefix,
		Ext:          cfg.TileExt,
		Lenient:      cfg.LenientNames,
		TTL:          cfg.CatalogTTL,
		CacheMaxSize: cfg.CacheMaxSize,
	}, logger)
	if err != nil {
		tr.Close()
		bucket.Close()
		return nil, nil, err
	}

	logger.Info("configuring block cache", "max_size", cfg.CacheMaxSize, "items_to_prune", cfg.CacheItemsToPrune)
	reader := tilereader.New(bucket, tilereader.Options{
		CacheMaxSize: cfg.CacheMaxSize,
		ItemsToPrune: cfg.CacheItemsToPrune,
		EPSG:         epsg,
	}, logger)

	svc := orthophoto.New(cat, reader, tr, orthophoto.NewMetrics(prometheus.DefaultRegisterer), orthophoto.Config{
		Dataset:           cfg.DatasetDir,
		OutputSize:        cfg.OutputSize,
		DefaultResolution: cfg.DefaultResolution,
		ReadConcurrency:   cfg.ReadConcurrency,
		MaxCanvasPixels:   cfg.MaxCanvasPixels,
	}, logger)

	closeAll := func() {
		reader.Close()
		cat.Close()
		tr.Close()
		if err := bucket.Close(); err != nil {
			logger.Warn("closing dataset bucket", "error", err)
		}
	}
	return svc, closeAll, nil
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
