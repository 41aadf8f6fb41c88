package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gen2brain/webp"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"gocloud.dev/blob/memblob"

	"github.com/akhenakh/orthomosaic/catalog"
	"github.com/akhenakh/orthomosaic/coord"
	"github.com/akhenakh/orthomosaic/internal/rastertest"
	"github.com/akhenakh/orthomosaic/orthophoto"
	"github.com/akhenakh/orthomosaic/tilereader"
)

var red = color.RGBA{R: 0xff, A: 0xff}

// newTestServer serves solid 1000 m tiles with 10 m pixels from the "nw"
// directory of an in-memory bucket.
func newTestServer(t *testing.T, tiles ...catalog.TileID) *Server {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := memblob.OpenBucket(nil)
	t.Cleanup(func() { b.Close() })

	cat, err := catalog.New(b, catalog.Options{Prefix: "dop10rgbi_32", Ext: "tif"}, logger)
	require.NoError(t, err)
	t.Cleanup(cat.Close)
	for _, id := range tiles {
		key := "nw/" + cat.Pattern().Name(id, 2022)
		originX := float64(id.Easting * catalog.TileSize)
		originY := float64((id.Northing + 1) * catalog.TileSize)
		require.NoError(t, rastertest.PutTile(ctx, b, key, rastertest.Solid(100, 100, red), originX, originY, 10))
	}

	reader := tilereader.New(b, tilereader.Options{}, logger)
	t.Cleanup(reader.Close)
	tr, err := coord.NewTransformer(coord.WGS84, coord.ETRS89UTM, 4)
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	svc := orthophoto.New(cat, reader, tr, nil, orthophoto.Config{Dataset: "nw"}, logger)
	return &Server{svc: svc, quality: 85, logger: logger}
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestGetImageHandler(t *testing.T) {
	s := newTestServer(t, catalog.TileID{Easting: 468, Northing: 5772})

	rec := get(t, s, "/getImage/5772500/468500?projected=true")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
	require.Equal(t, red, color.RGBAModel.Convert(img.At(128, 128)))

	rec = get(t, s, "/getImage/5772500/468500?projected=true&size=64&format=webp&radius=50")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "image/webp", rec.Header().Get("Content-Type"))
	img, err = webp.Decode(rec.Body)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 64, 64), img.Bounds())

	// geographic coordinates of the tile center
	rec = get(t, s, "/getImage/52.10215462837978/8.54010563577907?format=jpeg")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
}

func TestGetImageHandlerErrors(t *testing.T) {
	s := newTestServer(t,
		catalog.TileID{Easting: 468, Northing: 5773},
		catalog.TileID{Easting: 469, Northing: 5773},
		catalog.TileID{Easting: 468, Northing: 5772},
	)

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"bad latitude", "/getImage/north/468500", http.StatusBadRequest},
		{"bad radius", "/getImage/5772500/468500?projected=true&radius=far", http.StatusBadRequest},
		{"bad projected flag", "/getImage/5772500/468500?projected=maybe", http.StatusBadRequest},
		{"size too large", "/getImage/5772500/468500?projected=true&size=99999", http.StatusBadRequest},
		{"zero size", "/getImage/5772500/468500?projected=true&size=0", http.StatusBadRequest},
		{"unknown format", "/getImage/5772500/468500?projected=true&format=jp2", http.StatusBadRequest},
		{"three tiles", "/getImage/5773000/469000?projected=true", http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s, tt.target)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestTilesHandler(t *testing.T) {
	s := newTestServer(t,
		catalog.TileID{Easting: 468, Northing: 5772},
		catalog.TileID{Easting: 469, Northing: 5772},
	)

	rec := get(t, s, "/tiles/5772500/469000?projected=true")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp tilesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "pair_horizontal", resp.Layout)
	require.ElementsMatch(t, []string{
		"dop10rgbi_32_468_5772_1_nw_2022.tif",
		"dop10rgbi_32_469_5772_1_nw_2022.tif",
	}, resp.Tiles)
	require.Equal(t, [4]float64{468900, 5772400, 469100, 5772600}, resp.Footprint)

	rec = get(t, s, "/tiles/5772500/400000?projected=true")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = tilesResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "empty", resp.Layout)
	require.Empty(t, resp.Tiles)
}

func dialAPI(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := newGRPCAPIServer(s.logger, s)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCAPI(t *testing.T) {
	s := newTestServer(t, catalog.TileID{Easting: 468, Northing: 5772})
	conn := dialAPI(t, s)
	ctx := context.Background()

	req, err := structpb.NewStruct(map[string]any{
		"latitude":  5772500.0,
		"longitude": 468500.0,
		"projected": true,
		"size":      32.0,
	})
	require.NoError(t, err)

	out := new(wrapperspb.BytesValue)
	require.NoError(t, conn.Invoke(ctx, "/orthomosaic.v1.OrthophotoService/GetImage", req, out))
	img, err := png.Decode(bytes.NewReader(out.GetValue()))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 32, 32), img.Bounds())

	tiles := new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, "/orthomosaic.v1.OrthophotoService/FindTiles", req, tiles))
	require.Equal(t, "single", tiles.GetFields()["layout"].GetStringValue())
	require.Len(t, tiles.GetFields()["tiles"].GetListValue().GetValues(), 1)

	bad, err := structpb.NewStruct(map[string]any{"latitude": "north", "longitude": 8.5})
	require.NoError(t, err)
	err = conn.Invoke(ctx, "/orthomosaic.v1.OrthophotoService/GetImage", bad, new(wrapperspb.BytesValue))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCUnsupportedLayout(t *testing.T) {
	s := newTestServer(t,
		catalog.TileID{Easting: 468, Northing: 5773},
		catalog.TileID{Easting: 469, Northing: 5773},
		catalog.TileID{Easting: 468, Northing: 5772},
	)
	conn := dialAPI(t, s)

	req, err := structpb.NewStruct(map[string]any{"latitude": 5773000.0, "longitude": 469000.0, "projected": true})
	require.NoError(t, err)
	err = conn.Invoke(context.Background(), "/orthomosaic.v1.OrthophotoService/FindTiles", req, new(structpb.Struct))
	require.Equal(t, codes.Unimplemented, status.Code(err))
}
