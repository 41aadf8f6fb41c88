package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/akhenakh/orthomosaic/encode"
	"github.com/akhenakh/orthomosaic/orthophoto"
)

// Server exposes the orthophoto service over HTTP and gRPC.
type Server struct {
	svc     *orthophoto.Service
	quality int
	logger  *slog.Logger
}

// imageRequest is the transport independent form of a request.
type imageRequest struct {
	query   orthophoto.Query
	encoder encode.Encoder
}

// params reads named request parameters from a transport.
type params interface {
	str(name string) (string, bool)
	num(name string) (float64, bool, error)
}

func parseImageRequest(p params, quality int) (imageRequest, error) {
	var req imageRequest
	lat, ok, err := p.num("latitude")
	if err != nil || !ok {
		return req, fmt.Errorf("%w: invalid latitude", orthophoto.ErrInvalidQuery)
	}
	lon, ok, err := p.num("longitude")
	if err != nil || !ok {
		return req, fmt.Errorf("%w: invalid longitude", orthophoto.ErrInvalidQuery)
	}
	req.query = orthophoto.NewQuery(lat, lon)

	if radius, ok, err := p.num("radius"); err != nil {
		return req, fmt.Errorf("%w: invalid radius: %w", orthophoto.ErrInvalidQuery, err)
	} else if ok {
		req.query.Radius = radius
	}
	if size, ok, err := p.num("size"); err != nil {
		return req, fmt.Errorf("%w: invalid size: %w", orthophoto.ErrInvalidQuery, err)
	} else if ok {
		// explicit sizes below one are rejected by validation, not defaulted
		n := int(size)
		if n == 0 {
			n = -1
		}
		req.query.Width, req.query.Height = n, n
	}
	if v, ok := p.str("projected"); ok {
		projected, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("%w: invalid projected flag %q", orthophoto.ErrInvalidQuery, v)
		}
		req.query.Projected = projected
	}
	if v, ok := p.str("dataset"); ok {
		req.query.Dataset = v
	}

	format, _ := p.str("format")
	req.encoder, err = encode.NewEncoder(format, quality)
	if err != nil {
		return req, fmt.Errorf("%w: %w", orthophoto.ErrInvalidQuery, err)
	}
	return req, nil
}

// httpParams takes latitude and longitude from the path, the rest from the
// query string.
type httpParams struct {
	r *http.Request
}

func (h httpParams) str(name string) (string, bool) {
	if name == "latitude" {
		return h.r.PathValue("lat"), true
	}
	if name == "longitude" {
		return h.r.PathValue("lon"), true
	}
	q := h.r.URL.Query()
	if !q.Has(name) {
		return "", false
	}
	return q.Get(name), true
}

func (h httpParams) num(name string) (float64, bool, error) {
	v, ok := h.str(name)
	if !ok || v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, true, err
}

type structParams struct {
	s *structpb.Struct
}

func (p structParams) str(name string) (string, bool) {
	v, ok := p.s.GetFields()[name]
	if !ok {
		return "", false
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, true
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue), true
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64), true
	}
	return "", false
}

func (p structParams) num(name string) (float64, bool, error) {
	v, ok := p.s.GetFields()[name]
	if !ok {
		return 0, false, nil
	}
	if n, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
		return n.NumberValue, true, nil
	}
	return 0, true, fmt.Errorf("field %q is not a number", name)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /getImage/{lat}/{lon}", s.getImageHandler)
	mux.HandleFunc("GET /tiles/{lat}/{lon}", s.tilesHandler)
	return mux
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, orthophoto.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, orthophoto.ErrUnimplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, orthophoto.ErrInvalidQuery):
		return codes.InvalidArgument
	case errors.Is(err, orthophoto.ErrUnimplemented):
		return codes.Unimplemented
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func (s *Server) getImageHandler(w http.ResponseWriter, r *http.Request) {
	req, err := parseImageRequest(httpParams{r}, s.quality)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := s.image(r.Context(), req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Could not produce image: %v", err), httpStatus(err))
		return
	}
	w.Header().Set("Content-Type", req.encoder.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("writing image response", "error", err)
	}
}

func (s *Server) image(ctx context.Context, req imageRequest) ([]byte, error) {
	img, err := s.svc.ProduceImage(ctx, req.query)
	if err != nil {
		return nil, err
	}
	data, err := req.encoder.Encode(img)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", req.encoder.Format(), err)
	}
	return data, nil
}

// tilesResponse describes where a query lands in the dataset.
type tilesResponse struct {
	Footprint [4]float64 `json:"footprint"`
	Layout    string     `json:"layout,omitempty"`
	Tiles     []string   `json:"tiles"`
	Error     string     `json:"error,omitempty"`
}

func (s *Server) locate(ctx context.Context, q orthophoto.Query) (tilesResponse, error) {
	loc, err := s.svc.Locate(ctx, q)
	resp := tilesResponse{
		Footprint: [4]float64{loc.Footprint.Left(), loc.Footprint.Bottom(), loc.Footprint.Right(), loc.Footprint.Top()},
		Tiles:     make([]string, 0, len(loc.Tiles)),
	}
	for _, t := range loc.Tiles {
		resp.Tiles = append(resp.Tiles, t.Name())
	}
	if err != nil {
		resp.Error = err.Error()
		return resp, err
	}
	resp.Layout = loc.Plan.Layout.String()
	return resp, nil
}

func (s *Server) tilesHandler(w http.ResponseWriter, r *http.Request) {
	req, err := parseImageRequest(httpParams{r}, s.quality)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.locate(r.Context(), req.query)
	code := http.StatusOK
	if err != nil {
		code = httpStatus(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("writing tiles response", "error", err)
	}
}

// GetImage returns the encoded image for a request carrying latitude,
// longitude and the optional radius, projected, dataset, size and format
// fields.
func (s *Server) GetImage(ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	req, err := parseImageRequest(structParams{in}, s.quality)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	data, err := s.image(ctx, req)
	if err != nil {
		return nil, status.Errorf(grpcCode(err), "failed to produce image: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

// FindTiles returns the tiles under a request and the layout used to place them.
func (s *Server) FindTiles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := parseImageRequest(structParams{in}, s.quality)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := s.locate(ctx, req.query)
	if err != nil {
		return nil, status.Errorf(grpcCode(err), "failed to locate tiles: %v", err)
	}
	tiles := make([]any, len(resp.Tiles))
	for i, t := range resp.Tiles {
		tiles[i] = t
	}
	return structpb.NewStruct(map[string]any{
		"layout":    resp.Layout,
		"tiles":     tiles,
		"footprint": []any{resp.Footprint[0], resp.Footprint[1], resp.Footprint[2], resp.Footprint[3]},
	})
}

// OrthophotoServer is the gRPC API. Messages are well-known protobuf types
// so no generated code is needed.
type OrthophotoServer interface {
	GetImage(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	FindTiles(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var orthophotoServiceDesc = grpc.ServiceDesc{
	ServiceName: "orthomosaic.v1.OrthophotoService",
	HandlerType: (*OrthophotoServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetImage", Handler: getImageRPC},
		{MethodName: "FindTiles", Handler: findTilesRPC},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orthomosaic/v1/orthophoto.proto",
}

func getImageRPC(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrthophotoServer).GetImage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/orthomosaic.v1.OrthophotoService/GetImage",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrthophotoServer).GetImage(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func findTilesRPC(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrthophotoServer).FindTiles(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/orthomosaic.v1.OrthophotoService/FindTiles",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrthophotoServer).FindTiles(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
