// Package geotiff is a small pure-Go reader for georeferenced TIFF rasters.
// It reads the first IFD only and decodes arbitrary pixel windows into RGBA.
package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/image/tiff/lzw"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/orthomosaic/bbox"
)

var (
	// ErrNoGeoreference is returned when neither geotags nor a world file
	// locate the raster.
	ErrNoGeoreference = errors.New("raster has no georeference")

	// ErrEmptyWindow is returned when a footprint does not cover any pixel.
	ErrEmptyWindow = errors.New("window does not intersect the raster")
)

// Georef is the affine placement of a north-up raster. The origin is the
// upper-left corner of the upper-left pixel, pixel sizes are positive.
type Georef struct {
	OriginX    float64
	OriginY    float64
	PixelSizeX float64
	PixelSizeY float64
}

// Options tunes how a GeoTIFF is opened.
type Options struct {
	// Cache holds decoded blocks. It may be shared between files as long as
	// CacheKey is unique per file. A private cache is created when nil.
	Cache    *ccache.Cache[[]byte]
	CacheKey string
	CacheTTL time.Duration

	// WorldFile locates the raster when the file carries no geotags.
	WorldFile *WorldFile

	Logger *slog.Logger
}

// GeoTIFF represents a parsed GeoTIFF file with its metadata and data access capabilities
type GeoTIFF struct {
	reader io.ReaderAt

	byteOrder binary.ByteOrder
	tags      Tags

	imageWidth  uint32
	imageLength uint32

	// Blocks are tiles for tiled files and full-width strips otherwise.
	tiled           bool
	blockWidth      uint32
	blockLength     uint32
	blockOffsets    []uint64
	blockByteCounts []uint64
	blocksAcross    int
	blocksDown      int

	samplesPerPixel uint16
	bitsPerSample   uint16
	sampleFormat    uint16
	compression     uint16
	predictor       uint16
	planar          uint16
	photometric     uint16
	jpegTables      []byte

	georef Georef
	epsg   int

	logger   *slog.Logger
	cache    *ccache.Cache[[]byte]
	cacheKey string
	cacheTTL time.Duration

	// inflight ensures that for a given block only one goroutine performs
	// the I/O and decoding while concurrent callers wait for its result.
	inflight singleflight.Group
}

// Open parses the first IFD of a GeoTIFF and keeps r to fetch blocks on
// demand. r must stay readable for the lifetime of the GeoTIFF.
func Open(r io.ReaderAt, opts Options) (*GeoTIFF, error) {
	gTags, h, err := readTags(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	g := &GeoTIFF{
		reader:    r,
		tags:      gTags,
		byteOrder: h.order,
		logger:    opts.Logger,
		cache:     opts.Cache,
		cacheKey:  opts.CacheKey,
		cacheTTL:  opts.CacheTTL,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.cache == nil {
		g.cache = ccache.New(ccache.Configure[[]byte]().MaxSize(64).ItemsToPrune(8))
	}
	if g.cacheTTL <= 0 {
		g.cacheTTL = 10 * time.Minute
	}

	width, ok := g.getUint(ImageWidth)
	if !ok {
		return nil, errors.New("missing or invalid tag: ImageWidth")
	}
	length, ok := g.getUint(ImageLength)
	if !ok {
		return nil, errors.New("missing or invalid tag: ImageLength")
	}
	g.imageWidth, g.imageLength = uint32(width), uint32(length)
	if g.imageWidth == 0 || g.imageLength == 0 {
		return nil, errors.New("empty image")
	}

	g.samplesPerPixel = uint16(g.getUintDefault(SamplesPerPixel, 1))
	g.bitsPerSample = uint16(g.getUintDefault(BitsPerSample, 8))
	g.sampleFormat = uint16(g.getUintDefault(SampleFormat, SampleFormatUint))
	g.compression = uint16(g.getUintDefault(Compression, Uncompressed))
	g.predictor = uint16(g.getUintDefault(Predictor, PredictorNone))
	g.planar = uint16(g.getUintDefault(PlanarConfiguration, PlanarChunky))
	g.photometric = uint16(g.getUintDefault(Photometric, 2))
	if t, ok := g.tags[JPEGTables]; ok {
		g.jpegTables = t.byteData
	}

	if err := g.readLayout(); err != nil {
		return nil, err
	}
	if err := g.checkSampleLayout(); err != nil {
		return nil, err
	}

	g.epsg = g.readEPSG()
	georef, err := g.readGeoref(opts.WorldFile)
	if err != nil {
		return nil, err
	}
	g.georef = georef

	return g, nil
}

// readLayout extracts the block grid, tiles when present, strips otherwise.
func (g *GeoTIFF) readLayout() error {
	if tw, ok := g.getUint(TileWidth); ok {
		tl, ok := g.getUint(TileLength)
		if !ok {
			return errors.New("missing or invalid tag: TileLength")
		}
		g.tiled = true
		g.blockWidth, g.blockLength = uint32(tw), uint32(tl)
		if g.blockOffsets, ok = g.get64bitSlice(TileOffsets); !ok {
			return errors.New("missing or invalid tag: TileOffsets")
		}
		if g.blockByteCounts, ok = g.get64bitSlice(TileByteCounts); !ok {
			return errors.New("missing or invalid tag: TileByteCounts")
		}
	} else {
		var ok bool
		g.blockWidth = g.imageWidth
		g.blockLength = uint32(g.getUintDefault(RowsPerStrip, uint64(g.imageLength)))
		if g.blockLength == 0 || g.blockLength > g.imageLength {
			g.blockLength = g.imageLength
		}
		if g.blockOffsets, ok = g.get64bitSlice(StripOffsets); !ok {
			return errors.New("missing or invalid tag: StripOffsets")
		}
		if g.blockByteCounts, ok = g.get64bitSlice(StripByteCounts); !ok {
			return errors.New("missing or invalid tag: StripByteCounts")
		}
	}
	if g.blockWidth == 0 || g.blockLength == 0 {
		return errors.New("invalid block dimensions")
	}

	g.blocksAcross = int(g.imageWidth+g.blockWidth-1) / int(g.blockWidth)
	g.blocksDown = int(g.imageLength+g.blockLength-1) / int(g.blockLength)

	want := g.blocksAcross * g.blocksDown
	if g.planar == PlanarSeparate {
		want *= int(g.samplesPerPixel)
	}
	if len(g.blockOffsets) < want || len(g.blockByteCounts) < want {
		return fmt.Errorf("expected %d blocks, file lists %d offsets and %d byte counts",
			want, len(g.blockOffsets), len(g.blockByteCounts))
	}
	return nil
}

func (g *GeoTIFF) checkSampleLayout() error {
	if g.samplesPerPixel == 0 {
		return errors.New("invalid SamplesPerPixel 0")
	}
	if g.compression == JPEG {
		// the JPEG codec yields 8-bit pixels whatever the other tags say
		return nil
	}
	switch {
	case g.sampleFormat == SampleFormatFloat && g.bitsPerSample == 32:
	case g.sampleFormat != SampleFormatFloat && (g.bitsPerSample == 8 || g.bitsPerSample == 16):
	default:
		return fmt.Errorf("unsupported sample format (SampleFormat: %d, BitsPerSample: %d)", g.sampleFormat, g.bitsPerSample)
	}
	switch g.compression {
	case Uncompressed, DEFLATE, AdobeDeflate, LZW:
	default:
		return fmt.Errorf("unsupported compression type: %d", g.compression)
	}
	if g.predictor == PredictorHorizontal && g.sampleFormat == SampleFormatFloat {
		return errors.New("horizontal predictor on float samples is not supported")
	}
	return nil
}

// readGeoref places the raster from ModelPixelScale and ModelTiepoint, or
// from the world file when the geotags are absent.
func (g *GeoTIFF) readGeoref(wf *WorldFile) (Georef, error) {
	scale, okScale := g.tags[ModelPixelScale].doubleDataValue()
	tie, okTie := g.tags[ModelTiepoint].doubleDataValue()
	if okScale && okTie && len(scale) >= 2 && len(tie) >= 6 {
		sx, sy := scale[0], math.Abs(scale[1])
		if sx <= 0 || sy == 0 {
			return Georef{}, fmt.Errorf("invalid ModelPixelScale %v", scale)
		}
		tieI, tieJ := tie[0], tie[1]
		ref := Georef{
			OriginX:    tie[3] - tieI*sx,
			OriginY:    tie[4] + tieJ*sy,
			PixelSizeX: sx,
			PixelSizeY: sy,
		}
		if g.rasterType() == rasterPixelIsPoint {
			ref.OriginX -= sx / 2
			ref.OriginY += sy / 2
		}
		return ref, nil
	}

	if wf != nil {
		return wf.Georef()
	}
	return Georef{}, ErrNoGeoreference
}

// geoKeys returns the GeoKeyDirectory entries with inline SHORT values.
func (g *GeoTIFF) geoKeys() map[uint16]uint16 {
	dir, ok := g.tags[GeoKeyDirectory]
	if !ok || len(dir.shortData) < 4 {
		return nil
	}
	keys := make(map[uint16]uint16)
	n := int(dir.shortData[3])
	for i := 0; i < n; i++ {
		base := 4 + i*4
		if base+3 >= len(dir.shortData) {
			break
		}
		// location 0 means the value is stored in the offset slot
		if dir.shortData[base+1] == 0 {
			keys[dir.shortData[base]] = dir.shortData[base+3]
		}
	}
	return keys
}

func (g *GeoTIFF) rasterType() uint16 {
	return g.geoKeys()[gkRasterType]
}

func (g *GeoTIFF) readEPSG() int {
	keys := g.geoKeys()
	if code, ok := keys[gkProjectedCSType]; ok && code != 0 && code != 32767 {
		return int(code)
	}
	if code, ok := keys[gkGeographicType]; ok && code != 0 && code != 32767 {
		return int(code)
	}
	return 0
}

// EPSG returns the CRS code declared in the GeoKeys, 0 when unknown.
func (g *GeoTIFF) EPSG() int { return g.epsg }

// Georef returns the raster placement.
func (g *GeoTIFF) Georef() Georef { return g.georef }

// Size returns the raster dimensions in pixels.
func (g *GeoTIFF) Size() (width, height int) {
	return int(g.imageWidth), int(g.imageLength)
}

// Extent returns the ground area covered by the raster.
func (g *GeoTIFF) Extent() bbox.BoundingBox {
	r := g.georef
	return bbox.New(
		r.OriginX,
		r.OriginY-float64(g.imageLength)*r.PixelSizeY,
		r.OriginX+float64(g.imageWidth)*r.PixelSizeX,
		r.OriginY,
	)
}

// Window is a pixel rectangle of the raster, Col1 and Row1 exclusive.
// Bounds holds the ground positions of its first and last pixel corners.
type Window struct {
	Col0, Row0 int
	Col1, Row1 int
	Bounds     bbox.BoundingBox
}

func (w Window) Width() int  { return w.Col1 - w.Col0 }
func (w Window) Height() int { return w.Row1 - w.Row0 }

func (w Window) String() string {
	return fmt.Sprintf("cols [%d,%d) rows [%d,%d)", w.Col0, w.Col1, w.Row0, w.Row1)
}

// Window clips the footprint to the raster extent and snaps it to whole pixels.
// A pixel at column c sits at OriginX + c*PixelSizeX, so the window covers
// every pixel position inside the closed footprint, rounded to the nearest
// pixel. The returned bounds are the snapped ones.
func (g *GeoTIFF) Window(footprint bbox.BoundingBox) (Window, error) {
	clipped, ok := footprint.Intersection(g.Extent())
	if !ok {
		return Window{}, ErrEmptyWindow
	}

	r := g.georef
	col0 := int(math.Round((clipped.Left() - r.OriginX) / r.PixelSizeX))
	col1 := min(int(math.Round((clipped.Right()-r.OriginX)/r.PixelSizeX))+1, int(g.imageWidth))
	row0 := int(math.Round((r.OriginY - clipped.Top()) / r.PixelSizeY))
	row1 := min(int(math.Round((r.OriginY-clipped.Bottom())/r.PixelSizeY))+1, int(g.imageLength))
	if col1 <= col0 || row1 <= row0 {
		return Window{}, ErrEmptyWindow
	}

	return Window{
		Col0: col0, Row0: row0, Col1: col1, Row1: row1,
		Bounds: bbox.New(
			r.OriginX+float64(col0)*r.PixelSizeX,
			r.OriginY-float64(row1-1)*r.PixelSizeY,
			r.OriginX+float64(col1-1)*r.PixelSizeX,
			r.OriginY-float64(row0)*r.PixelSizeY,
		),
	}, nil
}

// ReadRegion decodes the window into an RGBA image. Only the first three
// bands are used, a single band is expanded to gray. Samples are clamped to
// 0-255 and alpha is always opaque.
func (g *GeoTIFF) ReadRegion(w Window) (*image.RGBA, error) {
	if w.Width() <= 0 || w.Height() <= 0 ||
		w.Col0 < 0 || w.Row0 < 0 || w.Col1 > int(g.imageWidth) || w.Row1 > int(g.imageLength) {
		return nil, fmt.Errorf("window %s outside %dx%d raster", w, g.imageWidth, g.imageLength)
	}

	img := image.NewRGBA(image.Rect(0, 0, w.Width(), w.Height()))
	bw, bl := int(g.blockWidth), int(g.blockLength)

	for by := w.Row0 / bl; by <= (w.Row1-1)/bl; by++ {
		for bx := w.Col0 / bw; bx <= (w.Col1-1)/bw; bx++ {
			block, err := g.getBlockData(bx, by)
			if err != nil {
				return nil, fmt.Errorf("failed to get data for block %d,%d: %w", bx, by, err)
			}

			// overlap of the block with the window, in raster pixels
			x0, y0 := max(w.Col0, bx*bw), max(w.Row0, by*bl)
			x1, y1 := min(w.Col1, (bx+1)*bw), min(w.Row1, (by+1)*bl)
			rowBytes := (x1 - x0) * 4
			for y := y0; y < y1; y++ {
				src := ((y-by*bl)*bw + (x0 - bx*bw)) * 4
				if src+rowBytes > len(block) {
					return nil, fmt.Errorf("block %d,%d is truncated", bx, by)
				}
				dst := img.PixOffset(x0-w.Col0, y-w.Row0)
				copy(img.Pix[dst:dst+rowBytes], block[src:src+rowBytes])
			}
		}
	}
	return img, nil
}

// ReadFootprint is Window followed by ReadRegion.
func (g *GeoTIFF) ReadFootprint(footprint bbox.BoundingBox) (*image.RGBA, Window, error) {
	w, err := g.Window(footprint)
	if err != nil {
		return nil, Window{}, err
	}
	img, err := g.ReadRegion(w)
	if err != nil {
		return nil, Window{}, err
	}
	return img, w, nil
}

// getBlockData returns the block as RGBA bytes, blockWidth pixels per row.
// The last strip of a stripped file may hold fewer rows.
func (g *GeoTIFF) getBlockData(bx, by int) ([]byte, error) {
	key := g.cacheKey + ":" + strconv.Itoa(by*g.blocksAcross+bx)
	item := g.cache.Get(key)
	if item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := g.inflight.Do(key, func() (interface{}, error) {
		block, err := g.decodeBlock(bx, by)
		if err != nil {
			return nil, err
		}
		g.cache.Set(key, block, g.cacheTTL)
		return block, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// blockRows is the number of raster rows stored in block row by.
func (g *GeoTIFF) blockRows(by int) int {
	if g.tiled {
		return int(g.blockLength)
	}
	return min(int(g.blockLength), int(g.imageLength)-by*int(g.blockLength))
}

func (g *GeoTIFF) decodeBlock(bx, by int) ([]byte, error) {
	idx := by*g.blocksAcross + bx
	rows := g.blockRows(by)
	bw := int(g.blockWidth)
	out := make([]byte, bw*rows*4)

	if g.compression == JPEG {
		raw, err := g.fetchBlock(idx)
		if err != nil {
			return nil, err
		}
		return out, g.decodeJPEGBlock(raw, out, bw, rows)
	}

	bands := min(int(g.samplesPerPixel), 3)
	if g.planar == PlanarSeparate {
		perPlane := g.blocksAcross * g.blocksDown
		for b := 0; b < bands; b++ {
			samples, err := g.blockSamples(idx+b*perPlane, bw, rows, 1)
			if err != nil {
				return nil, err
			}
			for p := 0; p < bw*rows; p++ {
				out[p*4+b] = samples[p]
			}
		}
	} else {
		spp := int(g.samplesPerPixel)
		samples, err := g.blockSamples(idx, bw, rows, spp)
		if err != nil {
			return nil, err
		}
		for p := 0; p < bw*rows; p++ {
			for b := 0; b < bands; b++ {
				out[p*4+b] = samples[p*spp+b]
			}
		}
	}

	gray := bands == 1
	invert := gray && g.photometric == 0 // WhiteIsZero
	for p := 0; p < bw*rows; p++ {
		px := out[p*4 : p*4+4]
		if invert {
			px[0] = 255 - px[0]
		}
		if gray {
			px[1], px[2] = px[0], px[0]
		}
		px[3] = 0xff
	}
	return out, nil
}

// blockSamples fetches one compressed chunk and converts its samples to
// clamped 8-bit values, spp interleaved samples per pixel.
func (g *GeoTIFF) blockSamples(chunk, width, rows, spp int) ([]byte, error) {
	raw, err := g.fetchBlock(chunk)
	if err != nil {
		return nil, err
	}
	data, err := g.decompress(raw)
	if err != nil {
		return nil, err
	}

	bps := int(g.bitsPerSample) / 8
	n := width * rows * spp
	if len(data) < n*bps {
		return nil, fmt.Errorf("chunk %d holds %d bytes, want %d", chunk, len(data), n*bps)
	}

	out := make([]byte, n)
	switch {
	case g.sampleFormat == SampleFormatFloat:
		for i := 0; i < n; i++ {
			v := math.Float32frombits(g.byteOrder.Uint32(data[i*4:]))
			out[i] = clampFloat(float64(v))
		}
	case bps == 1:
		if g.predictor == PredictorHorizontal {
			undoHorizontalPrediction(data[:n], width, rows, spp)
		}
		if g.sampleFormat == SampleFormatInt {
			for i := 0; i < n; i++ {
				out[i] = clampFloat(float64(int8(data[i])))
			}
		} else {
			copy(out, data[:n])
		}
	case bps == 2:
		values := make([]uint16, n)
		for i := range values {
			values[i] = g.byteOrder.Uint16(data[i*2:])
		}
		if g.predictor == PredictorHorizontal {
			undoHorizontalPrediction(values, width, rows, spp)
		}
		for i, v := range values {
			if g.sampleFormat == SampleFormatInt {
				out[i] = clampFloat(float64(int16(v)))
			} else {
				out[i] = clampFloat(float64(v))
			}
		}
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", g.bitsPerSample)
	}
	return out, nil
}

// fetchBlock performs the I/O to read a single compressed chunk.
func (g *GeoTIFF) fetchBlock(chunk int) ([]byte, error) {
	if chunk < 0 || chunk >= len(g.blockOffsets) {
		return nil, fmt.Errorf("block index %d out of bounds", chunk)
	}

	offset := g.blockOffsets[chunk]
	byteCount := g.blockByteCounts[chunk]
	blockBytes := make([]byte, byteCount)

	if err := readFull(g.reader, blockBytes, int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read block %d from source: %w", chunk, err)
	}
	return blockBytes, nil
}

func (g *GeoTIFF) decompress(raw []byte) ([]byte, error) {
	switch g.compression {
	case Uncompressed:
		return raw, nil
	case DEFLATE, AdobeDeflate:
		z, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for block: %w", err)
		}
		defer z.Close()
		data, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress block data: %w", err)
		}
		return data, nil
	case LZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer lr.Close()
		data, err := io.ReadAll(lr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress lzw block data: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", g.compression)
	}
}

// decodeJPEGBlock decodes a JPEG compressed block, prepending the shared
// JPEGTables when the file has them.
func (g *GeoTIFF) decodeJPEGBlock(raw, out []byte, width, rows int) error {
	data := raw
	if len(g.jpegTables) > 0 {
		tables := g.jpegTables
		if len(tables) >= 2 && tables[len(tables)-2] == 0xFF && tables[len(tables)-1] == 0xD9 {
			tables = tables[:len(tables)-2]
		}
		if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
			data = data[2:]
		}
		data = append(append(make([]byte, 0, len(tables)+len(data)), tables...), data...)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decoding JPEG block: %w", err)
	}
	b := img.Bounds()
	for y := 0; y < rows && y < b.Dy(); y++ {
		for x := 0; x < width && x < b.Dx(); x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			i := (y*width + x) * 4
			out[i], out[i+1], out[i+2], out[i+3] = c.R, c.G, c.B, 0xff
		}
	}
	for i := 3; i < len(out); i += 4 {
		out[i] = 0xff
	}
	return nil
}

func (g *GeoTIFF) getUint(tag Tag) (uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return 0, false
	}
	switch {
	case (t.fType == SHORT || t.fType == SSHORT) && len(t.shortData) > 0:
		return uint64(t.shortData[0]), true
	case (t.fType == LONG || t.fType == SLONG) && len(t.longData) > 0:
		return uint64(t.longData[0]), true
	case (t.fType == LONG8 || t.fType == IFD8) && len(t.uint64Data) > 0:
		return t.uint64Data[0], true
	case t.fType == BYTE && len(t.byteData) > 0:
		return uint64(t.byteData[0]), true
	}
	return 0, false
}

func (g *GeoTIFF) getUintDefault(tag Tag, def uint64) uint64 {
	if v, ok := g.getUint(tag); ok {
		return v
	}
	return def
}

func (g *GeoTIFF) get64bitSlice(tag Tag) ([]uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case LONG8, IFD8:
		return t.uint64Data, true
	case LONG:
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	case SHORT:
		res := make([]uint64, len(t.shortData))
		for i, v := range t.shortData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

func (td tagData) doubleDataValue() ([]float64, bool) {
	if td.fType == DOUBLE || td.fType == RATIONAL || td.fType == SRATIONAL {
		return td.doubleData, true
	}
	return nil, false
}

func clampFloat(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.Round(v))
}

// undoHorizontalPrediction reverses the horizontal differencing predictor
// on interleaved samples, one row at a time.
func undoHorizontalPrediction[T uint8 | uint16](data []T, width, rows, spp int) {
	stride := width * spp
	for y := 0; y < rows; y++ {
		row := data[y*stride : (y+1)*stride]
		for i := spp; i < len(row); i++ {
			row[i] += row[i-spp]
		}
	}
}
