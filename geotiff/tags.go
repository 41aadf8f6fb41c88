package geotiff

// TIFF header magic values.
const (
	littleEndian      = 0x4949 // "II"
	bigEndian         = 0x4D4D // "MM"
	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8
)

type fieldType uint16

// TIFF field types.
const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

// TIFF and GeoTIFF tags used by the reader.
const (
	ImageWidth          Tag = 256
	ImageLength         Tag = 257
	BitsPerSample       Tag = 258
	Compression         Tag = 259
	Photometric         Tag = 262
	StripOffsets        Tag = 273
	SamplesPerPixel     Tag = 277
	RowsPerStrip        Tag = 278
	StripByteCounts     Tag = 279
	XResolution         Tag = 282
	YResolution         Tag = 283
	PlanarConfiguration Tag = 284
	ResolutionUnit      Tag = 296
	Predictor           Tag = 317
	TileWidth           Tag = 322
	TileLength          Tag = 323
	TileOffsets         Tag = 324
	TileByteCounts      Tag = 325
	ExtraSamples        Tag = 338
	SampleFormat        Tag = 339
	JPEGTables          Tag = 347
	ModelPixelScale     Tag = 33550
	ModelTiepoint       Tag = 33922
	GeoKeyDirectory     Tag = 34735
	GeoDoubleParams     Tag = 34736
	GeoASCIIParams      Tag = 34737
	GDALNoData          Tag = 42113
)

var tagToLabel = map[Tag]string{
	ImageWidth:          "ImageWidth",
	ImageLength:         "ImageLength",
	BitsPerSample:       "BitsPerSample",
	Compression:         "Compression",
	Photometric:         "Photometric",
	StripOffsets:        "StripOffsets",
	SamplesPerPixel:     "SamplesPerPixel",
	RowsPerStrip:        "RowsPerStrip",
	StripByteCounts:     "StripByteCounts",
	XResolution:         "XResolution",
	YResolution:         "YResolution",
	PlanarConfiguration: "PlanarConfiguration",
	ResolutionUnit:      "ResolutionUnit",
	Predictor:           "Predictor",
	TileWidth:           "TileWidth",
	TileLength:          "TileLength",
	TileOffsets:         "TileOffsets",
	TileByteCounts:      "TileByteCounts",
	ExtraSamples:        "ExtraSamples",
	SampleFormat:        "SampleFormat",
	JPEGTables:          "JPEGTables",
	ModelPixelScale:     "ModelPixelScale",
	ModelTiepoint:       "ModelTiepoint",
	GeoKeyDirectory:     "GeoKeyDirectory",
	GeoDoubleParams:     "GeoDoubleParams",
	GeoASCIIParams:      "GeoASCIIParams",
	GDALNoData:          "GDALNoData",
}

// Compression schemes.
const (
	Uncompressed = 1
	LZW          = 5
	JPEG         = 7
	DEFLATE      = 8
	AdobeDeflate = 32946
)

// Predictor values.
const (
	PredictorNone       = 1
	PredictorHorizontal = 2
)

// SampleFormat values.
const (
	SampleFormatUint  = 1
	SampleFormatInt   = 2
	SampleFormatFloat = 3
)

// PlanarConfiguration values.
const (
	PlanarChunky   = 1
	PlanarSeparate = 2
)

// GeoKeys read from the GeoKeyDirectory.
const (
	gkRasterType      = 1025
	gkGeographicType  = 2048
	gkProjectedCSType = 3072

	rasterPixelIsPoint = 2
)
