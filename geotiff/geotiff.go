// Package geotiff reads and writes the subset of GeoTIFF used by the
// toolkit: single- or multi-band float32, float64, and int16 rasters, uncompressed,
// strip or tile organized, with the GeoTIFF georeferencing keys and the
// GDAL nodata convention.
//
// It is not a general TIFF library. Compressed, paletted, and planar
// images are rejected with a format error.
package geotiff

// TIFF field types.
const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12
)

// TIFF / GeoTIFF tags.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGeoDoubleParams = 34736
	tagGeoASCIIParams  = 34737
	tagGDALNoData      = 42113
)

// GeoTIFF keys.
const (
	keyModelType         = 1024
	keyRasterType        = 1025
	keyGeogCitation      = 2049
	keyGeographicType    = 2048
	keyGeogSemiMajorAxis = 2057
	keyGeogSemiMinorAxis = 2058
	keyProjectedCSType   = 3072
)

// Model types for keyModelType.
const (
	ModelTypeUnknown    = 0
	ModelTypeProjected  = 1
	ModelTypeGeographic = 2
)

// SampleFormat says how pixel samples are stored on disk.
type SampleFormat int

// Supported on-disk sample formats.
const (
	FormatFloat32 SampleFormat = iota
	FormatFloat64
	FormatInt16
)

// Raster is a decoded image plus its georeferencing metadata. Pixel data is
// band-interleaved by pixel: sample b of pixel (x, y) lives at
// Data[(y*Width+x)*Bands+b]. Nodata samples are kept verbatim; use
// NoDataValue to interpret them.
type Raster struct {
	Width, Height int
	Bands         int
	Format        SampleFormat
	Data          []float64

	HasNoData   bool
	NoDataValue float64

	// Georeference: upper-left anchored tiepoint/scale pair. X/Y are
	// longitude/latitude degrees for geographic rasters, projected meters
	// otherwise.
	HasGeoTransform      bool
	PixelScale           [3]float64 // x, y, z scale; y positive (north-up implied)
	Tiepoint             [6]float64 // raster i,j,k -> model x,y,z
	ModelType            int
	GeographicCode       int     // e.g. 4326, when ModelType is geographic
	ProjectedCode        int     // EPSG, when ModelType is projected
	SemiMajor, SemiMinor float64 // ellipsoid override, 0 when absent
	Citation             string
}

// At returns sample b of pixel (x, y) without bounds checking beyond the
// slice's own.
func (r *Raster) At(x, y, b int) float64 {
	return r.Data[(y*r.Width+x)*r.Bands+b]
}

// Set stores sample b of pixel (x, y).
func (r *Raster) Set(x, y, b int, v float64) {
	r.Data[(y*r.Width+x)*r.Bands+b] = v
}

// IsNoData reports whether v matches the raster's nodata sentinel. NaN
// sentinels match NaN samples.
func (r *Raster) IsNoData(v float64) bool {
	if !r.HasNoData {
		return false
	}
	if isNaN64(r.NoDataValue) {
		return isNaN64(v)
	}
	return v == r.NoDataValue
}

func isNaN64(v float64) bool { return v != v }

// NewRaster allocates a raster filled with the given nodata value.
func NewRaster(width, height, bands int, format SampleFormat, noData float64) *Raster {
	r := &Raster{
		Width:       width,
		Height:      height,
		Bands:       bands,
		Format:      format,
		Data:        make([]float64, width*height*bands),
		HasNoData:   true,
		NoDataValue: noData,
	}
	for i := range r.Data {
		r.Data[i] = noData
	}
	return r
}
