// Package cloud streams point clouds between their on-disk formats (DEM,
// tiled cloud raster, LAS, CSV) and the in-memory sample matrices the
// alignment engine consumes, and writes transformed clouds back out.
package cloud

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/geodesy"
	"github.com/demtools/stereodem/geotiff"
)

// Format identifies an on-disk cloud flavor.
type Format int

// The four cloud formats.
const (
	FormatUnknown Format = iota
	FormatDEM            // georeferenced single-band raster
	FormatPC             // tiled cloud: 3/4/6-band raster of ECEF xyz
	FormatLAS
	FormatCSV
)

func (f Format) String() string {
	switch f {
	case FormatDEM:
		return "DEM"
	case FormatPC:
		return "PC"
	case FormatLAS:
		return "LAS"
	case FormatCSV:
		return "CSV"
	default:
		return "unknown"
	}
}

// Sample is a loaded cloud subsample: a 4xN matrix of homogeneous ECEF
// columns, rebased by Shift. The physical position of column j is
// column(j) + Shift.
type Sample struct {
	Data        *mat.Dense
	Shift       r3.Vector
	TotalPoints int
	MedianLon   float64
	Format      Format
}

// Len is the number of loaded points.
func (s *Sample) Len() int {
	if s.Data == nil {
		return 0
	}
	_, n := s.Data.Dims()
	return n
}

// Point returns the rebased column j.
func (s *Sample) Point(j int) r3.Vector {
	return r3.Vector{X: s.Data.At(0, j), Y: s.Data.At(1, j), Z: s.Data.At(2, j)}
}

// WorldPoint returns the physical (unshifted) position of column j.
func (s *Sample) WorldPoint(j int) r3.Vector {
	return s.Point(j).Add(s.Shift)
}

// LoadOptions configure a cloud load.
type LoadOptions struct {
	// MaxPoints bounds the subsample size.
	MaxPoints int
	// LonLatBox, when non-nil, rejects points whose geodetic position
	// falls outside it. Longitudes follow the box's own convention.
	LonLatBox *r2.Rect
	// CalcShift computes the shift from the first retained point unless
	// Shift already carries one.
	CalcShift bool
	// Shift carries a pre-computed shift in and the effective one out.
	Shift *r3.Vector
	// Datum interprets geographic coordinates; defaults to WGS84.
	Datum geodesy.Datum
	// CSV names the column layout for CSV inputs.
	CSV CSVFormat
	// Seed fixes the LAS subsampling stream for reproducible runs.
	Seed int64
	// Logger, when set, receives progress and diagnostics.
	Logger golog.Logger
}

func (o *LoadOptions) fill() {
	if o.MaxPoints <= 0 {
		o.MaxPoints = 1000000
	}
	if o.Datum.A == 0 {
		o.Datum = geodesy.WGS84
	}
	if o.CSV.Cols == [3]int{} {
		o.CSV = DefaultCSVFormat()
	}
	if o.Logger == nil {
		o.Logger = golog.NewLogger("cloud")
	}
}

// DetectFormat sniffs the cloud format from the extension, opening TIFF
// headers to tell DEMs from tiled clouds.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".las", ".laz":
		return FormatLAS, nil
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".tif", ".tiff":
		r, err := geotiff.Read(path)
		if err != nil {
			return FormatUnknown, err
		}
		if r.Bands == 1 {
			return FormatDEM, nil
		}
		if r.Bands == 3 || r.Bands == 4 || r.Bands == 6 {
			return FormatPC, nil
		}
		return FormatUnknown, errtag.Input("%s: a cloud raster must have 1, 3, 4, or 6 bands, found %d", path, r.Bands)
	default:
		return FormatUnknown, errtag.Input("%s: unknown cloud extension", path)
	}
}

// Load streams a cloud subsample from disk, dispatching on format.
func Load(path string, opts LoadOptions) (*Sample, error) {
	opts.fill()
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatDEM:
		return loadDEM(path, opts)
	case FormatPC:
		return loadPC(path, opts)
	case FormatLAS:
		return loadLAS(path, opts)
	default:
		return loadCSV(path, opts)
	}
}

// collector accumulates retained points column by column, applying the
// shift policy and bbox prefilter uniformly across loaders.
type collector struct {
	opts     LoadOptions
	cols     []float64 // x, y, z, 1 per point
	lons     []float64
	shift    r3.Vector
	shiftSet bool
}

func newCollector(opts LoadOptions) *collector {
	c := &collector{opts: opts}
	if opts.Shift != nil && !opts.CalcShift {
		c.shift = *opts.Shift
		c.shiftSet = true
	}
	return c
}

// add filters and retains one ECEF point, reporting whether it passed
// the bounding box prefilter.
func (c *collector) add(p r3.Vector) bool {
	lon, lat, _ := c.opts.Datum.CartesianToGeodetic(p)
	if c.opts.LonLatBox != nil {
		lon = geodesy.RecenterLongitude(lon, c.opts.LonLatBox.X.Center())
		if !c.opts.LonLatBox.ContainsPoint(r2.Point{X: lon, Y: lat}) {
			return false
		}
	}
	if !c.shiftSet {
		if c.opts.CalcShift {
			c.shift = p
		}
		c.shiftSet = true
	}
	q := p.Sub(c.shift)
	c.cols = append(c.cols, q.X, q.Y, q.Z, 1)
	c.lons = append(c.lons, lon)
	return true
}

func (c *collector) len() int { return len(c.cols) / 4 }

func (c *collector) finish(total int, format Format) (*Sample, error) {
	n := c.len()
	if n == 0 {
		return nil, errtag.Input("no points survived loading (empty cloud or over-tight bounding box)")
	}
	data := mat.NewDense(4, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < 4; i++ {
			data.Set(i, j, c.cols[j*4+i])
		}
	}
	medianLon := 0.0
	if m, err := stats.Median(c.lons); err == nil {
		medianLon = m
	}
	if c.opts.Shift != nil {
		*c.opts.Shift = c.shift
	}
	return &Sample{
		Data:        data,
		Shift:       c.shift,
		TotalPoints: total,
		MedianLon:   medianLon,
		Format:      format,
	}, nil
}

// strideFor picks a square pixel stride so that roughly maxPoints
// survive from total candidates.
func strideFor(total, maxPoints int) int {
	if total <= maxPoints {
		return 1
	}
	return int(math.Ceil(math.Sqrt(float64(total) / float64(maxPoints))))
}
