package raster

import (
	"image"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/geotiff"
)

// DEM is a single-band elevation tile with a georeference and a no-data
// mask. Pixels are read either directly or through the bicubic view; the
// tile is never mutated in place.
type DEM struct {
	raster *geotiff.Raster
	georef GeoReference
}

// OpenDEM reads a georeferenced single-band raster from disk.
func OpenDEM(path string) (*DEM, error) {
	r, err := geotiff.Read(path)
	if err != nil {
		return nil, err
	}
	return NewDEM(r)
}

// NewDEM wraps an already decoded raster.
func NewDEM(r *geotiff.Raster) (*DEM, error) {
	if r.Bands != 1 {
		return nil, errtag.Input("DEM must be single-band, got %d bands", r.Bands)
	}
	g, err := FromGeoTIFF(r)
	if err != nil {
		return nil, errors.Wrap(err, "DEM")
	}
	return &DEM{raster: r, georef: g}, nil
}

// GeoReference returns the DEM's georeference.
func (d *DEM) GeoReference() *GeoReference { return &d.georef }

// Raster exposes the underlying pixel grid.
func (d *DEM) Raster() *geotiff.Raster { return d.raster }

// Bounds is the pixel extent.
func (d *DEM) Bounds() image.Rectangle {
	return image.Rect(0, 0, d.raster.Width, d.raster.Height)
}

// Value returns the elevation at an integer pixel, with validity.
func (d *DEM) Value(x, y int) (float64, bool) {
	if x < 0 || y < 0 || x >= d.raster.Width || y >= d.raster.Height {
		return 0, false
	}
	v := d.raster.At(x, y, 0)
	if d.raster.IsNoData(v) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Crop copies the given pixel box into a new in-memory DEM with a rebased
// georeference. The box is clipped to the tile first.
func (d *DEM) Crop(box image.Rectangle) *DEM {
	box = box.Intersect(d.Bounds())
	noData := d.raster.NoDataValue
	if !d.raster.HasNoData {
		noData = math.NaN()
	}
	out := geotiff.NewRaster(box.Dx(), box.Dy(), 1, d.raster.Format, noData)
	for y := 0; y < box.Dy(); y++ {
		srcOff := ((box.Min.Y+y)*d.raster.Width + box.Min.X)
		copy(out.Data[y*box.Dx():(y+1)*box.Dx()], d.raster.Data[srcOff:srcOff+box.Dx()])
	}
	g := d.georef.Crop(box)
	return &DEM{raster: out, georef: g}
}

// MedianValidHeight is the median of the valid samples, used to seed ray
// intersection. Large tiles are strided down to about a million samples.
// Returns false when the tile has no valid pixel.
func (d *DEM) MedianValidHeight() (float64, bool) {
	total := d.raster.Width * d.raster.Height
	stride := 1
	for total/(stride*stride) > 1<<20 {
		stride *= 2
	}
	var vals []float64
	for y := 0; y < d.raster.Height; y += stride {
		for x := 0; x < d.raster.Width; x += stride {
			if v, ok := d.Value(x, y); ok {
				vals = append(vals, v)
			}
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	m, err := stats.Median(vals)
	if err != nil {
		return 0, false
	}
	return m, true
}

// cubic convolution kernel weights for fractional offset t, a = -0.5
func cubicWeights(t float64) (w0, w1, w2, w3 float64) {
	const a = -0.5
	t2 := t * t
	t3 := t2 * t
	w0 = a * (t3 - 2*t2 + t)
	w1 = (a+2)*t3 - (a+3)*t2 + 1
	w2 = -(a+2)*t3 + (2*a+3)*t2 - a*t
	w3 = -a * (t3 - t2)
	return
}

// InterpolateBicubic samples the masked elevation surface at a fractional
// pixel with cubic convolution over the 4x4 neighborhood. Border pixels are
// replicated; if any contributing sample is no-data the result is invalid.
func (d *DEM) InterpolateBicubic(px, py float64) (float64, bool) {
	if px < 0 || py < 0 || px > float64(d.raster.Width-1) || py > float64(d.raster.Height-1) {
		return 0, false
	}
	x0 := math.Floor(px)
	y0 := math.Floor(py)
	fx := px - x0
	fy := py - y0

	wx0, wx1, wx2, wx3 := cubicWeights(fx)
	wy0, wy1, wy2, wy3 := cubicWeights(fy)
	wx := [4]float64{wx0, wx1, wx2, wx3}
	wy := [4]float64{wy0, wy1, wy2, wy3}

	clamp := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if v > hi {
			return hi
		}
		return v
	}

	var sum float64
	for j := 0; j < 4; j++ {
		y := clamp(int(y0)+j-1, d.raster.Height-1)
		var row float64
		for i := 0; i < 4; i++ {
			x := clamp(int(x0)+i-1, d.raster.Width-1)
			v, ok := d.Value(x, y)
			if !ok {
				return 0, false
			}
			row += wx[i] * v
		}
		sum += wy[j] * row
	}
	return sum, true
}

// InterpolateAtLonLat samples the surface at a geographic position.
func (d *DEM) InterpolateAtLonLat(lon, lat float64) (float64, bool) {
	px, py := d.georef.LonLatToPixel(lon, lat)
	return d.InterpolateBicubic(px, py)
}
