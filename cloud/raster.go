package cloud

import (
	"github.com/golang/geo/r3"

	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/geotiff"
	"github.com/demtools/stereodem/raster"
	"github.com/demtools/stereodem/utils"
)

// readCloudRaster opens a tiled cloud raster and checks its band layout.
func readCloudRaster(path string) (*geotiff.Raster, error) {
	r, err := geotiff.Read(path)
	if err != nil {
		return nil, err
	}
	if r.Bands != 3 && r.Bands != 4 && r.Bands != 6 {
		return nil, errtag.Input("%s: a tiled cloud must have 3, 4, or 6 bands, found %d", path, r.Bands)
	}
	return r, nil
}

// loadDEM walks a georeferenced DEM on a pixel stride, lifting each
// valid post to ECEF through the DEM's own datum.
func loadDEM(path string, opts LoadOptions) (*Sample, error) {
	dem, err := raster.OpenDEM(path)
	if err != nil {
		return nil, err
	}
	georef := dem.GeoReference()
	opts.Datum = georef.Datum

	bounds := dem.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	stride := strideFor(w*h, opts.MaxPoints)

	c := newCollector(opts)
	progress := utils.NewProgress(opts.Logger, "loading DEM "+path, int64(h))
	total := 0
	for y := 0; y < h; y += stride {
		for x := 0; x < w; x += stride {
			height, ok := dem.Value(x, y)
			if !ok {
				continue
			}
			total++
			lon, lat := georef.PixelToLonLat(float64(x), float64(y))
			c.add(georef.Datum.GeodeticToCartesian(lon, lat, height))
			if c.len() >= opts.MaxPoints {
				break
			}
		}
		progress.Add(int64(stride))
		if c.len() >= opts.MaxPoints {
			break
		}
	}
	progress.Finish()
	// scale the strided count back to an estimate of the full cloud
	return c.finish(total*stride*stride, FormatDEM)
}

// loadPC walks a tiled cloud raster on a pixel stride. The first three
// bands hold ECEF coordinates; a point at the exact origin marks an
// invalid pixel.
func loadPC(path string, opts LoadOptions) (*Sample, error) {
	r, err := readCloudRaster(path)
	if err != nil {
		return nil, err
	}
	stride := strideFor(r.Width*r.Height, opts.MaxPoints)

	c := newCollector(opts)
	progress := utils.NewProgress(opts.Logger, "loading cloud "+path, int64(r.Height))
	total := 0
	for y := 0; y < r.Height; y += stride {
		for x := 0; x < r.Width; x += stride {
			p := r3.Vector{X: r.At(x, y, 0), Y: r.At(x, y, 1), Z: r.At(x, y, 2)}
			if p.X == 0 && p.Y == 0 && p.Z == 0 {
				continue
			}
			total++
			c.add(p)
			if c.len() >= opts.MaxPoints {
				break
			}
		}
		progress.Add(int64(stride))
		if c.len() >= opts.MaxPoints {
			break
		}
	}
	progress.Finish()
	return c.finish(total*stride*stride, FormatPC)
}
