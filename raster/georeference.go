// Package raster provides georeferenced rasters: the GeoReference mapping
// between pixel, projected point, and geographic planes, and the DEM tile
// with its masked interpolated view.
package raster

import (
	"image"

	"github.com/golang/geo/r2"

	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/geodesy"
	"github.com/demtools/stereodem/geotiff"
)

// GeoReference ties a datum to an affine pixel-to-point mapping and an
// optional projection from the point plane to geographic lon/lat. When
// Projection is nil the point plane already is lon/lat degrees.
//
// Pixel (0, 0) addresses the center of the top-left image element; the
// origin holds the point-plane coordinates of that center.
type GeoReference struct {
	Datum      geodesy.Datum
	OriginX    float64
	OriginY    float64
	ScaleX     float64 // point units per pixel column step
	ScaleY     float64 // point units per pixel row step, negative for north-up
	Projection *geodesy.UTM

	// LonCenter fixes the longitude convention for every lon/lat this
	// georeference produces: 0 keeps [-180, 180], 180 keeps [0, 360].
	// It is chosen at read time and preserved across derived boxes.
	LonCenter float64
}

// PixelToPoint maps a (possibly fractional) pixel to the point plane.
func (g *GeoReference) PixelToPoint(px, py float64) (x, y float64) {
	return g.OriginX + px*g.ScaleX, g.OriginY + py*g.ScaleY
}

// PointToPixel inverts PixelToPoint.
func (g *GeoReference) PointToPixel(x, y float64) (px, py float64) {
	return (x - g.OriginX) / g.ScaleX, (y - g.OriginY) / g.ScaleY
}

// PointToLonLat maps a point-plane position to geographic lon/lat degrees,
// recentered to the georeference's longitude convention.
func (g *GeoReference) PointToLonLat(x, y float64) (lon, lat float64) {
	if g.Projection != nil {
		lon, lat = g.Projection.Inverse(x, y)
	} else {
		lon, lat = x, y
	}
	return geodesy.RecenterLongitude(lon, g.LonCenter), lat
}

// LonLatToPoint inverts PointToLonLat.
func (g *GeoReference) LonLatToPoint(lon, lat float64) (x, y float64) {
	if g.Projection != nil {
		return g.Projection.Forward(lon, lat)
	}
	return geodesy.RecenterLongitude(lon, g.LonCenter), lat
}

// PixelToLonLat composes PixelToPoint and PointToLonLat.
func (g *GeoReference) PixelToLonLat(px, py float64) (lon, lat float64) {
	x, y := g.PixelToPoint(px, py)
	return g.PointToLonLat(x, y)
}

// LonLatToPixel composes LonLatToPoint and PointToPixel.
func (g *GeoReference) LonLatToPixel(lon, lat float64) (px, py float64) {
	x, y := g.LonLatToPoint(lon, lat)
	return g.PointToPixel(x, y)
}

// Crop rebases the georeference so that pixel (0, 0) of the result is pixel
// (box.Min.X, box.Min.Y) of the original. The longitude convention carries
// over.
func (g *GeoReference) Crop(box image.Rectangle) GeoReference {
	out := *g
	out.OriginX, out.OriginY = g.PixelToPoint(float64(box.Min.X), float64(box.Min.Y))
	return out
}

// LonLatBounds returns the geographic bounding box of a raster of the given
// pixel size under this georeference, sampled at the four corners.
func (g *GeoReference) LonLatBounds(width, height int) r2.Rect {
	corners := [][2]float64{
		{0, 0},
		{float64(width - 1), 0},
		{0, float64(height - 1)},
		{float64(width - 1), float64(height - 1)},
	}
	lon0, lat0 := g.PixelToLonLat(corners[0][0], corners[0][1])
	box := r2.RectFromPoints(r2.Point{X: lon0, Y: lat0})
	for _, c := range corners[1:] {
		lon, lat := g.PixelToLonLat(c[0], c[1])
		box = box.AddPoint(r2.Point{X: lon, Y: lat})
	}
	return box
}

// FromGeoTIFF derives a GeoReference from raster metadata. The longitude
// convention is picked from the tiepoint: a tiepoint east of 180 selects
// the [0, 360] convention.
func FromGeoTIFF(r *geotiff.Raster) (GeoReference, error) {
	if !r.HasGeoTransform {
		return GeoReference{}, errtag.Input("raster has no georeference (tiepoint/scale missing)")
	}

	datum := geodesy.WGS84
	if r.SemiMajor > 0 {
		datum = geodesy.Datum{Name: r.Citation, A: r.SemiMajor, B: r.SemiMinor}
		if datum.B == 0 {
			datum.B = datum.A
		}
		if datum.Name == "" {
			datum.Name = "unnamed"
		}
	}
	if err := datum.Validate(); err != nil {
		return GeoReference{}, err
	}

	g := GeoReference{
		Datum:   datum,
		OriginX: r.Tiepoint[3] - r.Tiepoint[0]*r.PixelScale[0],
		OriginY: r.Tiepoint[4] + r.Tiepoint[1]*r.PixelScale[1],
		ScaleX:  r.PixelScale[0],
		ScaleY:  -r.PixelScale[1],
	}
	if r.ModelType == geotiff.ModelTypeProjected {
		if r.ProjectedCode == 0 {
			return GeoReference{}, errtag.Input("projected raster without an EPSG code")
		}
		utm, err := geodesy.UTMFromEPSG(r.ProjectedCode)
		if err != nil {
			return GeoReference{}, err
		}
		g.Projection = &utm
	} else if g.OriginX > 180 {
		g.LonCenter = 180
	}
	return g, nil
}

// ToGeoTIFF stamps the georeference's metadata onto an output raster.
func (g *GeoReference) ToGeoTIFF(r *geotiff.Raster) {
	r.HasGeoTransform = true
	r.PixelScale = [3]float64{g.ScaleX, -g.ScaleY, 0}
	r.Tiepoint = [6]float64{0, 0, 0, g.OriginX, g.OriginY, 0}
	r.SemiMajor = g.Datum.A
	r.SemiMinor = g.Datum.B
	r.Citation = g.Datum.Name
	if g.Projection != nil {
		r.ModelType = geotiff.ModelTypeProjected
		code := 32600 + g.Projection.Zone
		if g.Projection.South {
			code = 32700 + g.Projection.Zone
		}
		r.ProjectedCode = code
	} else {
		r.ModelType = geotiff.ModelTypeGeographic
		if g.Datum.Name == geodesy.WGS84.Name {
			r.GeographicCode = 4326
		}
	}
}
