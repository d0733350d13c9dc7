// Package geodesy implements datum handling and conversions between ECEF
// cartesian, geodetic, projected, and local NED frames. All functions are
// pure; angles are degrees and distances meters unless noted.
package geodesy

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/demtools/stereodem/errtag"
)

// Datum is a reference ellipsoid: semi-major axis A, semi-minor axis B,
// both in meters, with A >= B > 0.
type Datum struct {
	Name string  `json:"name"`
	A    float64 `json:"semi_major_axis"`
	B    float64 `json:"semi_minor_axis"`
}

// Common datums.
var (
	WGS84    = Datum{Name: "WGS_1984", A: 6378137.0, B: 6356752.314245179}
	MarsIAU  = Datum{Name: "D_MARS", A: 3396190.0, B: 3376200.0}
	MoonIAU  = Datum{Name: "D_MOON", A: 1737400.0, B: 1737400.0}
	EarthSph = Datum{Name: "Earth_Sphere", A: 6371000.0, B: 6371000.0}
)

// Validate checks the ellipsoid axes.
func (d Datum) Validate() error {
	if !(d.A >= d.B && d.B > 0) {
		return errtag.Input("malformed datum %q: need semi-major >= semi-minor > 0, got a=%f b=%f", d.Name, d.A, d.B)
	}
	return nil
}

// eccentricity squared, first and second
func (d Datum) e2() float64  { return (d.A*d.A - d.B*d.B) / (d.A * d.A) }
func (d Datum) ep2() float64 { return (d.A*d.A - d.B*d.B) / (d.B * d.B) }

// GeodeticToCartesian converts (lon, lat) in degrees and height above the
// ellipsoid in meters to an ECEF point.
func (d Datum) GeodeticToCartesian(lon, lat, height float64) r3.Vector {
	lonR := lon * math.Pi / 180
	latR := lat * math.Pi / 180
	sinLat, cosLat := math.Sincos(latR)
	sinLon, cosLon := math.Sincos(lonR)

	// radius of curvature in the prime vertical
	n := d.A / math.Sqrt(1-d.e2()*sinLat*sinLat)
	return r3.Vector{
		X: (n + height) * cosLat * cosLon,
		Y: (n + height) * cosLat * sinLon,
		Z: (n*(1-d.e2()) + height) * sinLat,
	}
}

// CartesianToGeodetic converts an ECEF point to (lon, lat) in degrees and
// height above the ellipsoid in meters. It uses the Bowring closed-form seed
// followed by two fixed-point refinements, which is sub-millimeter at
// Earth, Mars, and Moon scales.
func (d Datum) CartesianToGeodetic(p r3.Vector) (lon, lat, height float64) {
	lonR := math.Atan2(p.Y, p.X)
	rho := math.Hypot(p.X, p.Y)

	if rho < 1e-9 {
		// on the polar axis
		lat = math.Copysign(90, p.Z)
		if p.Z == 0 {
			lat = 0
		}
		return lonR * 180 / math.Pi, lat, math.Abs(p.Z) - d.B
	}

	e2, ep2 := d.e2(), d.ep2()
	// Bowring seed
	theta := math.Atan2(p.Z*d.A, rho*d.B)
	sinT, cosT := math.Sincos(theta)
	latR := math.Atan2(p.Z+ep2*d.B*sinT*sinT*sinT, rho-e2*d.A*cosT*cosT*cosT)
	for i := 0; i < 2; i++ {
		sinLat := math.Sin(latR)
		n := d.A / math.Sqrt(1-e2*sinLat*sinLat)
		latR = math.Atan2(p.Z+e2*n*sinLat, rho)
	}

	sinLat, cosLat := math.Sincos(latR)
	n := d.A / math.Sqrt(1-e2*sinLat*sinLat)
	if math.Abs(cosLat) > math.Abs(sinLat) {
		height = rho/cosLat - n
	} else {
		height = p.Z/sinLat - n*(1-e2)
	}
	return lonR * 180 / math.Pi, latR * 180 / math.Pi, height
}

// GeodeticHeight is the height of p above the ellipsoid.
func (d Datum) GeodeticHeight(p r3.Vector) float64 {
	_, _, h := d.CartesianToGeodetic(p)
	return h
}

// LonLatToNEDMatrix returns the 3x3 matrix whose columns are the local
// north, east, and down unit directions in ECEF at the given geodetic
// position (degrees).
func LonLatToNEDMatrix(lon, lat float64) *mat.Dense {
	lonR := lon * math.Pi / 180
	latR := lat * math.Pi / 180
	sinLat, cosLat := math.Sincos(latR)
	sinLon, cosLon := math.Sincos(lonR)

	return mat.NewDense(3, 3, []float64{
		-sinLat * cosLon, -sinLon, -cosLat * cosLon,
		-sinLat * sinLon, cosLon, -cosLat * sinLon,
		cosLat, 0, -sinLat,
	})
}

// RecenterLongitude brings lon into the 360-degree period centered at
// center by adding the appropriate multiple of 360.
func RecenterLongitude(lon, center float64) float64 {
	return lon + 360*math.Round((center-lon)/360)
}
