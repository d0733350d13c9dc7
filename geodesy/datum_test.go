package geodesy

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestDatumValidate(t *testing.T) {
	test.That(t, WGS84.Validate(), test.ShouldBeNil)
	test.That(t, MarsIAU.Validate(), test.ShouldBeNil)
	bad := Datum{Name: "bad", A: 1, B: 2}
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
	test.That(t, Datum{Name: "zero"}.Validate(), test.ShouldNotBeNil)
}

func TestGeodeticCartesianRoundTrip(t *testing.T) {
	// cardinal points on the ellipsoid
	pts := [][2]float64{ // lat, lon
		{0, 0}, {0, 90}, {0, 180}, {0, -90}, {90, 0},
	}
	for _, p := range pts {
		lat, lon := p[0], p[1]
		xyz := WGS84.GeodeticToCartesian(lon, lat, 0)
		gotLon, gotLat, gotH := WGS84.CartesianToGeodetic(xyz)
		back := WGS84.GeodeticToCartesian(gotLon, gotLat, gotH)
		test.That(t, back.Distance(xyz), test.ShouldBeLessThan, 1e-3)
		test.That(t, gotH, test.ShouldAlmostEqual, 0, 1e-3)
		test.That(t, gotLat, test.ShouldAlmostEqual, lat, 1e-8)
	}
}

func TestCartesianToGeodeticKnownPoints(t *testing.T) {
	// equator, prime meridian: x = a
	lon, lat, h := WGS84.CartesianToGeodetic(r3.Vector{X: WGS84.A, Y: 0, Z: 0})
	test.That(t, lon, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, lat, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, h, test.ShouldAlmostEqual, 0, 1e-6)

	// north pole at 1km altitude
	lon, lat, h = WGS84.CartesianToGeodetic(r3.Vector{X: 0, Y: 0, Z: WGS84.B + 1000})
	_ = lon
	test.That(t, lat, test.ShouldAlmostEqual, 90, 1e-9)
	test.That(t, h, test.ShouldAlmostEqual, 1000, 1e-6)

	// a mid-latitude point, height round trip at altitude
	xyz := WGS84.GeodeticToCartesian(-122.4, 37.8, 1234.5)
	_, _, h = WGS84.CartesianToGeodetic(xyz)
	test.That(t, h, test.ShouldAlmostEqual, 1234.5, 1e-4)
}

func TestCartesianToGeodeticOnMars(t *testing.T) {
	xyz := MarsIAU.GeodeticToCartesian(137.4, -4.6, -2500)
	lon, lat, h := MarsIAU.CartesianToGeodetic(xyz)
	test.That(t, lon, test.ShouldAlmostEqual, 137.4, 1e-9)
	test.That(t, lat, test.ShouldAlmostEqual, -4.6, 1e-9)
	test.That(t, h, test.ShouldAlmostEqual, -2500, 1e-4)
}

func TestLonLatToNEDMatrix(t *testing.T) {
	ned := LonLatToNEDMatrix(0, 0)
	// at (0,0): north = +z, east = +y, down = -x
	expect := mat.NewDense(3, 3, []float64{
		0, 0, -1,
		0, 1, 0,
		1, 0, 0,
	})
	test.That(t, mat.EqualApprox(ned, expect, 1e-15), test.ShouldBeTrue)

	// columns stay orthonormal elsewhere
	ned = LonLatToNEDMatrix(-45.3, 62.7)
	var prod mat.Dense
	prod.Mul(ned.T(), ned)
	test.That(t, mat.EqualApprox(&prod, mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), 1e-12), test.ShouldBeTrue)

	// down points toward the ellipsoid center
	down := r3.Vector{X: ned.At(0, 2), Y: ned.At(1, 2), Z: ned.At(2, 2)}
	pos := WGS84.GeodeticToCartesian(-45.3, 62.7, 0)
	test.That(t, down.Dot(pos), test.ShouldBeLessThan, 0)
}

func TestRecenterLongitude(t *testing.T) {
	test.That(t, RecenterLongitude(-170, 180), test.ShouldAlmostEqual, 190)
	test.That(t, RecenterLongitude(350, 0), test.ShouldAlmostEqual, -10)
	test.That(t, RecenterLongitude(10, 0), test.ShouldAlmostEqual, 10)
	test.That(t, RecenterLongitude(725, 0), test.ShouldAlmostEqual, 5)
}

func TestUTMRoundTrip(t *testing.T) {
	utm, err := NewUTM(WGS84, 10, false)
	test.That(t, err, test.ShouldBeNil)

	lon, lat := -122.4194, 37.7749
	e, n := utm.Forward(lon, lat)
	// the zone 10 central meridian is -123, so this point is east of it
	test.That(t, e, test.ShouldBeGreaterThan, utmFalseEasting)
	test.That(t, e, test.ShouldAlmostEqual, 551131, 5)
	test.That(t, n, test.ShouldBeGreaterThan, 4000000.0)

	gotLon, gotLat := utm.Inverse(e, n)
	test.That(t, gotLon, test.ShouldAlmostEqual, lon, 1e-8)
	test.That(t, gotLat, test.ShouldAlmostEqual, lat, 1e-8)
}

func TestUTMSouthernHemisphere(t *testing.T) {
	utm, err := UTMFromEPSG(32733) // zone 33 south
	test.That(t, err, test.ShouldBeNil)
	test.That(t, utm.South, test.ShouldBeTrue)

	lon, lat := 15.0, -25.0
	e, n := utm.Forward(lon, lat)
	test.That(t, n, test.ShouldBeGreaterThan, 0.0)
	test.That(t, n, test.ShouldBeLessThan, utmFalseNorthing)

	gotLon, gotLat := utm.Inverse(e, n)
	test.That(t, gotLon, test.ShouldAlmostEqual, lon, 1e-8)
	test.That(t, gotLat, test.ShouldAlmostEqual, lat, 1e-8)

	_, err = UTMFromEPSG(4326)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGeodeticHeightMatchesNorm(t *testing.T) {
	// on a sphere datum the height is just the norm minus radius
	p := r3.Vector{X: 0, Y: EarthSph.A + 50, Z: 0}
	test.That(t, EarthSph.GeodeticHeight(p), test.ShouldAlmostEqual, 50, 1e-6)
	test.That(t, math.Abs(EarthSph.GeodeticHeight(p.Mul(1.0))-50), test.ShouldBeLessThan, 1e-6)
}
