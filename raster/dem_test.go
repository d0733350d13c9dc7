package raster

import (
	"image"
	"testing"

	"go.viam.com/test"

	"github.com/demtools/stereodem/geodesy"
	"github.com/demtools/stereodem/geotiff"
)

// small geographic raster centered near (0, 0), 0.01 degree posting
func testRaster(width, height int, fill func(x, y int) float64) *geotiff.Raster {
	r := geotiff.NewRaster(width, height, 1, geotiff.FormatFloat32, -32768)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r.Set(x, y, 0, fill(x, y))
		}
	}
	r.HasGeoTransform = true
	r.PixelScale = [3]float64{0.01, 0.01, 0}
	r.Tiepoint = [6]float64{0, 0, 0, -0.5, 0.5, 0}
	r.ModelType = geotiff.ModelTypeGeographic
	r.GeographicCode = 4326
	return r
}

func TestGeoReferenceComposition(t *testing.T) {
	dem, err := NewDEM(testRaster(101, 101, func(x, y int) float64 { return 0 }))
	test.That(t, err, test.ShouldBeNil)
	g := dem.GeoReference()

	// pixel -> lonlat -> pixel closes
	lon, lat := g.PixelToLonLat(20, 30)
	px, py := g.LonLatToPixel(lon, lat)
	test.That(t, px, test.ShouldAlmostEqual, 20, 1e-9)
	test.That(t, py, test.ShouldAlmostEqual, 30, 1e-9)

	// rows march south, columns march east
	lon2, lat2 := g.PixelToLonLat(21, 31)
	test.That(t, lon2, test.ShouldBeGreaterThan, lon)
	test.That(t, lat2, test.ShouldBeLessThan, lat)

	// uses the datum from the keys
	test.That(t, g.Datum.A, test.ShouldAlmostEqual, geodesy.WGS84.A)
}

func TestGeoReferenceCropAgrees(t *testing.T) {
	dem, err := NewDEM(testRaster(50, 40, func(x, y int) float64 { return float64(x + y) }))
	test.That(t, err, test.ShouldBeNil)

	box := image.Rect(10, 5, 30, 25)
	sub := dem.Crop(box)
	test.That(t, sub.Bounds().Dx(), test.ShouldEqual, 20)
	test.That(t, sub.Bounds().Dy(), test.ShouldEqual, 20)

	// same ground position maps to shifted pixels
	lon, lat := dem.GeoReference().PixelToLonLat(12, 7)
	px, py := sub.GeoReference().LonLatToPixel(lon, lat)
	test.That(t, px, test.ShouldAlmostEqual, 2, 1e-9)
	test.That(t, py, test.ShouldAlmostEqual, 2, 1e-9)

	v, ok := sub.Value(2, 2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldAlmostEqual, 12+7)
}

func TestBicubicInterpolation(t *testing.T) {
	// a plane z = 3 + 2x - y is reproduced exactly by cubic convolution
	dem, err := NewDEM(testRaster(20, 20, func(x, y int) float64 {
		return 3 + 2*float64(x) - float64(y)
	}))
	test.That(t, err, test.ShouldBeNil)

	v, ok := dem.InterpolateBicubic(5.25, 7.75)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldAlmostEqual, 3+2*5.25-7.75, 1e-9)

	// outside the grid
	_, ok = dem.InterpolateBicubic(-0.5, 3)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = dem.InterpolateBicubic(3, 25)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestBicubicNoDataPropagates(t *testing.T) {
	r := testRaster(20, 20, func(x, y int) float64 { return 100 })
	r.Set(10, 10, 0, -32768)
	dem, err := NewDEM(r)
	test.That(t, err, test.ShouldBeNil)

	// hole reaches any stencil that touches pixel (10, 10)
	_, ok := dem.InterpolateBicubic(10.4, 10.4)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = dem.InterpolateBicubic(9.5, 9.5)
	test.That(t, ok, test.ShouldBeFalse)

	// far away is unaffected
	v, ok := dem.InterpolateBicubic(3.5, 3.5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldAlmostEqual, 100, 1e-9)
}

func TestMedianValidHeight(t *testing.T) {
	r := testRaster(11, 11, func(x, y int) float64 { return float64(y) })
	dem, err := NewDEM(r)
	test.That(t, err, test.ShouldBeNil)
	m, ok := dem.MedianValidHeight()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, m, test.ShouldAlmostEqual, 5)

	// all no-data
	hole := testRaster(4, 4, func(x, y int) float64 { return -32768 })
	dem2, err := NewDEM(hole)
	test.That(t, err, test.ShouldBeNil)
	_, ok = dem2.MedianValidHeight()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestLongitudeConventionPreserved(t *testing.T) {
	r := testRaster(10, 10, func(x, y int) float64 { return 0 })
	r.Tiepoint[3] = 300.0 // [0, 360] convention source
	dem, err := NewDEM(r)
	test.That(t, err, test.ShouldBeNil)
	g := dem.GeoReference()
	test.That(t, g.LonCenter, test.ShouldAlmostEqual, 180)

	lon, _ := g.PixelToLonLat(0, 0)
	test.That(t, lon, test.ShouldAlmostEqual, 300.0)

	sub := dem.Crop(image.Rect(2, 2, 8, 8))
	test.That(t, sub.GeoReference().LonCenter, test.ShouldAlmostEqual, 180)
}
