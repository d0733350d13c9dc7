package geotiff

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func writeReadCycle(t *testing.T, r *Raster) *Raster {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cycle.tif")
	test.That(t, Write(path, r), test.ShouldBeNil)
	got, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	return got
}

func TestFloatRoundTrip(t *testing.T) {
	r := NewRaster(7, 5, 1, FormatFloat32, -32768)
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			r.Set(x, y, 0, float64(x)*10+float64(y)*0.25)
		}
	}
	r.Set(3, 2, 0, -32768) // one hole

	got := writeReadCycle(t, r)
	test.That(t, got.Width, test.ShouldEqual, 7)
	test.That(t, got.Height, test.ShouldEqual, 5)
	test.That(t, got.Bands, test.ShouldEqual, 1)
	test.That(t, got.Format, test.ShouldEqual, FormatFloat32)
	test.That(t, got.HasNoData, test.ShouldBeTrue)
	test.That(t, got.NoDataValue, test.ShouldAlmostEqual, -32768)
	for i := range r.Data {
		test.That(t, got.Data[i], test.ShouldEqual, r.Data[i])
	}
	test.That(t, got.IsNoData(got.At(3, 2, 0)), test.ShouldBeTrue)
}

func TestMultiBandRoundTrip(t *testing.T) {
	r := NewRaster(33, 9, 4, FormatFloat32, math.NaN())
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			for b := 0; b < 4; b++ {
				r.Set(x, y, b, float64((y*33+x)*4+b))
			}
		}
	}
	got := writeReadCycle(t, r)
	test.That(t, got.Bands, test.ShouldEqual, 4)
	test.That(t, got.At(32, 8, 3), test.ShouldAlmostEqual, float64((8*33+32)*4+3))
	test.That(t, got.HasNoData, test.ShouldBeTrue)
	test.That(t, math.IsNaN(got.NoDataValue), test.ShouldBeTrue)
}

func TestFloat64RoundTrip(t *testing.T) {
	r := NewRaster(5, 4, 3, FormatFloat64, 0)
	// ECEF-scale magnitudes that do not survive a float32 round trip
	r.Set(1, 1, 0, 6378137.123456789)
	r.Set(1, 1, 1, -3985678.000000123)
	r.Set(1, 1, 2, 4078514.987654321)
	got := writeReadCycle(t, r)
	test.That(t, got.Format, test.ShouldEqual, FormatFloat64)
	test.That(t, got.At(1, 1, 0), test.ShouldEqual, 6378137.123456789)
	test.That(t, got.At(1, 1, 1), test.ShouldEqual, -3985678.000000123)
	test.That(t, got.At(1, 1, 2), test.ShouldEqual, 4078514.987654321)
}

func TestIntSpreadRoundTrip(t *testing.T) {
	r := NewRaster(16, 16, 2, FormatInt16, -1)
	r.Set(4, 4, 0, 12)
	r.Set(4, 4, 1, 7)
	got := writeReadCycle(t, r)
	test.That(t, got.Format, test.ShouldEqual, FormatInt16)
	test.That(t, got.At(4, 4, 0), test.ShouldEqual, 12.0)
	test.That(t, got.At(4, 4, 1), test.ShouldEqual, 7.0)
	test.That(t, got.IsNoData(got.At(0, 0, 0)), test.ShouldBeTrue)
}

func TestGeoKeysRoundTrip(t *testing.T) {
	r := NewRaster(4, 4, 1, FormatFloat32, -9999)
	r.HasGeoTransform = true
	r.PixelScale = [3]float64{0.001, 0.001, 0}
	r.Tiepoint = [6]float64{0, 0, 0, -122.5, 38.0, 0}
	r.ModelType = ModelTypeGeographic
	r.GeographicCode = 4326
	r.SemiMajor = 6378137.0
	r.SemiMinor = 6356752.314245179
	r.Citation = "WGS_1984"

	got := writeReadCycle(t, r)
	test.That(t, got.HasGeoTransform, test.ShouldBeTrue)
	test.That(t, got.PixelScale[0], test.ShouldAlmostEqual, 0.001)
	test.That(t, got.Tiepoint[3], test.ShouldAlmostEqual, -122.5)
	test.That(t, got.Tiepoint[4], test.ShouldAlmostEqual, 38.0)
	test.That(t, got.ModelType, test.ShouldEqual, ModelTypeGeographic)
	test.That(t, got.GeographicCode, test.ShouldEqual, 4326)
	test.That(t, got.SemiMajor, test.ShouldAlmostEqual, 6378137.0)
	test.That(t, got.SemiMinor, test.ShouldAlmostEqual, 6356752.314245179)
	test.That(t, got.Citation, test.ShouldEqual, "WGS_1984")
}

func TestRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.tif")
	test.That(t, os.WriteFile(path, []byte("not a tiff at all"), 0o644), test.ShouldBeNil)
	_, err := Read(path)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Read(filepath.Join(t.TempDir(), "missing.tif"))
	test.That(t, err, test.ShouldNotBeNil)
}
