package cloud

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/demtools/stereodem/geodesy"
	"github.com/demtools/stereodem/geotiff"
)

// writeTestDEM writes a 21x21 DEM of constant height around (0, 0) and
// returns its path.
func writeTestDEM(t *testing.T, height float64) string {
	t.Helper()
	r := geotiff.NewRaster(21, 21, 1, geotiff.FormatFloat32, -32768)
	for i := range r.Data {
		r.Data[i] = height
	}
	r.HasGeoTransform = true
	r.PixelScale = [3]float64{0.01, 0.01, 0}
	r.Tiepoint = [6]float64{0, 0, 0, -0.1, 0.1, 0}
	r.ModelType = geotiff.ModelTypeGeographic
	r.GeographicCode = 4326
	path := filepath.Join(t.TempDir(), "dem.tif")
	test.That(t, geotiff.Write(path, r), test.ShouldBeNil)
	return path
}

func TestLoadDEM(t *testing.T) {
	path := writeTestDEM(t, 150)
	var shift r3.Vector
	sample, err := Load(path, LoadOptions{MaxPoints: 100, CalcShift: true, Shift: &shift})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sample.Format, test.ShouldEqual, FormatDEM)
	test.That(t, sample.Len(), test.ShouldBeLessThanOrEqualTo, 100)
	test.That(t, sample.Len(), test.ShouldBeGreaterThan, 10)
	test.That(t, shift, test.ShouldResemble, sample.Shift)
	test.That(t, shift.Norm(), test.ShouldBeGreaterThan, 1e6)

	// every loaded point must sit at the DEM height
	for j := 0; j < sample.Len(); j++ {
		h := geodesy.WGS84.GeodeticHeight(sample.WorldPoint(j))
		test.That(t, h, test.ShouldAlmostEqual, 150, 1e-6)
	}
	test.That(t, sample.MedianLon, test.ShouldAlmostEqual, 0, 0.2)
}

func TestLoadDEMWithBox(t *testing.T) {
	path := writeTestDEM(t, 10)
	// a box covering only the northwest quadrant
	box := r2.Rect{X: r1.Interval{Lo: -0.2, Hi: -0.02}, Y: r1.Interval{Lo: 0.02, Hi: 0.2}}
	sample, err := Load(path, LoadOptions{MaxPoints: 1000, LonLatBox: &box})
	test.That(t, err, test.ShouldBeNil)
	for j := 0; j < sample.Len(); j++ {
		lon, lat, _ := geodesy.WGS84.CartesianToGeodetic(sample.WorldPoint(j))
		test.That(t, lon, test.ShouldBeLessThan, 0)
		test.That(t, lat, test.ShouldBeGreaterThan, 0)
	}

	// a box over the ocean south of the DEM keeps nothing
	far := r2.Rect{X: r1.Interval{Lo: 10, Hi: 11}, Y: r1.Interval{Lo: -11, Hi: -10}}
	_, err = Load(path, LoadOptions{MaxPoints: 1000, LonLatBox: &far})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadMonotonicity(t *testing.T) {
	path := writeTestDEM(t, 25)
	small, err := Load(path, LoadOptions{MaxPoints: 40})
	test.That(t, err, test.ShouldBeNil)
	large, err := Load(path, LoadOptions{MaxPoints: 160})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, large.Len(), test.ShouldBeGreaterThanOrEqualTo, small.Len())
}

func TestLoadTiledCloud(t *testing.T) {
	r := geotiff.NewRaster(8, 8, 3, geotiff.FormatFloat64, 0)
	r.HasNoData = false
	datum := geodesy.WGS84
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if x == 3 && y == 3 {
				continue // leave one invalid triple
			}
			p := datum.GeodeticToCartesian(float64(x)*0.01, float64(y)*0.01, 500)
			r.Set(x, y, 0, p.X)
			r.Set(x, y, 1, p.Y)
			r.Set(x, y, 2, p.Z)
		}
	}
	path := filepath.Join(t.TempDir(), "cloud.tif")
	test.That(t, geotiff.Write(path, r), test.ShouldBeNil)

	sample, err := Load(path, LoadOptions{MaxPoints: 1000})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sample.Format, test.ShouldEqual, FormatPC)
	test.That(t, sample.Len(), test.ShouldEqual, 63)
	for j := 0; j < sample.Len(); j++ {
		h := datum.GeodeticHeight(sample.WorldPoint(j))
		test.That(t, h, test.ShouldAlmostEqual, 500, 1e-6)
	}
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud.csv")
	content := "# lon lat height\n" +
		"10.0, 45.0, 100.0\n" +
		"10.1, 45.1, 200.0\n" +
		"\n" +
		"10.2, 45.2, 300.0\n"
	test.That(t, os.WriteFile(path, []byte(content), 0o644), test.ShouldBeNil)

	sample, err := Load(path, LoadOptions{MaxPoints: 100})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sample.Format, test.ShouldEqual, FormatCSV)
	test.That(t, sample.Len(), test.ShouldEqual, 3)
	test.That(t, sample.TotalPoints, test.ShouldEqual, 3)
	test.That(t, sample.MedianLon, test.ShouldAlmostEqual, 10.1, 1e-9)

	lon, lat, h := geodesy.WGS84.CartesianToGeodetic(sample.WorldPoint(0))
	test.That(t, lon, test.ShouldAlmostEqual, 10.0, 1e-8)
	test.That(t, lat, test.ShouldAlmostEqual, 45.0, 1e-8)
	test.That(t, h, test.ShouldAlmostEqual, 100.0, 1e-3)
}

func identityTransform() *mat.Dense {
	T := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		T.Set(i, i, 1)
	}
	return T
}

func translation(d r3.Vector) *mat.Dense {
	T := identityTransform()
	T.Set(0, 3, d.X)
	T.Set(1, 3, d.Y)
	T.Set(2, 3, d.Z)
	return T
}

func TestApplyTransformCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.csv")
	content := "# ecef points\n1000.0,2000.0,3000.0,7\n-50.5,0.25,12.0,9\n"
	test.That(t, os.WriteFile(path, []byte(content), 0o644), test.ShouldBeNil)

	format := CSVFormat{Layout: LayoutXYZ, Cols: [3]int{0, 1, 2}}
	out, err := ApplyTransform(translation(r3.Vector{X: 5, Y: -10, Z: 2.5}),
		path, filepath.Join(dir, "run"), ApplyOptions{CSV: format})
	test.That(t, err, test.ShouldBeNil)

	sample, err := Load(out, LoadOptions{MaxPoints: 10, CSV: format})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sample.Len(), test.ShouldEqual, 2)
	p := sample.WorldPoint(0)
	test.That(t, p.X, test.ShouldAlmostEqual, 1005.0, 1e-9)
	test.That(t, p.Y, test.ShouldAlmostEqual, 1990.0, 1e-9)
	test.That(t, p.Z, test.ShouldAlmostEqual, 3002.5, 1e-9)

	// the comment line and the untouched fourth column survive
	moved, err := os.ReadFile(out)
	test.That(t, err, test.ShouldBeNil)
	text := string(moved)
	test.That(t, text, test.ShouldContainSubstring, "# ecef points")
	test.That(t, text, test.ShouldContainSubstring, ",7")
	test.That(t, text, test.ShouldContainSubstring, ",9")
}

func TestApplyTransformDEM(t *testing.T) {
	dir := t.TempDir()
	path := writeTestDEM(t, 80)
	delta := r3.Vector{X: 11, Y: -7, Z: 3}
	out, err := ApplyTransform(translation(delta), path, filepath.Join(dir, "run"), ApplyOptions{})
	test.That(t, err, test.ShouldBeNil)

	moved, err := geotiff.Read(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moved.Bands, test.ShouldEqual, 3)
	test.That(t, moved.Width, test.ShouldEqual, 21)
	test.That(t, moved.ModelType, test.ShouldEqual, geotiff.ModelTypeGeographic)

	// check one pixel against a hand-moved point
	dem, err := geotiff.Read(path)
	test.That(t, err, test.ShouldBeNil)
	lon := dem.Tiepoint[3] + 5*dem.PixelScale[0]
	lat := dem.Tiepoint[4] - 5*dem.PixelScale[1]
	want := geodesy.WGS84.GeodeticToCartesian(lon, lat, 80).Add(delta)
	got := r3.Vector{X: moved.At(5, 5, 0), Y: moved.At(5, 5, 1), Z: moved.At(5, 5, 2)}
	test.That(t, got.Distance(want), test.ShouldAlmostEqual, 0, 1e-6)
}

func TestApplyTransformPCKeepsExtraBands(t *testing.T) {
	r := geotiff.NewRaster(4, 4, 4, geotiff.FormatFloat64, 0)
	r.HasNoData = false
	r.Set(1, 1, 0, 100)
	r.Set(1, 1, 1, 200)
	r.Set(1, 1, 2, 300)
	r.Set(1, 1, 3, 42) // intersection error band
	dir := t.TempDir()
	path := filepath.Join(dir, "pc.tif")
	test.That(t, geotiff.Write(path, r), test.ShouldBeNil)

	out, err := ApplyTransform(translation(r3.Vector{X: 1, Y: 2, Z: 3}),
		path, filepath.Join(dir, "run"), ApplyOptions{})
	test.That(t, err, test.ShouldBeNil)
	moved, err := geotiff.Read(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moved.At(1, 1, 0), test.ShouldEqual, 101.0)
	test.That(t, moved.At(1, 1, 1), test.ShouldEqual, 202.0)
	test.That(t, moved.At(1, 1, 2), test.ShouldEqual, 303.0)
	test.That(t, moved.At(1, 1, 3), test.ShouldEqual, 42.0)
	// invalid triples stay invalid rather than being translated
	test.That(t, moved.At(0, 0, 0), test.ShouldEqual, 0.0)
}

// writeTestLAS writes a five point format 1 file with raw ECEF
// coordinates and millimeter quantization.
func writeTestLAS(t *testing.T, path string) {
	t.Helper()
	lf, err := lidario.NewLasFile(path, "w")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lf.AddHeader(lidario.LasHeader{
		PointFormatID: 1,
		XOffset:       1000,
		YOffset:       2000,
		ZOffset:       3000,
	}), test.ShouldBeNil)
	lf.Header.XScaleFactor = 0.001
	lf.Header.YScaleFactor = 0.001
	lf.Header.ZScaleFactor = 0.001
	for i := 0; i < 5; i++ {
		pt := &lidario.PointRecord1{
			PointRecord0: &lidario.PointRecord0{
				X:         1000 + float64(i),
				Y:         2000 + float64(i)*0.5,
				Z:         3000 - float64(i)*0.25,
				Intensity: uint16(10 * i),
				BitField:  lidario.PointBitField{Value: 1 | 1<<3},
			},
			GPSTime: 100000 + float64(i),
		}
		test.That(t, lf.AddLasPoint(pt), test.ShouldBeNil)
	}
	test.That(t, lf.Close(), test.ShouldBeNil)
}

func TestApplyTransformLASKeepsHeaderAndFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.las")
	writeTestLAS(t, path)

	delta := r3.Vector{X: 500, Y: -250, Z: 125}
	out, err := ApplyTransform(translation(delta), path, filepath.Join(dir, "run"), ApplyOptions{})
	test.That(t, err, test.ShouldBeNil)

	moved, err := lidario.NewLasFile(out, "r")
	test.That(t, err, test.ShouldBeNil)

	// raw ECEF coordinates move bodily, so the offset moves with them
	// while the point format and quantization step are kept
	test.That(t, moved.Header.PointFormatID, test.ShouldEqual, byte(1))
	test.That(t, moved.Header.XOffset, test.ShouldAlmostEqual, 1500, 1e-9)
	test.That(t, moved.Header.YOffset, test.ShouldAlmostEqual, 1750, 1e-9)
	test.That(t, moved.Header.ZOffset, test.ShouldAlmostEqual, 3125, 1e-9)
	test.That(t, moved.Header.XScaleFactor, test.ShouldEqual, 0.001)
	test.That(t, moved.Header.YScaleFactor, test.ShouldEqual, 0.001)
	test.That(t, moved.Header.ZScaleFactor, test.ShouldEqual, 0.001)
	test.That(t, moved.Header.NumberPoints, test.ShouldEqual, 5)

	for i := 0; i < 5; i++ {
		p, err := moved.LasPoint(i)
		test.That(t, err, test.ShouldBeNil)
		data := p.PointData()
		test.That(t, data.X, test.ShouldAlmostEqual, 1500+float64(i), 0.002)
		test.That(t, data.Y, test.ShouldAlmostEqual, 1750+float64(i)*0.5, 0.002)
		test.That(t, data.Z, test.ShouldAlmostEqual, 3125-float64(i)*0.25, 0.002)
		test.That(t, data.Intensity, test.ShouldEqual, uint16(10*i))
		test.That(t, p.GpsTimeData(), test.ShouldAlmostEqual, 100000+float64(i), 1e-6)
	}
	test.That(t, moved.Close(), test.ShouldBeNil)
}

func TestExtendLonLatBox(t *testing.T) {
	box := r2.Rect{X: r1.Interval{Lo: 10, Hi: 10.5}, Y: r1.Interval{Lo: 45, Hi: 45.4}}
	got := ExtendLonLatBox(box, geodesy.WGS84, 1000)
	test.That(t, got.Contains(box), test.ShouldBeTrue)
	// 1 km is roughly 0.009 degrees of latitude
	test.That(t, got.Y.Lo, test.ShouldBeLessThan, 45-0.008)
	test.That(t, got.Y.Hi, test.ShouldBeGreaterThan, 45.4+0.008)
	// and the box must not explode either
	test.That(t, got.Y.Lo, test.ShouldBeGreaterThan, 44.5)
	test.That(t, got.X.Length(), test.ShouldBeLessThan, 1)
}

func TestPointsLonLatBoxAndContains(t *testing.T) {
	datum := geodesy.WGS84
	pts := []r3.Vector{
		datum.GeodeticToCartesian(10, 45, 100),
		datum.GeodeticToCartesian(10.2, 45.1, 200),
		datum.GeodeticToCartesian(9.9, 44.9, 50),
	}
	box := PointsLonLatBox(pts, datum)
	test.That(t, box.X.Lo, test.ShouldAlmostEqual, 9.9, 1e-8)
	test.That(t, box.X.Hi, test.ShouldAlmostEqual, 10.2, 1e-8)
	test.That(t, box.Y.Lo, test.ShouldAlmostEqual, 44.9, 1e-8)
	test.That(t, box.Y.Hi, test.ShouldAlmostEqual, 45.1, 1e-8)

	inside := datum.GeodeticToCartesian(10.05, 45.0, 0)
	outside := datum.GeodeticToCartesian(11.0, 45.0, 0)
	test.That(t, BoxContainsECEF(box, inside, datum), test.ShouldBeTrue)
	test.That(t, BoxContainsECEF(box, outside, datum), test.ShouldBeFalse)
}

func TestLASCRSDetection(t *testing.T) {
	// a GeoKeyDirectory VLR naming UTM zone 10N
	key := func(id, value uint16) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint16(b[0:], id)
		binary.LittleEndian.PutUint16(b[6:], value)
		return b
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:], 1)
	binary.LittleEndian.PutUint16(header[6:], 2)
	data := append(header, key(1024, 1)...)
	data = append(data, key(3072, 32610)...)

	crs := lasCRSFromGeoKeys(data, geodesy.WGS84)
	test.That(t, crs.projected, test.ShouldNotBeNil)
	test.That(t, crs.projected.Zone, test.ShouldEqual, 10)
	test.That(t, crs.projected.South, test.ShouldBeFalse)

	// stored coordinates survive the ECEF detour
	p := crs.toCartesian(551000, 4180000, 120, geodesy.WGS84)
	x, y, z := crs.fromCartesian(p, geodesy.WGS84)
	test.That(t, x, test.ShouldAlmostEqual, 551000, 1e-3)
	test.That(t, y, test.ShouldAlmostEqual, 4180000, 1e-3)
	test.That(t, z, test.ShouldAlmostEqual, 120, 1e-3)

	// geographic files carry lon/lat directly
	gdata := append(append([]byte{}, header...), key(1024, 2)...)
	gdata = append(gdata, key(2048, 4326)...)
	gcrs := lasCRSFromGeoKeys(gdata, geodesy.WGS84)
	test.That(t, gcrs.geographic, test.ShouldBeTrue)
	gp := gcrs.toCartesian(-122.41, 37.77, 52, geodesy.WGS84)
	glon, glat, gh := gcrs.fromCartesian(gp, geodesy.WGS84)
	test.That(t, glon, test.ShouldAlmostEqual, -122.41, 1e-8)
	test.That(t, glat, test.ShouldAlmostEqual, 37.77, 1e-8)
	test.That(t, gh, test.ShouldAlmostEqual, 52, 1e-3)
}
