package camera

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/demtools/stereodem/errtag"
)

const frameStateJSON = `{
	"m_currentParameterValue": [1000.0, 2000.0, 3000.0, 0.0, 0.0, 0.0, 1.0],
	"m_focalLength": 350.0,
	"m_pixelPitch": 0.007,
	"m_ccdCenter": [512.0, 512.0],
	"m_nLines": 1024,
	"m_nSamples": 1024,
	"m_majorAxis": 3396190.0,
	"m_minorAxis": 3376200.0
}`

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	test.That(t, os.WriteFile(path, []byte(contents), 0o644), test.ShouldBeNil)
	return path
}

func TestLoadCSMFromState(t *testing.T) {
	path := writeTemp(t, "frame.state", FrameSensorModelName+"\n"+frameStateJSON)
	cam, err := LoadCSM(path, PixelCenterOffset)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cam.Name, test.ShouldEqual, FrameSensorModelName)
	test.That(t, cam.SemiMajor, test.ShouldAlmostEqual, 3396190.0)
	test.That(t, cam.SemiMinor, test.ShouldAlmostEqual, 3376200.0)

	// pixel/ray/point closes through the convention shift
	pix := r2.Point{X: 100.25, Y: 630.5}
	ctr, err := cam.CenterAt(pix)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctr.X, test.ShouldAlmostEqual, 1000.0)
	dir, err := cam.DirectionAt(pix)
	test.That(t, err, test.ShouldBeNil)
	got, err := cam.Project(ctr.Add(dir.Mul(5000)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.X, test.ShouldAlmostEqual, pix.X, 1e-8)
	test.That(t, got.Y, test.ShouldAlmostEqual, pix.Y, 1e-8)
}

func TestPixelCenterOffsetMatters(t *testing.T) {
	path := writeTemp(t, "frame.state", FrameSensorModelName+"\n"+frameStateJSON)
	shifted, err := LoadCSM(path, PixelCenterOffset)
	test.That(t, err, test.ShouldBeNil)
	raw, err := LoadCSM(path, 0)
	test.That(t, err, test.ShouldBeNil)

	// the same toolkit pixel addresses CSM pixels half an element apart
	dirShifted, err := shifted.DirectionAt(r2.Point{X: 10, Y: 10})
	test.That(t, err, test.ShouldBeNil)
	dirRaw, err := raw.DirectionAt(r2.Point{X: 10.5, Y: 10.5})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dirShifted.Distance(dirRaw), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestLinescanSentinelAlias(t *testing.T) {
	test.That(t, IsSensorModelName(LinescanSensorModelAlias), test.ShouldBeTrue)

	// a model registered under the long name answers for the alias too
	called := false
	RegisterSensorModel(LinescanSensorModelName, func(state []byte) (Model, error) {
		called = true
		return NewPinhole(r3.Vector{}, RotationIdentity(), 1000, 8, 8), nil
	}, nil)
	factory, ok := lookupStateFactory(LinescanSensorModelAlias)
	test.That(t, ok, test.ShouldBeTrue)
	_, err := factory(nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, called, test.ShouldBeTrue)
}

func TestLoadCSMUnregisteredModel(t *testing.T) {
	path := writeTemp(t, "sar.state", SARSensorModelName+"\n{}")
	_, err := LoadCSM(path, PixelCenterOffset)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errtag.KindOf(err), test.ShouldEqual, errtag.KindInput)
}

func TestLoadCSMFromISD(t *testing.T) {
	isd := `{
		"name_model": "` + FrameSensorModelName + `",
		"radii": {"semimajor": 3396.19, "semiminor": 3376.2, "unit": "km"},
		"focal_length_model": {"focal_length": 350.0},
		"detector_center": {"line": 512.0, "sample": 512.0},
		"sensor_position": {"positions": [[4000000.0, 0.0, 0.0]]},
		"sensor_orientation": {"quaternions": [[0.0, 0.0, 0.0, 1.0]]},
		"pixel_pitch": 0.007
	}`
	path := writeTemp(t, "frame.json", isd)
	cam, err := LoadCSM(path, PixelCenterOffset)
	test.That(t, err, test.ShouldBeNil)
	// km radii convert to meters
	test.That(t, cam.SemiMajor, test.ShouldAlmostEqual, 3396190.0, 1e-6)
	test.That(t, cam.SemiMinor, test.ShouldAlmostEqual, 3376200.0, 1e-6)

	ctr, err := cam.CenterAt(r2.Point{X: 512, Y: 512})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctr.X, test.ShouldAlmostEqual, 4000000.0)
}

func TestLoadCSMBadInputs(t *testing.T) {
	// not JSON, not a state
	path := writeTemp(t, "junk.txt", "hello world this is not a camera")
	_, err := LoadCSM(path, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errtag.KindOf(err), test.ShouldEqual, errtag.KindFormat)

	// ISD with unknown unit
	bad := `{
		"name_model": "` + FrameSensorModelName + `",
		"radii": {"semimajor": 1.0, "semiminor": 1.0, "unit": "furlongs"},
		"focal_length_model": {"focal_length": 350.0},
		"sensor_position": {"positions": [[1.0, 2.0, 3.0]]},
		"sensor_orientation": {"quaternions": [[0.0, 0.0, 0.0, 1.0]]}
	}`
	path = writeTemp(t, "bad.json", bad)
	_, err = LoadCSM(path, 0)
	test.That(t, err, test.ShouldNotBeNil)

	// missing file
	_, err = LoadCSM(filepath.Join(t.TempDir(), "nope.json"), 0)
	test.That(t, errtag.KindOf(err), test.ShouldEqual, errtag.KindResource)
}
