package camera

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/demtools/stereodem/errtag"
)

// PixelCenterOffset is the shift applied at the CSM boundary: CSM sensors
// use (sample, line) with (0.5, 0.5) at the center of the top-left pixel,
// while the rest of the toolkit puts (0, 0) there. The offset is applied
// everywhere or nowhere; it is configurable because some rectified-image
// consumers expect the unshifted convention.
const PixelCenterOffset = 0.5

// CSM wraps a sensor model that evaluates in the CSM pixel convention,
// translating pixels at the boundary.
type CSM struct {
	Name   string
	Offset float64

	// SemiMajor/SemiMinor are the ellipsoid radii read from the ISD or
	// state, in meters.
	SemiMajor, SemiMinor float64

	inner Model
}

// CenterAt translates the pixel into CSM convention and defers.
func (c *CSM) CenterAt(pix r2.Point) (r3.Vector, error) {
	return c.inner.CenterAt(r2.Point{X: pix.X + c.Offset, Y: pix.Y + c.Offset})
}

// DirectionAt translates the pixel into CSM convention and defers.
func (c *CSM) DirectionAt(pix r2.Point) (r3.Vector, error) {
	return c.inner.DirectionAt(r2.Point{X: pix.X + c.Offset, Y: pix.Y + c.Offset})
}

// Project defers and translates the result back out of CSM convention.
func (c *CSM) Project(p r3.Vector) (r2.Point, error) {
	pix, err := c.inner.Project(p)
	if err != nil {
		return r2.Point{}, err
	}
	return r2.Point{X: pix.X - c.Offset, Y: pix.Y - c.Offset}, nil
}

// LoadCSM reads either a model state file (first token is a known sensor
// model name) or an ISD description, and builds the wrapped model through
// the registry.
func LoadCSM(path string, offset float64) (*CSM, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errtag.Tag(errtag.KindResource, errors.Wrapf(err, "camera: cannot open %s", path))
	}

	token := firstToken(buf)
	if IsSensorModelName(token) {
		return loadFromState(path, token, bytes.TrimSpace(buf[bytes.Index(buf, []byte(token))+len(token):]), offset)
	}
	return loadFromISD(path, buf, offset)
}

func firstToken(buf []byte) string {
	fields := strings.Fields(string(buf[:min(len(buf), 256)]))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func loadFromState(path, name string, state []byte, offset float64) (*CSM, error) {
	factory, ok := lookupStateFactory(name)
	if !ok {
		return nil, errtag.Input(
			"camera: %s: sensor model %q is not registered; the plugin may be required (see %s)",
			path, name, PluginPathEnv)
	}
	inner, err := factory(state)
	if err != nil {
		return nil, errors.Wrapf(err, "camera: %s", path)
	}
	c := &CSM{Name: name, Offset: offset, inner: inner}
	c.SemiMajor, c.SemiMinor = radiiFromState(state)
	return c, nil
}

func radiiFromState(state []byte) (major, minor float64) {
	var s struct {
		MajorAxis float64 `json:"m_majorAxis"`
		MinorAxis float64 `json:"m_minorAxis"`
	}
	if json.Unmarshal(state, &s) == nil {
		return s.MajorAxis, s.MinorAxis
	}
	return 0, 0
}

// isdRadii is the ellipsoid block of an ISD, radii possibly in km.
type isdRadii struct {
	SemiMajor float64 `json:"semimajor"`
	SemiMinor float64 `json:"semiminor"`
	Unit      string  `json:"unit"`
}

func (r isdRadii) meters() (float64, float64, error) {
	switch strings.ToLower(r.Unit) {
	case "km":
		return r.SemiMajor * 1000, r.SemiMinor * 1000, nil
	case "m", "":
		return r.SemiMajor, r.SemiMinor, nil
	default:
		return 0, 0, errtag.Format("unknown ellipsoid radii unit %q", r.Unit)
	}
}

func loadFromISD(path string, buf []byte, offset float64) (*CSM, error) {
	var isd struct {
		NameModel string   `json:"name_model"`
		Radii     isdRadii `json:"radii"`
	}
	if err := json.Unmarshal(buf, &isd); err != nil {
		return nil, errtag.Format("camera: %s is neither a model state nor valid ISD JSON: %v", path, err)
	}
	if isd.NameModel == "" {
		return nil, errtag.Format("camera: ISD %s is missing name_model", path)
	}
	factory, ok := lookupISDFactory(isd.NameModel)
	if !ok {
		return nil, errtag.Input("camera: %s: no registered sensor model can handle ISD %q", path, isd.NameModel)
	}
	inner, err := factory(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "camera: %s", path)
	}

	major, minor, err := isd.Radii.meters()
	if err != nil {
		return nil, errors.Wrapf(err, "camera: %s", path)
	}
	if major <= 0 || minor <= 0 {
		return nil, errtag.Format("camera: %s: ISD ellipsoid radii must be positive, got %f %f", path, major, minor)
	}
	return &CSM{Name: isd.NameModel, Offset: offset, SemiMajor: major, SemiMinor: minor, inner: inner}, nil
}
