// Package camera provides a uniform pixel/ray/point interface over the
// sensor families the toolkit understands: pinhole, linescan, and
// CSM-state-backed models loaded through the plugin registry.
package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/demtools/stereodem/errtag"
)

// Model is the capability set shared by all sensor families. Pixel (0, 0)
// is the center of the top-left image element; CSM models convert at the
// boundary (see PixelCenterOffset).
type Model interface {
	// CenterAt returns the sensor position in ECEF at the capture time of
	// the pixel. Time-varying models fail with a geometry error when the
	// pixel is outside their validity window.
	CenterAt(pix r2.Point) (r3.Vector, error)

	// DirectionAt returns the unit outgoing ray in ECEF, oriented from
	// sensor toward ground.
	DirectionAt(pix r2.Point) (r3.Vector, error)

	// Project maps an ECEF point back to a pixel, failing with a numeric
	// error when the iteration cannot converge.
	Project(p r3.Vector) (r2.Point, error)
}

// ProjectOptions bound iterative back-projection.
type ProjectOptions struct {
	// DesiredPrecision is the achieved-pixel tolerance.
	DesiredPrecision float64 `json:"desired_precision"`
	// MaxIter caps the refinement loop.
	MaxIter int `json:"max_iter"`
}

// DefaultProjectOptions mirror the toolkit-wide defaults.
func DefaultProjectOptions() ProjectOptions {
	return ProjectOptions{DesiredPrecision: 1e-8, MaxIter: 100}
}

func (o *ProjectOptions) fill() {
	if o.DesiredPrecision <= 0 {
		o.DesiredPrecision = 1e-8
	}
	if o.MaxIter <= 0 {
		o.MaxIter = 100
	}
}

// errBehindCamera is the common projection failure for points with
// non-positive depth.
func errBehindCamera(p r3.Vector) error {
	return errtag.Geometry("camera: point (%.1f, %.1f, %.1f) is behind the camera", p.X, p.Y, p.Z)
}
