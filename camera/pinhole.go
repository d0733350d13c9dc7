package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Pinhole is a frame camera: one center, one pose, central projection.
type Pinhole struct {
	// Center is the sensor position in ECEF meters.
	Center r3.Vector `json:"center"`
	// Pose rotates camera-frame vectors (x right, y down, z forward)
	// into ECEF.
	Pose Rotation `json:"pose"`
	// Fx, Fy are focal lengths in pixels; Cx, Cy the principal point.
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}

// NewPinhole builds a frame camera with square pixels.
func NewPinhole(center r3.Vector, pose Rotation, focalPx, cx, cy float64) *Pinhole {
	return &Pinhole{Center: center, Pose: pose, Fx: focalPx, Fy: focalPx, Cx: cx, Cy: cy}
}

// CenterAt returns the (pixel independent) sensor position.
func (c *Pinhole) CenterAt(r2.Point) (r3.Vector, error) {
	return c.Center, nil
}

// DirectionAt returns the unit ray through the pixel.
func (c *Pinhole) DirectionAt(pix r2.Point) (r3.Vector, error) {
	dirCam := r3.Vector{
		X: (pix.X - c.Cx) / c.Fx,
		Y: (pix.Y - c.Cy) / c.Fy,
		Z: 1,
	}
	return c.Pose.Apply(dirCam).Normalize(), nil
}

// Project maps an ECEF point to a pixel. Closed form; fails only for
// points at or behind the pinhole plane.
func (c *Pinhole) Project(p r3.Vector) (r2.Point, error) {
	pc := c.Pose.Inverse().Apply(p.Sub(c.Center))
	if pc.Z <= 0 {
		return r2.Point{}, errBehindCamera(p)
	}
	return r2.Point{
		X: c.Fx*pc.X/pc.Z + c.Cx,
		Y: c.Fy*pc.Y/pc.Z + c.Cy,
	}, nil
}
