package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Adjustment composes a base camera with an ECEF translation and a small
// rotation about the camera center, the parameterization mutated by bundle
// adjustment. The construction-time translation and rotation are captured
// so an uncertainty prior can penalize drift from the initial values.
type Adjustment struct {
	base Model

	// Translation shifts the camera center in ECEF meters.
	Translation r3.Vector
	// Rotation is an axis-angle vector (radians) applied to ray
	// directions about the camera center.
	Rotation r3.Vector

	origCtr r3.Vector
	origAdj [6]float64
}

// NewAdjustment wraps base with the given initial adjustment. The original
// center and parameters are recorded for the prior.
func NewAdjustment(base Model, translation, rotation r3.Vector) (*Adjustment, error) {
	ctr, err := base.CenterAt(r2.Point{})
	if err != nil {
		// time-varying models may reject pixel (0,0); fall back to origin
		ctr = r3.Vector{}
	}
	a := &Adjustment{base: base, Translation: translation, Rotation: rotation, origCtr: ctr}
	a.origAdj = a.params()
	return a, nil
}

func (a *Adjustment) params() [6]float64 {
	return [6]float64{
		a.Translation.X, a.Translation.Y, a.Translation.Z,
		a.Rotation.X, a.Rotation.Y, a.Rotation.Z,
	}
}

// OriginalCenter is the unadjusted camera center captured at construction.
func (a *Adjustment) OriginalCenter() r3.Vector { return a.origCtr }

// OriginalParams are the six adjustment parameters captured at
// construction, for the uncertainty prior.
func (a *Adjustment) OriginalParams() [6]float64 { return a.origAdj }

func (a *Adjustment) rotation() Rotation {
	return NewRotationFromAxisAngle(a.Rotation, a.Rotation.Norm())
}

// CenterAt returns the shifted sensor position.
func (a *Adjustment) CenterAt(pix r2.Point) (r3.Vector, error) {
	ctr, err := a.base.CenterAt(pix)
	if err != nil {
		return r3.Vector{}, err
	}
	return ctr.Add(a.Translation), nil
}

// DirectionAt returns the rotated ray.
func (a *Adjustment) DirectionAt(pix r2.Point) (r3.Vector, error) {
	dir, err := a.base.DirectionAt(pix)
	if err != nil {
		return r3.Vector{}, err
	}
	return a.rotation().Apply(dir).Normalize(), nil
}

// Project undoes the adjustment and defers to the base camera.
func (a *Adjustment) Project(p r3.Vector) (r2.Point, error) {
	ctr, err := a.base.CenterAt(r2.Point{})
	if err != nil {
		ctr = a.origCtr
	}
	adjCtr := ctr.Add(a.Translation)
	// rays rotate about the adjusted center
	q := a.rotation().Inverse().Apply(p.Sub(adjCtr)).Add(ctr)
	return a.base.Project(q)
}
