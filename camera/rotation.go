package camera

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Rotation is a unit quaternion rotation of ECEF vectors.
type Rotation struct {
	q quat.Number
}

// NewRotation builds a rotation from quaternion components, normalizing.
func NewRotation(w, x, y, z float64) Rotation {
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	if n == 0 {
		return RotationIdentity()
	}
	return Rotation{quat.Number{Real: w / n, Imag: x / n, Jmag: y / n, Kmag: z / n}}
}

// RotationIdentity is the no-op rotation.
func RotationIdentity() Rotation {
	return Rotation{quat.Number{Real: 1}}
}

// NewRotationFromAxisAngle builds a rotation of angle radians about axis.
// A zero axis gives the identity.
func NewRotationFromAxisAngle(axis r3.Vector, angle float64) Rotation {
	n := axis.Norm()
	if n == 0 {
		return RotationIdentity()
	}
	s, c := math.Sincos(angle / 2)
	u := axis.Mul(s / n)
	return Rotation{quat.Number{Real: c, Imag: u.X, Jmag: u.Y, Kmag: u.Z}}
}

// Apply rotates v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	out := quat.Mul(quat.Mul(r.q, p), quat.Conj(r.q))
	return r3.Vector{X: out.Imag, Y: out.Jmag, Z: out.Kmag}
}

// Inverse returns the opposite rotation.
func (r Rotation) Inverse() Rotation {
	return Rotation{quat.Conj(r.q)}
}

// Compose returns the rotation applying other first, then r.
func (r Rotation) Compose(other Rotation) Rotation {
	return Rotation{quat.Mul(r.q, other.q)}
}

// Slerp interpolates between two rotations with spherical-linear
// interpolation, t in [0, 1].
func Slerp(a, b Rotation, t float64) Rotation {
	qa, qb := a.q, b.q
	dot := qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag
	if dot < 0 {
		qb = quat.Scale(-1, qb)
		dot = -dot
	}
	if dot > 1 {
		dot = 1
	}
	theta := math.Acos(dot)
	if theta < 1e-10 {
		// nearly parallel, linear blend is fine
		out := quat.Add(quat.Scale(1-t, qa), quat.Scale(t, qb))
		return normalizeQuat(out)
	}
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return normalizeQuat(quat.Add(quat.Scale(wa, qa), quat.Scale(wb, qb)))
}

func normalizeQuat(q quat.Number) Rotation {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return RotationIdentity()
	}
	return Rotation{quat.Scale(1/n, q)}
}
