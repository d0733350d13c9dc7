// Package align estimates the rigid transform taking one point cloud
// onto another: robust nearest-neighbor ICP over ECEF samples, with
// transforms exchanged on disk as plain 4x4 matrices.
package align

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/demtools/stereodem/errtag"
)

// Identity returns a 4x4 identity transform.
func Identity() *mat.Dense {
	t := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		t.Set(i, i, 1)
	}
	return t
}

// Translation returns a pure translation transform.
func Translation(d r3.Vector) *mat.Dense {
	t := Identity()
	t.Set(0, 3, d.X)
	t.Set(1, 3, d.Y)
	t.Set(2, 3, d.Z)
	return t
}

// Apply moves a point by a homogeneous transform.
func Apply(t *mat.Dense, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t.At(0, 0)*p.X + t.At(0, 1)*p.Y + t.At(0, 2)*p.Z + t.At(0, 3),
		Y: t.At(1, 0)*p.X + t.At(1, 1)*p.Y + t.At(1, 2)*p.Z + t.At(1, 3),
		Z: t.At(2, 0)*p.X + t.At(2, 1)*p.Y + t.At(2, 2)*p.Z + t.At(2, 3),
	}
}

// Compose returns a*b, the transform applying b first.
func Compose(a, b *mat.Dense) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	out.Mul(a, b)
	return out
}

// Inverse inverts a homogeneous transform.
func Inverse(t *mat.Dense) (*mat.Dense, error) {
	out := mat.NewDense(4, 4, nil)
	if err := out.Inverse(t); err != nil {
		return nil, errtag.Tag(errtag.KindNumeric, errors.Wrap(err, "transform is singular"))
	}
	return out, nil
}

// ShiftT rebases a transform acting on world coordinates so that it acts
// on coordinates rebased by shift: same rotation, translation becomes
// R*shift + t - shift.
func ShiftT(t *mat.Dense, shift r3.Vector) *mat.Dense {
	out := mat.DenseCopyOf(t)
	rs := rotatePart(t, shift)
	out.Set(0, 3, rs.X+t.At(0, 3)-shift.X)
	out.Set(1, 3, rs.Y+t.At(1, 3)-shift.Y)
	out.Set(2, 3, rs.Z+t.At(2, 3)-shift.Z)
	return out
}

// UnshiftT is the inverse rebasing: it takes a transform acting on
// shifted coordinates back to world coordinates.
func UnshiftT(t *mat.Dense, shift r3.Vector) *mat.Dense {
	return ShiftT(t, r3.Vector{X: -shift.X, Y: -shift.Y, Z: -shift.Z})
}

// rotatePart applies only the linear part of t.
func rotatePart(t *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: t.At(0, 0)*v.X + t.At(0, 1)*v.Y + t.At(0, 2)*v.Z,
		Y: t.At(1, 0)*v.X + t.At(1, 1)*v.Y + t.At(1, 2)*v.Z,
		Z: t.At(2, 0)*v.X + t.At(2, 1)*v.Y + t.At(2, 2)*v.Z,
	}
}

// ReadTransformFile parses a 4x4 transform stored as sixteen
// whitespace-separated numbers in row-major order.
func ReadTransformFile(path string) (*mat.Dense, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errtag.Tag(errtag.KindResource, errors.Wrapf(err, "cannot read transform %s", path))
	}
	fields := strings.Fields(string(buf))
	if len(fields) != 16 {
		return nil, errtag.Format("%s: expected 16 numbers in a transform file, found %d", path, len(fields))
	}
	t := mat.NewDense(4, 4, nil)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, errtag.Format("%s: bad transform entry %q", path, f)
		}
		t.Set(i/4, i%4, v)
	}
	return t, nil
}

// WriteTransformFile stores a transform as four rows of four numbers.
func WriteTransformFile(path string, t *mat.Dense) error {
	var b strings.Builder
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%.17g", t.At(i, j))
		}
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errtag.Tag(errtag.KindResource, errors.Wrapf(err, "cannot write transform %s", path))
	}
	return nil
}
