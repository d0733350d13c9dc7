package align

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

// sampleTransform is a rotation about an oblique axis plus a translation.
func sampleTransform(t *testing.T) *mat.Dense {
	t.Helper()
	r := rotationFromVector(r3.Vector{X: 0.1, Y: -0.2, Z: 0.05})
	out := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, r.At(i, j))
		}
	}
	out.Set(0, 3, 12.5)
	out.Set(1, 3, -3.25)
	out.Set(2, 3, 100)
	return out
}

func matricesAlmostEqual(t *testing.T, a, b *mat.Dense, tol float64) {
	t.Helper()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			test.That(t, a.At(i, j), test.ShouldAlmostEqual, b.At(i, j), tol)
		}
	}
}

func TestShiftTIsConjugation(t *testing.T) {
	tr := sampleTransform(t)
	shift := r3.Vector{X: 6378137, Y: -1234.5, Z: 9e5}

	// acting on rebased coordinates must agree with rebasing afterwards
	p := r3.Vector{X: 100, Y: 200, Z: -50}
	world := p.Add(shift)
	got := Apply(ShiftT(tr, shift), p)
	want := Apply(tr, world).Sub(shift)
	test.That(t, got.Distance(want), test.ShouldAlmostEqual, 0, 1e-6)

	back := UnshiftT(ShiftT(tr, shift), shift)
	matricesAlmostEqual(t, back, tr, 1e-7)
}

func TestInverseRecoversPoints(t *testing.T) {
	tr := sampleTransform(t)
	inv, err := Inverse(tr)
	test.That(t, err, test.ShouldBeNil)

	p := r3.Vector{X: -7, Y: 3.5, Z: 19}
	round := Apply(inv, Apply(tr, p))
	test.That(t, round.Distance(p), test.ShouldAlmostEqual, 0, 1e-9)

	matricesAlmostEqual(t, Compose(tr, inv), Identity(), 1e-12)
}

func TestTransformFileRoundTrip(t *testing.T) {
	tr := sampleTransform(t)
	path := filepath.Join(t.TempDir(), "transform.txt")
	test.That(t, WriteTransformFile(path, tr), test.ShouldBeNil)
	got, err := ReadTransformFile(path)
	test.That(t, err, test.ShouldBeNil)
	matricesAlmostEqual(t, got, tr, 0) // %.17g survives the round trip exactly

	_, err = ReadTransformFile(filepath.Join(t.TempDir(), "missing.txt"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRotationFromVector(t *testing.T) {
	// a quarter turn about z sends x to y
	r := rotationFromVector(r3.Vector{Z: math.Pi / 2})
	test.That(t, r.At(0, 0), test.ShouldAlmostEqual, 0, 1e-15)
	test.That(t, r.At(1, 0), test.ShouldAlmostEqual, 1, 1e-15)
	test.That(t, r.At(2, 2), test.ShouldAlmostEqual, 1, 1e-15)

	// the zero vector is the identity
	id := rotationFromVector(r3.Vector{})
	test.That(t, id.At(0, 0), test.ShouldEqual, 1.0)
	test.That(t, id.At(0, 1), test.ShouldEqual, 0.0)
}
