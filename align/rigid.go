package align

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"github.com/demtools/stereodem/errtag"
)

// ComputeRigidTransform solves the least-squares rotation and translation
// taking src onto dst (Kabsch). The slices must pair up and hold at least
// three points.
func ComputeRigidTransform(src, dst []r3.Vector) (*mat.Dense, error) {
	if len(src) != len(dst) || len(src) < 3 {
		return nil, errtag.Input("rigid fit needs at least 3 paired points, got %d and %d", len(src), len(dst))
	}
	cs, cd := centroid(src), centroid(dst)

	h := mat.NewDense(3, 3, nil)
	for k := range src {
		p := src[k].Sub(cs)
		q := dst[k].Sub(cd)
		pv := [3]float64{p.X, p.Y, p.Z}
		qv := [3]float64{q.X, q.Y, q.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				h.Set(i, j, h.At(i, j)+pv[i]*qv[j])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return nil, errtag.Numeric("rigid fit: SVD of the cross-covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	// reflections are not rigid motions
	if mat.Det(&r) < 0 {
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var vd mat.Dense
		vd.Mul(&v, d)
		r.Mul(&vd, u.T())
	}

	rc := matVec(&r, cs)
	out := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, r.At(i, j))
		}
	}
	out.Set(0, 3, cd.X-rc.X)
	out.Set(1, 3, cd.Y-rc.Y)
	out.Set(2, 3, cd.Z-rc.Z)
	return out, nil
}

func centroid(pts []r3.Vector) r3.Vector {
	var c r3.Vector
	for _, p := range pts {
		c = c.Add(p)
	}
	return c.Mul(1 / float64(len(pts)))
}

func matVec(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// TukeyCutoff is the classic upper outlier fence, Q3 + 1.5*IQR.
func TukeyCutoff(dists []float64) float64 {
	q, err := stats.Quartile(dists)
	if err != nil {
		return math.Inf(1)
	}
	return q.Q3 + 1.5*(q.Q3-q.Q1)
}

// RansacRigidTransform fits a rigid transform from src to dst by sampling
// random point triples and keeping the largest consensus set, then refits
// on the inliers. Useful when gross outliers would poison a direct
// least-squares fit.
func RansacRigidTransform(src, dst []r3.Vector, iterations int, inlierTol float64, seed int64) (*mat.Dense, error) {
	if len(src) != len(dst) || len(src) < 3 {
		return nil, errtag.Input("ransac fit needs at least 3 paired points, got %d and %d", len(src), len(dst))
	}
	if iterations <= 0 {
		iterations = 100
	}
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec

	best := -1
	var bestInliers []int
	for it := 0; it < iterations; it++ {
		i, j, k := rng.Intn(len(src)), rng.Intn(len(src)), rng.Intn(len(src))
		if i == j || j == k || i == k {
			continue
		}
		t, err := ComputeRigidTransform(
			[]r3.Vector{src[i], src[j], src[k]},
			[]r3.Vector{dst[i], dst[j], dst[k]},
		)
		if err != nil {
			continue
		}
		var inliers []int
		for n := range src {
			if Apply(t, src[n]).Distance(dst[n]) <= inlierTol {
				inliers = append(inliers, n)
			}
		}
		if len(inliers) > best {
			best = len(inliers)
			bestInliers = inliers
		}
	}
	if best < 3 {
		return nil, errtag.Numeric("ransac fit found no consensus set of 3 or more points")
	}

	fitSrc := make([]r3.Vector, 0, best)
	fitDst := make([]r3.Vector, 0, best)
	for _, n := range bestInliers {
		fitSrc = append(fitSrc, src[n])
		fitDst = append(fitDst, dst[n])
	}
	return ComputeRigidTransform(fitSrc, fitDst)
}
