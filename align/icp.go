package align

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"

	"github.com/demtools/stereodem/errtag"
)

// Method selects the ICP error metric.
type Method int

// Supported metrics.
const (
	// PointToPoint minimizes distances between matched points.
	PointToPoint Method = iota
	// PointToPlane minimizes distances to the local tangent plane of the
	// matched reference point. Converges faster on smooth terrain.
	PointToPlane
)

// ICPOptions tune the iteration.
type ICPOptions struct {
	Method  Method
	MaxIter int
	// RelTol stops the iteration when the mean residual improves by less
	// than this fraction between passes.
	RelTol float64
	// OutlierFactor scales the Tukey fence used to discard bad
	// correspondences; 1 keeps the classic Q3 + 1.5*IQR.
	OutlierFactor float64
	// NormalNeighbors is the neighborhood size for plane fitting.
	NormalNeighbors int
	Logger          golog.Logger
}

func (o *ICPOptions) fill() {
	if o.MaxIter <= 0 {
		o.MaxIter = 100
	}
	if o.RelTol <= 0 {
		o.RelTol = 1e-4
	}
	if o.OutlierFactor <= 0 {
		o.OutlierFactor = 1
	}
	if o.NormalNeighbors <= 0 {
		o.NormalNeighbors = 10
	}
	if o.Logger == nil {
		o.Logger = golog.NewLogger("icp")
	}
}

// ICPResult reports the fit.
type ICPResult struct {
	// Transform maps source points onto the reference, in the same frame
	// the inputs were given in.
	Transform  *mat.Dense
	Iterations int
	// Residual statistics are nearest-neighbor distances of the source
	// against the reference.
	ResidualMeanBefore   float64
	ResidualStdDevBefore float64
	ResidualMeanAfter    float64
	ResidualStdDevAfter  float64
}

// point3 is a kd-tree entry carrying its index in the reference slice.
type point3 struct {
	x, y, z float64
	idx     int
}

func (p point3) Dims() int { return 3 }

func (p point3) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(point3)
	switch d {
	case 0:
		return p.x - q.x
	case 1:
		return p.y - q.y
	default:
		return p.z - q.z
	}
}

func (p point3) Distance(c kdtree.Comparable) float64 {
	q := c.(point3)
	dx, dy, dz := p.x-q.x, p.y-q.y, p.z-q.z
	return dx*dx + dy*dy + dz*dz
}

type points3 []point3

func (p points3) Index(i int) kdtree.Comparable         { return p[i] }
func (p points3) Len() int                              { return len(p) }
func (p points3) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p points3) Pivot(d kdtree.Dim) int {
	return plane3{points3: p, Dim: d}.Pivot()
}

type plane3 struct {
	kdtree.Dim
	points3
}

func (p plane3) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.points3[i].x < p.points3[j].x
	case 1:
		return p.points3[i].y < p.points3[j].y
	default:
		return p.points3[i].z < p.points3[j].z
	}
}

func (p plane3) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane3) Slice(start, end int) kdtree.SortSlicer {
	p.points3 = p.points3[start:end]
	return p
}
func (p plane3) Swap(i, j int) {
	p.points3[i], p.points3[j] = p.points3[j], p.points3[i]
}

func newRefTree(ref []r3.Vector) *kdtree.Tree {
	pts := make(points3, len(ref))
	for i, p := range ref {
		pts[i] = point3{x: p.X, y: p.Y, z: p.Z, idx: i}
	}
	return kdtree.New(pts, false)
}

// nearestRef finds the closest reference point, returning its index and
// Euclidean distance.
func nearestRef(tree *kdtree.Tree, p r3.Vector) (int, float64) {
	got, dist := tree.Nearest(point3{x: p.X, y: p.Y, z: p.Z, idx: -1})
	return got.(point3).idx, math.Sqrt(dist)
}

// RunICP iterates nearest-neighbor correspondences with a Tukey outlier
// fence and a rigid refit until the mean residual stalls.
func RunICP(ref, src []r3.Vector, opts ICPOptions) (*ICPResult, error) {
	opts.fill()
	if len(ref) < 3 || len(src) < 3 {
		return nil, errtag.Input("icp needs at least 3 points in each cloud, got %d and %d", len(ref), len(src))
	}
	tree := newRefTree(ref)

	var normals []r3.Vector
	if opts.Method == PointToPlane {
		normals = referenceNormals(tree, ref, opts.NormalNeighbors)
	}

	result := &ICPResult{Transform: Identity()}
	moved := append([]r3.Vector(nil), src...)
	result.ResidualMeanBefore, result.ResidualStdDevBefore = residualStats(tree, moved)

	prevMean := math.Inf(1)
	for iter := 0; iter < opts.MaxIter; iter++ {
		result.Iterations = iter + 1

		matches := make([]int, len(moved))
		dists := make([]float64, len(moved))
		for i, p := range moved {
			matches[i], dists[i] = nearestRef(tree, p)
		}
		cutoff := opts.OutlierFactor * TukeyCutoff(dists)

		var fitSrc, fitDst []r3.Vector
		var fitNormals []r3.Vector
		for i, d := range dists {
			if d > cutoff {
				continue
			}
			fitSrc = append(fitSrc, moved[i])
			fitDst = append(fitDst, ref[matches[i]])
			if normals != nil {
				fitNormals = append(fitNormals, normals[matches[i]])
			}
		}

		var step *mat.Dense
		var err error
		if opts.Method == PointToPlane {
			step, err = solvePointToPlane(fitSrc, fitDst, fitNormals)
		} else {
			step, err = ComputeRigidTransform(fitSrc, fitDst)
		}
		if err != nil {
			return nil, err
		}

		for i := range moved {
			moved[i] = Apply(step, moved[i])
		}
		result.Transform = Compose(step, result.Transform)

		// measure convergence against the correspondences of the moved
		// points, not the stale matches the step was fit from
		mean := 0.0
		for _, p := range moved {
			_, d := nearestRef(tree, p)
			mean += d
		}
		mean /= float64(len(moved))
		opts.Logger.Debugf("icp iteration %d: mean residual %.6g", iter+1, mean)
		if math.Abs(prevMean-mean) <= opts.RelTol*math.Max(mean, 1e-12) {
			break
		}
		prevMean = mean
	}

	result.ResidualMeanAfter, result.ResidualStdDevAfter = residualStats(tree, moved)
	return result, nil
}

// residualStats are the mean and standard deviation of nearest-neighbor
// distances from pts to the reference.
func residualStats(tree *kdtree.Tree, pts []r3.Vector) (mean, stddev float64) {
	dists := make([]float64, len(pts))
	for i, p := range pts {
		_, dists[i] = nearestRef(tree, p)
	}
	mean, std := stat.MeanStdDev(dists, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}

// referenceNormals fits a tangent plane through each point's k nearest
// neighbors and keeps its unit normal, the smallest eigenvector of the
// local covariance.
func referenceNormals(tree *kdtree.Tree, ref []r3.Vector, k int) []r3.Vector {
	if k > len(ref) {
		k = len(ref)
	}
	normals := make([]r3.Vector, len(ref))
	for i, p := range ref {
		keeper := kdtree.NewNKeeper(k)
		tree.NearestSet(keeper, point3{x: p.X, y: p.Y, z: p.Z, idx: -1})

		var nb []r3.Vector
		for _, cd := range keeper.Heap {
			if cd.Comparable == nil {
				continue
			}
			q := cd.Comparable.(point3)
			nb = append(nb, r3.Vector{X: q.x, Y: q.y, Z: q.z})
		}
		normals[i] = planeNormal(nb, p)
	}
	return normals
}

// planeNormal is the smallest-eigenvector direction of the neighborhood
// covariance; it degrades to the radial direction for degenerate sets.
func planeNormal(nb []r3.Vector, fallbackAt r3.Vector) r3.Vector {
	if len(nb) < 3 {
		return fallbackNormal(fallbackAt)
	}
	c := centroid(nb)
	var cov [6]float64 // xx, xy, xz, yy, yz, zz
	for _, p := range nb {
		d := p.Sub(c)
		cov[0] += d.X * d.X
		cov[1] += d.X * d.Y
		cov[2] += d.X * d.Z
		cov[3] += d.Y * d.Y
		cov[4] += d.Y * d.Z
		cov[5] += d.Z * d.Z
	}
	sym := mat.NewSymDense(3, []float64{
		cov[0], cov[1], cov[2],
		cov[1], cov[3], cov[4],
		cov[2], cov[4], cov[5],
	})
	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return fallbackNormal(fallbackAt)
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	// eigenvalues come out ascending, so column 0 is the normal
	n := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if n.Norm() == 0 {
		return fallbackNormal(fallbackAt)
	}
	return n.Normalize()
}

func fallbackNormal(at r3.Vector) r3.Vector {
	if at.Norm() == 0 {
		return r3.Vector{Z: 1}
	}
	return at.Normalize()
}

// solvePointToPlane linearizes one point-to-plane step: minimize
// sum(((R*p + t - q) . n)^2) over a small rotation vector and
// translation, then promote the rotation vector to a proper rotation.
func solvePointToPlane(src, dst, normals []r3.Vector) (*mat.Dense, error) {
	if len(src) < 6 {
		return nil, errtag.Input("point-to-plane fit needs at least 6 correspondences, got %d", len(src))
	}
	a := mat.NewDense(len(src), 6, nil)
	b := mat.NewVecDense(len(src), nil)
	for i := range src {
		p, q, n := src[i], dst[i], normals[i]
		cxn := p.Cross(n)
		a.Set(i, 0, cxn.X)
		a.Set(i, 1, cxn.Y)
		a.Set(i, 2, cxn.Z)
		a.Set(i, 3, n.X)
		a.Set(i, 4, n.Y)
		a.Set(i, 5, n.Z)
		b.SetVec(i, n.Dot(q.Sub(p)))
	}
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return nil, errtag.Tag(errtag.KindNumeric, err)
	}

	axis := r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	trans := r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}
	r := rotationFromVector(axis)

	out := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, r.At(i, j))
		}
	}
	out.Set(0, 3, trans.X)
	out.Set(1, 3, trans.Y)
	out.Set(2, 3, trans.Z)
	return out, nil
}

// rotationFromVector is Rodrigues' formula for an axis-angle vector.
func rotationFromVector(w r3.Vector) *mat.Dense {
	theta := w.Norm()
	r := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	if theta < 1e-15 {
		return r
	}
	k := w.Mul(1 / theta)
	kx := mat.NewDense(3, 3, []float64{
		0, -k.Z, k.Y,
		k.Z, 0, -k.X,
		-k.Y, k.X, 0,
	})
	s, c := math.Sin(theta), math.Cos(theta)
	var kx2 mat.Dense
	kx2.Mul(kx, kx)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.Set(i, j, r.At(i, j)+s*kx.At(i, j)+(1-c)*kx2.At(i, j))
		}
	}
	return r
}
