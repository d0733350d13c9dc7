package align

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/demtools/stereodem/cloud"
	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/geodesy"
)

// Options configure a full cloud-to-cloud alignment run.
type Options struct {
	// MaxDisplacement is the largest plausible motion of the source, in
	// meters, measured after the initial transform. It prefilters both
	// clouds to their mutually reachable footprints and triggers a
	// warning when the fit moves points farther. Zero disables both.
	MaxDisplacement float64
	// InitialTransform pre-moves the source before fitting; nil means
	// identity. It is given in world ECEF coordinates.
	InitialTransform *mat.Dense
	RefMaxPoints     int
	SrcMaxPoints     int
	Datum            geodesy.Datum
	RefCSV           cloud.CSVFormat
	SrcCSV           cloud.CSVFormat
	ICP              ICPOptions
	Seed             int64
	Logger           golog.Logger
}

func (o *Options) fill() {
	if o.RefMaxPoints <= 0 {
		o.RefMaxPoints = 900000
	}
	if o.SrcMaxPoints <= 0 {
		o.SrcMaxPoints = 100000
	}
	if o.Datum.A == 0 {
		o.Datum = geodesy.WGS84
	}
	if o.Logger == nil {
		o.Logger = golog.NewLogger("align")
	}
	if o.ICP.Logger == nil {
		o.ICP.Logger = o.Logger
	}
}

// Result is a finished alignment.
type Result struct {
	// Transform maps source world ECEF points onto the reference.
	Transform *mat.Dense
	ICP       *ICPResult

	RefLoaded, SrcLoaded int
	RefTotal, SrcTotal   int

	// Translation of the source centroid under Transform, in ECEF and in
	// the local north-east-down frame at the centroid.
	TranslationECEF r3.Vector
	TranslationNED  r3.Vector
	// Centroid motion in geodetic terms: delta lon, delta lat (degrees)
	// and delta height (meters).
	DeltaLonLatHeight [3]float64

	// MaxObtainedDisplacement is the largest motion of any source sample
	// point beyond its initial-transform placement; ExceededBudget flags
	// it passing Options.MaxDisplacement.
	MaxObtainedDisplacement float64
	ExceededBudget          bool
}

// Align loads both clouds, fits the source onto the reference, and
// reports the world-frame transform with its displacement statistics.
//
// The displacement budget prefilters in both directions, always where
// the initial transform puts the source: the reference load keeps only
// terrain near the pre-moved source, and pre-moved source points too
// far from any loaded reference terrain are discarded before fitting.
func Align(refPath, srcPath string, opts Options) (*Result, error) {
	opts.fill()

	initial := opts.InitialTransform
	if initial == nil {
		initial = Identity()
	}

	// the source comes first, unshifted, so its footprint can be taken
	// where the initial transform puts it
	src, err := cloud.Load(srcPath, cloud.LoadOptions{
		MaxPoints: opts.SrcMaxPoints,
		Datum:     opts.Datum,
		CSV:       opts.SrcCSV,
		Seed:      opts.Seed,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	opts.Logger.Infof("loaded %d of about %d source points from %s (%s)",
		src.Len(), src.TotalPoints, srcPath, src.Format)

	srcMoved := make([]r3.Vector, src.Len())
	for j := range srcMoved {
		srcMoved[j] = Apply(initial, src.WorldPoint(j))
	}

	var shift r3.Vector
	refLoad := cloud.LoadOptions{
		MaxPoints: opts.RefMaxPoints,
		CalcShift: true,
		Shift:     &shift,
		Datum:     opts.Datum,
		CSV:       opts.RefCSV,
		Seed:      opts.Seed,
		Logger:    opts.Logger,
	}
	if opts.MaxDisplacement > 0 {
		// reference terrain the pre-moved source can never reach within
		// the budget is useless, so do not load it at all
		box := cloud.ExtendLonLatBox(cloud.PointsLonLatBox(srcMoved, opts.Datum), opts.Datum, opts.MaxDisplacement)
		refLoad.LonLatBox = &box
	}
	ref, err := cloud.Load(refPath, refLoad)
	if err != nil {
		return nil, err
	}
	opts.Logger.Infof("loaded %d of about %d reference points from %s (%s)",
		ref.Len(), ref.TotalPoints, refPath, ref.Format)

	keep := make([]int, 0, src.Len())
	if opts.MaxDisplacement > 0 {
		refBox := cloud.ExtendLonLatBox(ref.LonLatBox(opts.Datum), opts.Datum, opts.MaxDisplacement)
		for j, p := range srcMoved {
			if cloud.BoxContainsECEF(refBox, p, opts.Datum) {
				keep = append(keep, j)
			}
		}
		if len(keep) == 0 {
			return nil, errtag.Input("no source points lie within %.1f m of the reference; check the initial transform and the displacement budget", opts.MaxDisplacement)
		}
		if len(keep) < src.Len() {
			opts.Logger.Infof("kept %d of %d source points within the %.1f m displacement budget",
				len(keep), src.Len(), opts.MaxDisplacement)
		}
	} else {
		for j := range srcMoved {
			keep = append(keep, j)
		}
	}

	refPts := make([]r3.Vector, ref.Len())
	for j := range refPts {
		refPts[j] = ref.Point(j)
	}
	srcPts := make([]r3.Vector, len(keep))
	srcWorld := make([]r3.Vector, len(keep))
	srcPlaced := make([]r3.Vector, len(keep))
	for i, j := range keep {
		srcWorld[i] = src.WorldPoint(j)
		srcPlaced[i] = srcMoved[j]
		srcPts[i] = srcMoved[j].Sub(shift)
	}

	fit, err := RunICP(refPts, srcPts, opts.ICP)
	if err != nil {
		return nil, err
	}

	// fold the initial guess in and return to world coordinates
	transform := Compose(UnshiftT(fit.Transform, shift), initial)

	result := &Result{
		Transform: transform,
		ICP:       fit,
		RefLoaded: ref.Len(),
		SrcLoaded: len(keep),
		RefTotal:  ref.TotalPoints,
		SrcTotal:  src.TotalPoints,
	}
	result.summarize(srcWorld, srcPlaced, opts)
	return result, nil
}

// summarize fills the displacement and translation report fields. The
// translation stats describe the full transform from the world
// positions; the displacement budget is judged against where the
// initial transform had already placed the points.
func (r *Result) summarize(srcWorld, srcPlaced []r3.Vector, opts Options) {
	var centroid r3.Vector
	for i, p := range srcWorld {
		moved := Apply(r.Transform, p)
		if d := moved.Distance(srcPlaced[i]); d > r.MaxObtainedDisplacement {
			r.MaxObtainedDisplacement = d
		}
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(len(srcWorld)))
	if opts.MaxDisplacement > 0 && r.MaxObtainedDisplacement > opts.MaxDisplacement {
		r.ExceededBudget = true
		opts.Logger.Warnf("the fit moves points up to %.3f m, beyond the stated budget of %.3f m",
			r.MaxObtainedDisplacement, opts.MaxDisplacement)
	}

	moved := Apply(r.Transform, centroid)
	delta := moved.Sub(centroid)
	r.TranslationECEF = delta

	lon, lat, h := opts.Datum.CartesianToGeodetic(centroid)
	mlon, mlat, mh := opts.Datum.CartesianToGeodetic(moved)
	r.DeltaLonLatHeight = [3]float64{
		geodesy.RecenterLongitude(mlon, lon) - lon,
		mlat - lat,
		mh - h,
	}

	ned := geodesy.LonLatToNEDMatrix(lon, lat)
	r.TranslationNED = r3.Vector{
		X: ned.At(0, 0)*delta.X + ned.At(1, 0)*delta.Y + ned.At(2, 0)*delta.Z,
		Y: ned.At(0, 1)*delta.X + ned.At(1, 1)*delta.Y + ned.At(2, 1)*delta.Z,
		Z: ned.At(0, 2)*delta.X + ned.At(1, 2)*delta.Y + ned.At(2, 2)*delta.Z,
	}
}

// LogReport writes the human-readable summary the command line tools
// print at the end of a run.
func (r *Result) LogReport(logger golog.Logger) {
	logger.Infof("transform:\n%v", mat.Formatted(r.Transform, mat.Squeeze()))
	logger.Infof("translation (ECEF meters): %+.4f %+.4f %+.4f",
		r.TranslationECEF.X, r.TranslationECEF.Y, r.TranslationECEF.Z)
	logger.Infof("translation (north east down, meters): %+.4f %+.4f %+.4f",
		r.TranslationNED.X, r.TranslationNED.Y, r.TranslationNED.Z)
	logger.Infof("centroid motion (lon lat height): %+.9f deg %+.9f deg %+.4f m",
		r.DeltaLonLatHeight[0], r.DeltaLonLatHeight[1], r.DeltaLonLatHeight[2])
	logger.Infof("residual mean before/after: %.4f / %.4f m",
		r.ICP.ResidualMeanBefore, r.ICP.ResidualMeanAfter)
	logger.Infof("residual stddev before/after: %.4f / %.4f m",
		r.ICP.ResidualStdDevBefore, r.ICP.ResidualStdDevAfter)
	logger.Infof("largest point displacement: %.4f m", r.MaxObtainedDisplacement)
}
