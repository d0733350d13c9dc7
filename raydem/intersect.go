// Package raydem intersects 3D rays with a masked, interpolated DEM
// surface. The solver is deterministic for a given seed and never returns
// an error: rays that miss the surface, graze no-data holes, or fail to
// converge all report no intersection.
package raydem

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/demtools/stereodem/raster"
)

// Options bound the intersection iteration.
type Options struct {
	// HeightErrorTol stops the iteration when the ray point is within
	// this many meters of the surface. Callers derive it from the DEM
	// uncertainty as max(demError/4, 1).
	HeightErrorTol float64 `json:"height_error_tol"`
	// MaxAbsTol stops on absolute residual change below this.
	MaxAbsTol float64 `json:"max_abs_tol"`
	// MaxRelTol stops on relative residual change below this. The default
	// 1e-14 is tighter than double precision reliably achieves on
	// planet-scale coordinates; treat it as a best-effort floor.
	MaxRelTol float64 `json:"max_rel_tol"`
	// MaxIter caps the iteration and acts as the per-call deadline.
	MaxIter int `json:"max_iter"`
	// TreatNoDataAsZero samples holes as zero elevation instead of
	// declaring no intersection.
	TreatNoDataAsZero bool `json:"treat_nodata_as_zero"`
}

// DefaultOptions derives solver tolerances from the DEM error budget.
func DefaultOptions(demError float64) Options {
	heightTol := math.Max(demError/4, 1.0)
	return Options{
		HeightErrorTol: heightTol,
		MaxAbsTol:      heightTol / 4,
		MaxRelTol:      1e-14,
		MaxIter:        50,
	}
}

func (o *Options) fill() {
	if o.HeightErrorTol <= 0 {
		o.HeightErrorTol = 1
	}
	if o.MaxAbsTol <= 0 {
		o.MaxAbsTol = o.HeightErrorTol / 4
	}
	if o.MaxRelTol <= 0 {
		o.MaxRelTol = 1e-14
	}
	if o.MaxIter <= 0 {
		o.MaxIter = 50
	}
}

// surfaceResidual is the signed height of the ray point above the DEM
// surface under it, or invalid when the DEM has no usable sample there.
func surfaceResidual(p r3.Vector, dem *raster.DEM, opts Options) (float64, bool) {
	g := dem.GeoReference()
	lon, lat, h := g.Datum.CartesianToGeodetic(p)
	demH, ok := dem.InterpolateAtLonLat(lon, lat)
	if !ok {
		if !opts.TreatNoDataAsZero {
			return 0, false
		}
		demH = 0
	}
	return h - demH, true
}

// Intersect finds the point where the ray origin + t*dir meets the DEM
// surface. prevXYZ, when non-nil, seeds the search from a nearby known
// intersection; otherwise heightGuess (typically the DEM's median valid
// height) seeds it. The boolean result reports whether an intersection was
// found.
func Intersect(origin, dir r3.Vector, dem *raster.DEM, opts Options, heightGuess float64, prevXYZ *r3.Vector) (r3.Vector, bool) {
	opts.fill()
	g := dem.GeoReference()

	// Initial parameter: distance along the ray to the seed height shell.
	// For a previous intersection, project it onto the ray.
	var t0 float64
	if prevXYZ != nil {
		t0 = prevXYZ.Sub(origin).Dot(dir)
	} else {
		// walk from the origin toward the datum until the seed height
		// shell is crossed
		_, _, originH := g.Datum.CartesianToGeodetic(origin)
		t0 = originH - heightGuess
	}
	if t0 <= 0 {
		t0 = 1
	}

	p0 := origin.Add(dir.Mul(t0))
	f0, ok := surfaceResidual(p0, dem, opts)
	if !ok {
		return r3.Vector{}, false
	}

	// Secant companion point one height-scale step down-ray.
	step := math.Max(math.Abs(f0), opts.HeightErrorTol)
	t1 := t0 + math.Copysign(step, f0)
	f1 := f0
	if t1 != t0 {
		p1 := origin.Add(dir.Mul(t1))
		var ok1 bool
		if f1, ok1 = surfaceResidual(p1, dem, opts); !ok1 {
			return r3.Vector{}, false
		}
	}

	for iter := 0; iter < opts.MaxIter; iter++ {
		if math.Abs(f1) < opts.HeightErrorTol {
			return origin.Add(dir.Mul(t1)), true
		}
		df := f1 - f0
		if math.Abs(df) < opts.MaxAbsTol ||
			math.Abs(df) < opts.MaxRelTol*math.Max(math.Abs(f0), math.Abs(f1)) {
			// residual has stalled; accept only if already close
			return r3.Vector{}, false
		}
		tNext := t1 - f1*(t1-t0)/df
		if tNext <= 0 || math.IsNaN(tNext) || math.IsInf(tNext, 0) {
			return r3.Vector{}, false
		}
		t0, f0 = t1, f1
		t1 = tNext
		var okN bool
		if f1, okN = surfaceResidual(origin.Add(dir.Mul(t1)), dem, opts); !okN {
			return r3.Vector{}, false
		}
	}
	return r3.Vector{}, false
}
