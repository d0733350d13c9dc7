package camera

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/demtools/stereodem/errtag"
)

// PositionSample is one ephemeris knot: sensor position and velocity in
// ECEF at a given time (seconds, arbitrary epoch shared by all knots).
type PositionSample struct {
	Time     float64   `json:"time"`
	Position r3.Vector `json:"position"`
	Velocity r3.Vector `json:"velocity"`
}

// PoseSample is one attitude knot: the body-to-ECEF rotation at a time.
type PoseSample struct {
	Time float64  `json:"time"`
	Pose Rotation `json:"pose"`
}

// LineTimeSample maps an image line to its capture time.
type LineTimeSample struct {
	Line float64 `json:"line"`
	Time float64 `json:"time"`
}

// Linescan is a pushbroom camera: a 1D detector swept over the ground,
// with time-parameterized position and pose.
type Linescan struct {
	NumLines   int
	NumSamples int

	// FirstLineTime and LinePeriod declare the nominal timing; the line
	// time table must agree with FirstLineTime at line zero to within a
	// tenth of a period.
	FirstLineTime float64
	LinePeriod    float64

	lineTimes []LineTimeSample
	positions []PositionSample
	poses     []PoseSample

	// sensorToImage aligns the detector axes to the image axes; it is
	// post-composed with the interpolated body-to-ECEF rotation.
	sensorToImage Rotation

	// focal length and detector center, in pixels
	FocalPx float64
	Cx      float64

	opts ProjectOptions
}

// NewLinescan validates and assembles a pushbroom model. Knot tables must
// each be sorted and have at least two entries.
func NewLinescan(
	numLines, numSamples int,
	firstLineTime, linePeriod float64,
	lineTimes []LineTimeSample,
	positions []PositionSample,
	poses []PoseSample,
	sensorToImage Rotation,
	focalPx, cx float64,
	opts ProjectOptions,
) (*Linescan, error) {
	opts.fill()
	if numLines < 2 || numSamples < 1 {
		return nil, errtag.Input("linescan: bad image size %dx%d", numSamples, numLines)
	}
	if linePeriod <= 0 {
		return nil, errtag.Input("linescan: line period must be positive, got %g", linePeriod)
	}
	if len(positions) < 2 || len(poses) < 2 || len(lineTimes) < 2 {
		return nil, errtag.Input("linescan: need at least two knots per interpolator")
	}
	if !sort.SliceIsSorted(positions, func(i, j int) bool { return positions[i].Time < positions[j].Time }) ||
		!sort.SliceIsSorted(poses, func(i, j int) bool { return poses[i].Time < poses[j].Time }) ||
		!sort.SliceIsSorted(lineTimes, func(i, j int) bool { return lineTimes[i].Line < lineTimes[j].Line }) {
		return nil, errtag.Input("linescan: interpolator knots must be sorted")
	}

	ls := &Linescan{
		NumLines:      numLines,
		NumSamples:    numSamples,
		FirstLineTime: firstLineTime,
		LinePeriod:    linePeriod,
		lineTimes:     lineTimes,
		positions:     positions,
		poses:         poses,
		sensorToImage: sensorToImage,
		FocalPx:       focalPx,
		Cx:            cx,
		opts:          opts,
	}
	if got := ls.timeAtLine(0); math.Abs(got-firstLineTime) > linePeriod/10 {
		return nil, errtag.Input(
			"linescan: line time table disagrees with first-line timestamp: table %f vs declared %f (period %f)",
			got, firstLineTime, linePeriod)
	}
	return ls, nil
}

// timeAtLine evaluates the piecewise-linear line-to-time table, with linear
// extrapolation past the ends.
func (c *Linescan) timeAtLine(line float64) float64 {
	lt := c.lineTimes
	i := sort.Search(len(lt), func(k int) bool { return lt[k].Line >= line })
	if i == 0 {
		i = 1
	}
	if i == len(lt) {
		i = len(lt) - 1
	}
	a, b := lt[i-1], lt[i]
	t := (line - a.Line) / (b.Line - a.Line)
	return a.Time + t*(b.Time-a.Time)
}

// positionAt evaluates the ephemeris with cubic Hermite interpolation over
// the bracketing knots, honoring the sampled velocities.
func (c *Linescan) positionAt(t float64) r3.Vector {
	ps := c.positions
	i := sort.Search(len(ps), func(k int) bool { return ps[k].Time >= t })
	if i == 0 {
		i = 1
	}
	if i == len(ps) {
		i = len(ps) - 1
	}
	a, b := ps[i-1], ps[i]
	h := b.Time - a.Time
	s := (t - a.Time) / h
	s2, s3 := s*s, s*s*s

	h00 := 2*s3 - 3*s2 + 1
	h10 := s3 - 2*s2 + s
	h01 := -2*s3 + 3*s2
	h11 := s3 - s2
	return a.Position.Mul(h00).
		Add(a.Velocity.Mul(h10 * h)).
		Add(b.Position.Mul(h01)).
		Add(b.Velocity.Mul(h11 * h))
}

// poseAt slerps the attitude table at t.
func (c *Linescan) poseAt(t float64) Rotation {
	ps := c.poses
	i := sort.Search(len(ps), func(k int) bool { return ps[k].Time >= t })
	if i == 0 {
		i = 1
	}
	if i == len(ps) {
		i = len(ps) - 1
	}
	a, b := ps[i-1], ps[i]
	s := (t - a.Time) / (b.Time - a.Time)
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return Slerp(a.Pose, b.Pose, s)
}

func (c *Linescan) checkLine(line float64) error {
	// pixel centers sit on integer lines, so the sensor covers the
	// half-open half-pixel band around the first and last line
	if line < -0.5 || line > float64(c.NumLines-1)+0.5 {
		return errtag.Geometry("linescan: line %.2f outside validity window [-0.5, %.1f]", line, float64(c.NumLines-1)+0.5)
	}
	return nil
}

// CenterAt returns the sensor position at the capture time of the pixel's
// line.
func (c *Linescan) CenterAt(pix r2.Point) (r3.Vector, error) {
	if err := c.checkLine(pix.Y); err != nil {
		return r3.Vector{}, err
	}
	return c.positionAt(c.timeAtLine(pix.Y)), nil
}

// DirectionAt returns the unit ground-pointing ray of the pixel.
func (c *Linescan) DirectionAt(pix r2.Point) (r3.Vector, error) {
	if err := c.checkLine(pix.Y); err != nil {
		return r3.Vector{}, err
	}
	t := c.timeAtLine(pix.Y)
	dirCam := r3.Vector{X: (pix.X - c.Cx) / c.FocalPx, Y: 0, Z: 1}
	rot := c.poseAt(t).Compose(c.sensorToImage)
	return rot.Apply(dirCam).Normalize(), nil
}

// cameraFramePoint expresses p in the detector frame of the given line.
func (c *Linescan) cameraFramePoint(p r3.Vector, line float64) r3.Vector {
	t := c.timeAtLine(line)
	rot := c.poseAt(t).Compose(c.sensorToImage)
	return rot.Inverse().Apply(p.Sub(c.positionAt(t)))
}

// Project recovers the pixel that sees p. The line is found by a secant
// iteration on the along-track image residual; the sample then follows in
// closed form.
func (c *Linescan) Project(p r3.Vector) (r2.Point, error) {
	residual := func(line float64) (float64, error) {
		pc := c.cameraFramePoint(p, line)
		if pc.Z <= 0 {
			return 0, errBehindCamera(p)
		}
		return c.FocalPx * pc.Y / pc.Z, nil
	}

	l0 := float64(c.NumLines-1) / 2
	l1 := l0 + 1
	f0, err := residual(l0)
	if err != nil {
		return r2.Point{}, err
	}
	f1, err := residual(l1)
	if err != nil {
		return r2.Point{}, err
	}

	clampLine := func(l float64) float64 {
		// allow a small overshoot beyond the window during iteration
		lo, hi := -1.0, float64(c.NumLines)
		return math.Min(hi, math.Max(lo, l))
	}

	var line float64
	converged := false
	for iter := 0; iter < c.opts.MaxIter; iter++ {
		if math.Abs(f1) < c.opts.DesiredPrecision {
			line = l1
			converged = true
			break
		}
		if f1 == f0 {
			break
		}
		next := clampLine(l1 - f1*(l1-l0)/(f1-f0))
		l0, f0 = l1, f1
		l1 = next
		if f1, err = residual(l1); err != nil {
			return r2.Point{}, err
		}
	}
	if !converged {
		return r2.Point{}, errtag.Numeric(
			"linescan: projection did not reach %g pixels in %d iterations (residual %g)",
			c.opts.DesiredPrecision, c.opts.MaxIter, f1)
	}
	if err := c.checkLine(line); err != nil {
		return r2.Point{}, err
	}

	pc := c.cameraFramePoint(p, line)
	if pc.Z <= 0 {
		return r2.Point{}, errBehindCamera(p)
	}
	return r2.Point{X: c.FocalPx*pc.X/pc.Z + c.Cx, Y: line}, nil
}
