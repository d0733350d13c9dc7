// Package disparity predicts low-resolution stereo disparity from a
// coarse terrain model: rays from the left camera are dropped onto the
// DEM, pushed up and down by the stated terrain uncertainty, and
// reprojected into the right camera. The result seeds the correlator
// with a per-pixel search center and spread.
package disparity

import (
	"context"
	"image"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/demtools/stereodem/camera"
	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/geodesy"
	"github.com/demtools/stereodem/geotiff"
	"github.com/demtools/stereodem/raster"
	"github.com/demtools/stereodem/raydem"
	"github.com/demtools/stereodem/utils"
)

// PixelTransform maps between pixels of an aligned (possibly warped or
// map-projected) image and pixels of the underlying camera. Workers
// clone their transform, so implementations may keep per-call scratch
// state without locking.
type PixelTransform interface {
	ToCamera(p r2.Point) (r2.Point, error)
	FromCamera(p r2.Point) (r2.Point, error)
	Clone() PixelTransform
}

// IdentityTransform is the transform of an unwarped image.
type IdentityTransform struct{}

// ToCamera returns p unchanged.
func (IdentityTransform) ToCamera(p r2.Point) (r2.Point, error) { return p, nil }

// FromCamera returns p unchanged.
func (IdentityTransform) FromCamera(p r2.Point) (r2.Point, error) { return p, nil }

// Clone returns the receiver; the identity carries no state.
func (t IdentityTransform) Clone() PixelTransform { return t }

// Options configure a disparity prediction run.
type Options struct {
	// Prefix names the output files <Prefix>-D_sub.tif and
	// <Prefix>-D_sub_spread.tif.
	Prefix string
	// Scale is the ratio of full-resolution to subsampled pixels; a
	// quarter-size image has Scale 4.
	Scale float64
	// PixelSample computes a prediction every this many pixels of the
	// subsampled grid.
	PixelSample int
	// DEMError is the terrain height uncertainty in meters; it widens
	// the predicted search range.
	DEMError float64
	TileSize int
	// LeftTransform and RightTransform map aligned image pixels to
	// camera pixels; nil means identity.
	LeftTransform  PixelTransform
	RightTransform PixelTransform
	Logger         golog.Logger
}

func (o *Options) fill() {
	if o.Scale <= 0 {
		o.Scale = 1
	}
	if o.PixelSample <= 0 {
		o.PixelSample = 2
	}
	if o.TileSize <= 0 {
		o.TileSize = 64
	}
	if o.LeftTransform == nil {
		o.LeftTransform = IdentityTransform{}
	}
	if o.RightTransform == nil {
		o.RightTransform = IdentityTransform{}
	}
	if o.Logger == nil {
		o.Logger = golog.NewLogger("disparity")
	}
}

// Result points at the written files.
type Result struct {
	DisparityPath string
	SpreadPath    string
}

const (
	disparityNoData = -32768
	spreadNoData    = -1
)

// Compute predicts the disparity of every sampled pixel of a width by
// height subsampled left image and writes the center and spread rasters.
func Compute(ctx context.Context, left, right camera.Model, dem *raster.DEM, width, height int, opts Options) (*Result, error) {
	opts.fill()
	if width <= 0 || height <= 0 {
		return nil, errtag.Input("disparity: image size %dx%d is empty", width, height)
	}

	medianHeight, ok := dem.MedianValidHeight()
	if !ok {
		return nil, errtag.Input("disparity: the DEM has no valid heights")
	}
	rayOpts := raydem.DefaultOptions(opts.DEMError)

	center := geotiff.NewRaster(width, height, 2, geotiff.FormatFloat32, disparityNoData)
	spread := geotiff.NewRaster(width, height, 2, geotiff.FormatInt16, spreadNoData)

	tiles := utils.SplitTiles(image.Rect(0, 0, width, height), opts.TileSize)
	err := utils.RunTiles(ctx, tiles, func(ctx context.Context, workerNum int, tile image.Rectangle) error {
		w := &tileWorker{
			left:         left,
			right:        right,
			leftTrans:    opts.LeftTransform.Clone(),
			rightTrans:   opts.RightTransform.Clone(),
			dem:          dem,
			rayOpts:      rayOpts,
			medianHeight: medianHeight,
			opts:         &opts,
			center:       center,
			spread:       spread,
		}
		return w.run(tile)
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		DisparityPath: opts.Prefix + "-D_sub.tif",
		SpreadPath:    opts.Prefix + "-D_sub_spread.tif",
	}
	if err := geotiff.Write(res.DisparityPath, center); err != nil {
		return nil, err
	}
	if err := geotiff.Write(res.SpreadPath, spread); err != nil {
		return nil, err
	}
	return res, nil
}

type tileWorker struct {
	left, right  camera.Model
	leftTrans    PixelTransform
	rightTrans   PixelTransform
	dem          *raster.DEM
	rayOpts      raydem.Options
	medianHeight float64
	opts         *Options
	center       *geotiff.Raster
	spread       *geotiff.Raster
}

// run predicts every sampled pixel of one tile against a locally cropped
// DEM. Tiles never overlap, so the workers write disjoint pixels.
func (w *tileWorker) run(tile image.Rectangle) error {
	dem := w.cropDEMForTile(tile)
	if dem == nil {
		return nil // the tile sees no terrain; its pixels stay invalid
	}

	for y := alignUp(tile.Min.Y, w.opts.PixelSample); y < tile.Max.Y; y += w.opts.PixelSample {
		// seeding carries across a row but never across rows
		var prevXYZ *r3.Vector
		for x := alignUp(tile.Min.X, w.opts.PixelSample); x < tile.Max.X; x += w.opts.PixelSample {
			d, s, ok := w.predict(dem, float64(x), float64(y), &prevXYZ)
			if !ok {
				continue
			}
			w.center.Set(x, y, 0, d.X)
			w.center.Set(x, y, 1, d.Y)
			w.spread.Set(x, y, 0, s.X)
			w.spread.Set(x, y, 1, s.Y)
		}
	}
	return nil
}

// alignUp rounds v up to the next multiple of step.
func alignUp(v, step int) int {
	if r := v % step; r != 0 {
		return v + step - r
	}
	return v
}

// rayThroughSubPixel is the left camera ray of one subsampled pixel.
func (w *tileWorker) rayThroughSubPixel(x, y float64) (orig, dir r3.Vector, err error) {
	camPix, err := w.leftTrans.ToCamera(r2.Point{X: x * w.opts.Scale, Y: y * w.opts.Scale})
	if err != nil {
		return r3.Vector{}, r3.Vector{}, err
	}
	orig, err = w.left.CenterAt(camPix)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, err
	}
	dir, err = w.left.DirectionAt(camPix)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, err
	}
	return orig, dir, nil
}

// projectToSub projects a ground point into the right camera and maps it
// back to subsampled pixel coordinates.
func (w *tileWorker) projectToSub(p r3.Vector) (r2.Point, bool) {
	camPix, err := w.right.Project(p)
	if err != nil {
		return r2.Point{}, false
	}
	pix, err := w.rightTrans.FromCamera(camPix)
	if err != nil {
		return r2.Point{}, false
	}
	return r2.Point{X: pix.X / w.opts.Scale, Y: pix.Y / w.opts.Scale}, true
}

// predict computes one pixel's disparity center and spread by bracketing
// the terrain uncertainty along the left ray.
func (w *tileWorker) predict(dem *raster.DEM, x, y float64, prevXYZ **r3.Vector) (d r2.Point, s r2.Point, ok bool) {
	orig, dir, err := w.rayThroughSubPixel(x, y)
	if err != nil {
		return r2.Point{}, r2.Point{}, false
	}
	xyz, hit := raydem.Intersect(orig, dir, dem, w.rayOpts, w.medianHeight, *prevXYZ)
	if !hit {
		*prevXYZ = nil
		return r2.Point{}, r2.Point{}, false
	}
	seed := xyz
	*prevXYZ = &seed

	lo := r2.Point{X: math.Inf(1), Y: math.Inf(1)}
	hi := r2.Point{X: math.Inf(-1), Y: math.Inf(-1)}
	hits := 0
	// bracket the terrain uncertainty; the middle sample only matters
	// when an endpoint fails
	for _, bias := range []float64{-1, 1, 0} {
		if bias == 0 && hits == 2 {
			break
		}
		p := xyz.Add(dir.Mul(bias * w.opts.DEMError))
		sub, got := w.projectToSub(p)
		if !got {
			continue
		}
		hits++
		disp := r2.Point{X: sub.X - x, Y: sub.Y - y}
		lo = r2.Point{X: math.Min(lo.X, disp.X), Y: math.Min(lo.Y, disp.Y)}
		hi = r2.Point{X: math.Max(hi.X, disp.X), Y: math.Max(hi.Y, disp.Y)}
	}
	if hits == 0 {
		return r2.Point{}, r2.Point{}, false
	}

	d = r2.Point{X: math.Round((lo.X + hi.X) / 2), Y: math.Round((lo.Y + hi.Y) / 2)}
	s = r2.Point{X: spreadCeil((hi.X - lo.X) / 2), Y: spreadCeil((hi.Y - lo.Y) / 2)}
	return d, s, true
}

// spreadNoiseTol absorbs the floating point residue of projecting the
// bias endpoints, so a geometry with no real spread reports zero instead
// of rounding a sub-nanopixel difference up to a full pixel.
const spreadNoiseTol = 1e-7

func spreadCeil(v float64) float64 {
	if v <= spreadNoiseTol {
		return 0
	}
	return math.Ceil(v - spreadNoiseTol)
}

// tileSamplePixels lists the subsampled pixels walked when estimating the
// terrain a tile can see: both diagonals, so terrain sloping either way
// across the tile still lands inside the estimated patch.
func tileSamplePixels(tile image.Rectangle, samples int) []r2.Point {
	pts := make([]r2.Point, 0, 2*(samples+1))
	for i := 0; i <= samples; i++ {
		fx := float64(tile.Min.X) + float64(tile.Dx())*float64(i)/float64(samples)
		fy := float64(tile.Min.Y) + float64(tile.Dy())*float64(i)/float64(samples)
		pts = append(pts, r2.Point{X: fx, Y: fy})
		anti := r2.Point{X: fx, Y: float64(tile.Max.Y) - float64(tile.Dy())*float64(i)/float64(samples)}
		if anti != pts[len(pts)-1] {
			pts = append(pts, anti)
		}
	}
	return pts
}

// cropDEMForTile estimates the patch of terrain a tile can see by
// walking its diagonals, and crops the DEM to it with a generous margin.
// A nil result means no sampled ray struck the DEM.
func (w *tileWorker) cropDEMForTile(tile image.Rectangle) *raster.DEM {
	georef := w.dem.GeoReference()
	bounds := w.dem.Bounds()

	dim := tile.Dx()
	if tile.Dy() > dim {
		dim = tile.Dy()
	}
	samples := dim / 10
	if samples < 1 {
		samples = 1
	}

	var box image.Rectangle
	found := false
	for _, sp := range tileSamplePixels(tile, samples) {
		orig, dir, err := w.rayThroughSubPixel(sp.X, sp.Y)
		if err != nil {
			continue
		}
		xyz, hit := raydem.Intersect(orig, dir, w.dem, w.rayOpts, w.medianHeight, nil)
		if !hit {
			continue
		}
		lon, lat, _ := georef.Datum.CartesianToGeodetic(xyz)
		lon = geodesy.RecenterLongitude(lon, georef.LonCenter)
		px, py := georef.LonLatToPixel(lon, lat)
		pt := image.Rect(int(math.Floor(px)), int(math.Floor(py)), int(math.Ceil(px))+1, int(math.Ceil(py))+1)
		if !found {
			box = pt
			found = true
		} else {
			box = box.Union(pt)
		}
	}
	if !found {
		return nil
	}

	expand := box.Dx()
	if box.Dy() > expand {
		expand = box.Dy()
	}
	expand = expand / 10
	if expand < 100 {
		expand = 100
	}
	box = box.Inset(-expand).Intersect(bounds)
	if box.Empty() {
		return nil
	}
	return w.dem.Crop(box)
}
