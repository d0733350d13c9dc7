package cloud

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/edaniels/golog"
	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/geodesy"
	"github.com/demtools/stereodem/geotiff"
	"github.com/demtools/stereodem/raster"
	"github.com/demtools/stereodem/utils"
)

// ApplyOptions configure a cloud transformation.
type ApplyOptions struct {
	// Datum interprets geographic coordinates; defaults to WGS84.
	Datum geodesy.Datum
	// CSV names the column layout for CSV inputs.
	CSV CSVFormat
	// Logger, when set, receives progress and diagnostics.
	Logger golog.Logger
}

func (o *ApplyOptions) fill() {
	if o.Datum.A == 0 {
		o.Datum = geodesy.WGS84
	}
	if o.CSV.Cols == [3]int{} {
		o.CSV = DefaultCSVFormat()
	}
	if o.Logger == nil {
		o.Logger = golog.NewLogger("cloud")
	}
}

// TransformPoint applies a homogeneous 4x4 transform to an ECEF point.
func TransformPoint(transform *mat.Dense, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: transform.At(0, 0)*p.X + transform.At(0, 1)*p.Y + transform.At(0, 2)*p.Z + transform.At(0, 3),
		Y: transform.At(1, 0)*p.X + transform.At(1, 1)*p.Y + transform.At(1, 2)*p.Z + transform.At(1, 3),
		Z: transform.At(2, 0)*p.X + transform.At(2, 1)*p.Y + transform.At(2, 2)*p.Z + transform.At(2, 3),
	}
}

// ApplyTransform rewrites the cloud at srcPath with every point moved by
// the given 4x4 ECEF transform, returning the path written. DEM inputs
// become three-band tiled clouds; the other formats keep their own
// format and, for CSV and LAS, their column layout and header
// quantization.
func ApplyTransform(transform *mat.Dense, srcPath, outPrefix string, opts ApplyOptions) (string, error) {
	opts.fill()
	format, err := DetectFormat(srcPath)
	if err != nil {
		return "", err
	}
	switch format {
	case FormatDEM:
		out := outPrefix + "-trans.tif"
		return out, applyToDEM(transform, srcPath, out, opts)
	case FormatPC:
		out := outPrefix + "-trans.tif"
		return out, applyToPC(transform, srcPath, out, opts)
	case FormatLAS:
		out := outPrefix + "-trans.las"
		return out, applyToLAS(transform, srcPath, out, opts)
	default:
		out := outPrefix + "-trans.csv"
		return out, applyToCSV(transform, srcPath, out, opts)
	}
}

// applyToDEM renders a DEM as a transformed three-band ECEF cloud with
// the source's georeferencing carried over.
func applyToDEM(transform *mat.Dense, srcPath, outPath string, opts ApplyOptions) error {
	dem, err := raster.OpenDEM(srcPath)
	if err != nil {
		return err
	}
	georef := dem.GeoReference()
	bounds := dem.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	out := geotiff.NewRaster(w, h, 3, geotiff.FormatFloat64, 0)
	out.HasNoData = false
	georef.ToGeoTIFF(out)

	progress := utils.NewProgress(opts.Logger, "transforming DEM "+srcPath, int64(h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			height, ok := dem.Value(x, y)
			if !ok {
				continue // stays at the zero triple, the invalid marker
			}
			lon, lat := georef.PixelToLonLat(float64(x), float64(y))
			p := TransformPoint(transform, georef.Datum.GeodeticToCartesian(lon, lat, height))
			out.Set(x, y, 0, p.X)
			out.Set(x, y, 1, p.Y)
			out.Set(x, y, 2, p.Z)
		}
		progress.Add(1)
	}
	progress.Finish()
	return geotiff.Write(outPath, out)
}

// applyToPC rewrites a tiled cloud, moving the coordinate bands and
// carrying any extra bands through untouched.
func applyToPC(transform *mat.Dense, srcPath, outPath string, opts ApplyOptions) error {
	r, err := readCloudRaster(srcPath)
	if err != nil {
		return err
	}
	progress := utils.NewProgress(opts.Logger, "transforming cloud "+srcPath, int64(r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			p := r3.Vector{X: r.At(x, y, 0), Y: r.At(x, y, 1), Z: r.At(x, y, 2)}
			if p.X == 0 && p.Y == 0 && p.Z == 0 {
				continue
			}
			p = TransformPoint(transform, p)
			r.Set(x, y, 0, p.X)
			r.Set(x, y, 1, p.Y)
			r.Set(x, y, 2, p.Z)
		}
		progress.Add(1)
	}
	progress.Finish()
	r.Format = geotiff.FormatFloat64
	return geotiff.Write(outPath, r)
}

// applyToCSV streams rows through the transform, preserving comments,
// column order, and any columns the format does not touch.
func applyToCSV(transform *mat.Dense, srcPath, outPath string, opts ApplyOptions) (err error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return errtag.Tag(errtag.KindResource, errors.Wrapf(err, "cannot open %s", srcPath))
	}
	defer in.Close() //nolint:errcheck
	out, err := os.Create(outPath)
	if err != nil {
		return errtag.Tag(errtag.KindResource, errors.Wrapf(err, "cannot create %s", outPath))
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = errtag.Tag(errtag.KindResource, cerr)
		}
	}()

	writer := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNum++
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			fmt.Fprintln(writer, line)
			continue
		}
		v, ok := opts.CSV.parseCSVRow(trimmed)
		if !ok {
			if lineNum == 1 {
				fmt.Fprintln(writer, line) // header row
				continue
			}
			return errtag.Format("%s:%d: cannot parse row %q", srcPath, lineNum, trimmed)
		}
		p, err := opts.CSV.ToCartesian(v, opts.Datum)
		if err != nil {
			return err
		}
		moved, err := opts.CSV.FromCartesian(TransformPoint(transform, p), opts.Datum)
		if err != nil {
			return err
		}
		fields := splitCSVRow(trimmed)
		for i, col := range opts.CSV.Cols {
			fields[col] = formatCSVValue(moved[i])
		}
		fmt.Fprintln(writer, strings.Join(fields, ","))
	}
	if serr := scanner.Err(); serr != nil {
		return errtag.Tag(errtag.KindResource, errors.Wrapf(serr, "reading %s", srcPath))
	}
	return writer.Flush()
}

func formatCSVValue(v float64) string {
	return fmt.Sprintf("%.12g", v)
}

// applyToLAS rewrites a LAS cloud in place of its coordinate system:
// projected and geographic files are moved in ECEF and reprojected, so
// header offsets and scales stay meaningful; raw ECEF files get their
// coordinates transformed directly.
func applyToLAS(transform *mat.Dense, srcPath, outPath string, opts ApplyOptions) (err error) {
	in, err := lidario.NewLasFile(srcPath, "r")
	if err != nil {
		return errtag.Resource("cannot open LAS file %s: %v", srcPath, err)
	}
	defer goutils.UncheckedErrorFunc(in.Close)

	out, err := lidario.NewLasFile(outPath, "w")
	if err != nil {
		return errtag.Resource("cannot create LAS file %s: %v", outPath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = errtag.Resource("finalizing %s: %v", outPath, cerr)
		}
	}()

	crs := lasReadCRS(in, opts.Datum)

	// georeferenced coordinates barely move under an ECEF transform, so
	// the input quantization stays valid bit for bit; a raw ECEF file
	// moves bodily and its offset has to move with it
	ox, oy, oz := in.Header.XOffset, in.Header.YOffset, in.Header.ZOffset
	if crs.projected == nil && !crs.geographic {
		movedOffset := TransformPoint(transform, r3.Vector{X: ox, Y: oy, Z: oz})
		ox, oy, oz = movedOffset.X, movedOffset.Y, movedOffset.Z
	}
	if err := out.AddHeader(lidario.LasHeader{
		PointFormatID: in.Header.PointFormatID,
		XOffset:       ox,
		YOffset:       oy,
		ZOffset:       oz,
	}); err != nil {
		return errtag.Format("LAS header for %s: %v", outPath, err)
	}
	// AddHeader resets the scale factors, put the input's back
	out.Header.XScaleFactor = in.Header.XScaleFactor
	out.Header.YScaleFactor = in.Header.YScaleFactor
	out.Header.ZScaleFactor = in.Header.ZScaleFactor
	for _, vlr := range in.VlrData {
		if err := out.AddVLR(vlr); err != nil {
			return errtag.Format("LAS VLR for %s: %v", outPath, err)
		}
	}

	progress := utils.NewProgress(opts.Logger, "transforming LAS "+srcPath, int64(in.Header.NumberPoints))
	for i := 0; i < in.Header.NumberPoints; i++ {
		p, err := in.LasPoint(i)
		if err != nil {
			return errtag.Format("LAS point %d: %v", i, err)
		}
		moved := TransformPoint(transform, crs.toCartesian(p.PointData().X, p.PointData().Y, p.PointData().Z, opts.Datum))
		x, y, z := crs.fromCartesian(moved, opts.Datum)
		if err := out.AddLasPoint(movedLasPoint(p, x, y, z)); err != nil {
			return errtag.Resource("writing LAS point %d: %v", i, err)
		}
		progress.Add(1)
	}
	progress.Finish()
	return nil
}

// movedLasPoint clones a point at new coordinates, keeping its format
// and every attribute: intensity, returns, classification, GPS time,
// color.
func movedLasPoint(p lidario.LasPointer, x, y, z float64) lidario.LasPointer {
	rec := *p.PointData()
	rec.X, rec.Y, rec.Z = x, y, z
	switch p.Format() {
	case 1:
		return &lidario.PointRecord1{PointRecord0: &rec, GPSTime: p.GpsTimeData()}
	case 2:
		return &lidario.PointRecord2{PointRecord0: &rec, RGB: p.RgbData()}
	case 3:
		return &lidario.PointRecord3{PointRecord0: &rec, GPSTime: p.GpsTimeData(), RGB: p.RgbData()}
	default:
		return &rec
	}
}

// fromCartesian is the inverse of toCartesian: it stores an ECEF point
// back in the file's own coordinate system.
func (c lasCRS) fromCartesian(p r3.Vector, datum geodesy.Datum) (x, y, z float64) {
	switch {
	case c.projected != nil:
		lon, lat, h := datum.CartesianToGeodetic(p)
		e, n := c.projected.Forward(lon, lat)
		return e, n, h
	case c.geographic:
		lon, lat, h := datum.CartesianToGeodetic(p)
		return lon, lat, h
	default:
		return p.X, p.Y, p.Z
	}
}
